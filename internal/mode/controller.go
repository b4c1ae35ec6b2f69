package mode

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sandeepmv/resilipay/internal/domain"
	"github.com/sandeepmv/resilipay/internal/events"
)

// Controller owns the process-wide connectivity mode. It is the only writer
// of the mode value; everyone else takes read-only snapshots via Current.
// Set persists the new value before it becomes visible, so a restart never
// resurrects a stale mode.
type Controller struct {
	mu      sync.RWMutex
	current domain.Mode
	path    string
	bus     *events.Broadcaster
	logger  *slog.Logger
}

type stateFile struct {
	Status domain.Mode `json:"status"`
}

// NewController loads the persisted mode from path, defaulting to online
// when the file is absent or unreadable.
func NewController(path string, bus *events.Broadcaster, logger *slog.Logger) *Controller {
	c := &Controller{
		current: domain.ModeOnline,
		path:    path,
		bus:     bus,
		logger:  logger,
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var sf stateFile
		if jsonErr := json.Unmarshal(data, &sf); jsonErr == nil && sf.Status.Valid() {
			c.current = sf.Status
		} else {
			logger.Warn("mode state file unreadable, defaulting to online", "path", path)
		}
	}
	return c
}

// Current returns a snapshot of the mode. The snapshot is linearizable with
// respect to Set: it is never staler than the last acknowledged write.
func (c *Controller) Current() domain.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Set durably persists the new mode, swaps it in, and broadcasts the change.
// It fails closed: on a persistence error the in-memory mode is untouched
// and no event is published.
func (c *Controller) Set(newMode domain.Mode) (domain.Mode, error) {
	if !newMode.Valid() {
		return "", fmt.Errorf("invalid mode %q", newMode)
	}

	c.mu.Lock()
	previous := c.current
	if previous == newMode {
		c.mu.Unlock()
		return previous, nil
	}

	if err := c.persist(newMode); err != nil {
		c.mu.Unlock()
		return previous, fmt.Errorf("persist mode: %w", err)
	}
	c.current = newMode
	// Broadcast outside the lock: a slow event delivery must not hold up
	// Current() readers.
	c.mu.Unlock()

	c.logger.Info("mode changed", "previous", previous, "current", newMode)
	c.bus.Publish(events.TypeModeChanged, events.ModeChange{
		Previous: string(previous),
		Current:  string(newMode),
	})
	return previous, nil
}

// persist writes the state file atomically via a temp file and rename.
func (c *Controller) persist(m domain.Mode) error {
	data, err := json.Marshal(stateFile{Status: m})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".mode-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, c.path)
}

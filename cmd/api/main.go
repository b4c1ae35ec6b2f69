package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sandeepmv/resilipay/internal/api"
	"github.com/sandeepmv/resilipay/internal/config"
	"github.com/sandeepmv/resilipay/internal/events"
	"github.com/sandeepmv/resilipay/internal/ledger"
	"github.com/sandeepmv/resilipay/internal/middleware"
	"github.com/sandeepmv/resilipay/internal/mode"
	"github.com/sandeepmv/resilipay/internal/processor"
	"github.com/sandeepmv/resilipay/internal/reconcile"
	"github.com/sandeepmv/resilipay/internal/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var store ledger.Store
	if cfg.DBSource != "" {
		pgStore, err := ledger.NewPostgresStore(context.Background(), cfg.DBSource)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		logger.Info("ledger backed by postgres")
	} else {
		store = ledger.NewMemoryStore()
		logger.Info("ledger running in-memory")
	}

	bus := events.NewBroadcaster()
	modes := mode.NewController(cfg.ModeStateFile, bus, logger)
	authority := settlement.NewSimulated(cfg.Settlement, logger)
	proc := processor.New(store, authority, modes, bus, logger)
	sweeper := reconcile.NewSweeper(store, authority, bus, logger, cfg.SweepMaxRetries)

	trigger := reconcile.NewTrigger(sweeper, bus, logger)
	trigger.Start(context.Background())

	handler := api.NewHandler(store, proc, sweeper, modes, bus, logger)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Register(r)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.RequestID(r),
	}

	go func() {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	trigger.Stop()
	log.Println("Server stopped gracefully")
}

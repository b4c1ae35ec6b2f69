package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	userCount   int64
)

// Outcome counters
var (
	totalRequests uint64
	created       uint64 // 201 accepted
	gated         uint64 // 503 mode rejection
	rejected      uint64 // 400 validation / funds
	declined      uint64 // 502 settlement declined
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "online", "Workload type: online | emergency | mixed")
	flag.Int64Var(&userCount, "users", 6, "Number of seeded user ids to draw from")
}

func main() {
	flag.Parse()
	log.Printf("Starting load: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 10 * time.Second}

	for time.Since(start) < duration {
		sender, receiver := pickUsers()

		endpoint := "/api/v1/transfers"
		payload := map[string]interface{}{
			"sender_id":   sender,
			"receiver_id": receiver,
			"amount":      float64(10 + rand.Intn(90)),
		}
		if workload == "emergency" || (workload == "mixed" && rand.Intn(2) == 0) {
			endpoint = "/api/v1/emergency-payments"
			payload["method"] = "BLUETOOTH"
		}

		body, _ := json.Marshal(payload)
		resp, err := client.Post(targetURL+endpoint, "application/json", bytes.NewReader(body))
		atomic.AddUint64(&totalRequests, 1)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&created, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&gated, 1)
		case http.StatusBadRequest:
			atomic.AddUint64(&rejected, 1)
		case http.StatusBadGateway:
			atomic.AddUint64(&declined, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func pickUsers() (int64, int64) {
	sender := 1 + rand.Int63n(userCount)
	receiver := 1 + rand.Int63n(userCount)
	for receiver == sender {
		receiver = 1 + rand.Int63n(userCount)
	}
	return sender, receiver
}

func printResults(elapsed time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	fmt.Println("\n--- Results ---")
	fmt.Printf("Elapsed:             %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Total requests:      %d (%.1f req/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("Accepted (201):      %d\n", atomic.LoadUint64(&created))
	fmt.Printf("Mode gated (503):    %d\n", atomic.LoadUint64(&gated))
	fmt.Printf("Rejected (400):      %d\n", atomic.LoadUint64(&rejected))
	fmt.Printf("Declined (502):      %d\n", atomic.LoadUint64(&declined))
	fmt.Printf("Other failures:      %d\n", atomic.LoadUint64(&failOther))
}

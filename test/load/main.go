package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PaymentPayload mirrors the POST /api/v1/payments body.
type PaymentPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        string `json:"order_id"`
	CustomerID     string `json:"customer_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Provider       string `json:"provider"`
	PhoneNumber    string `json:"phone_number"`
	Description    string `json:"description"`
}

type LoadTestConfig struct {
	URL               string
	RequestsPerSecond int
	DurationSeconds   int
	ConcurrentWorkers int
	Providers         []string
	Customers         int
}

type Stats struct {
	accepted      atomic.Int64
	rejected      atomic.Int64
	errorCount    atomic.Int64
	statuses      sync.Map
	responseTimes []float64
	mu            sync.Mutex
}

func (s *Stats) addResponseTime(duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimes = append(s.responseTimes, duration)
}

func (s *Stats) getResponseTimes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]float64, len(s.responseTimes))
	copy(times, s.responseTimes)
	return times
}

func (s *Stats) countStatus(code int) {
	v, _ := s.statuses.LoadOrStore(code, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

var seq atomic.Int64

// nextPayload builds a unique payment so every request creates a transaction.
func nextPayload(config LoadTestConfig, rng *rand.Rand) []byte {
	n := seq.Add(1)
	provider := config.Providers[rng.Intn(len(config.Providers))]
	prefix := "65"
	if provider == "orange_money" {
		prefix = "69"
	}
	customer := rng.Intn(config.Customers)
	p := PaymentPayload{
		IdempotencyKey: fmt.Sprintf("load-%d-%d", time.Now().UnixNano(), n),
		OrderID:        fmt.Sprintf("LOAD-%d", n),
		CustomerID:     fmt.Sprintf("load-customer-%d", customer),
		Amount:         int64(500 + rng.Intn(200)*100),
		Currency:       "XAF",
		Provider:       provider,
		PhoneNumber:    fmt.Sprintf("+237%s%07d", prefix, customer),
		Description:    "load test order",
	}
	b, _ := json.Marshal(p)
	return b
}

func sendRequest(client *http.Client, config LoadTestConfig, payload []byte, stats *Stats) {
	start := time.Now()

	req, err := http.NewRequest(http.MethodPost, config.URL, bytes.NewBuffer(payload))
	if err != nil {
		stats.errorCount.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		stats.errorCount.Add(1)
		stats.addResponseTime(time.Since(start).Seconds())
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	stats.addResponseTime(time.Since(start).Seconds())
	stats.countStatus(resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
		stats.accepted.Add(1)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest:
		// fraud or validation rejections are answers, not errors
		stats.rejected.Add(1)
	default:
		stats.errorCount.Add(1)
	}
}

func worker(id int, client *http.Client, config LoadTestConfig, stats *Stats, jobs <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	for range jobs {
		sendRequest(client, config, nextPayload(config, rng), stats)
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {
	config := LoadTestConfig{
		URL:               getEnvOrDefault("TARGET_URL", "http://localhost:8080/api/v1/payments"),
		RequestsPerSecond: getEnvIntOrDefault("REQUESTS_PER_SECOND", 200),
		DurationSeconds:   getEnvIntOrDefault("DURATION_SECONDS", 30),
		ConcurrentWorkers: getEnvIntOrDefault("CONCURRENT_WORKERS", 50),
		Providers:         strings.Split(getEnvOrDefault("PROVIDERS", "mtn_mobile_money,orange_money,cash"), ","),
		Customers:         getEnvIntOrDefault("CUSTOMERS", 1000),
	}

	fmt.Println("Starting payment load test...")
	fmt.Printf("Target: %s\n", config.URL)
	fmt.Printf("Total requests: %d\n", config.RequestsPerSecond*config.DurationSeconds)
	fmt.Printf("Target RPS: %d\n", config.RequestsPerSecond)
	fmt.Printf("Concurrent workers: %d\n", config.ConcurrentWorkers)
	fmt.Printf("Providers: %s\n", strings.Join(config.Providers, ", "))
	fmt.Println(strings.Repeat("-", 50))

	stats := &Stats{}
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        config.ConcurrentWorkers,
			MaxIdleConnsPerHost: config.ConcurrentWorkers,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 60 * time.Second,
	}

	jobs := make(chan struct{}, config.RequestsPerSecond)
	var wg sync.WaitGroup
	for i := 0; i < config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go worker(i, client, config, stats, jobs, &wg)
	}

	startTime := time.Now()
	for i := 0; i < config.DurationSeconds; i++ {
		batchStart := time.Now()
		for j := 0; j < config.RequestsPerSecond; j++ {
			jobs <- struct{}{}
		}

		accepted, rejected, errs := stats.accepted.Load(), stats.rejected.Load(), stats.errorCount.Load()
		fmt.Printf("[%ds] Completed: %d | Accepted: %d | Rejected: %d | Errors: %d\n",
			i+1, accepted+rejected+errs, accepted, rejected, errs)

		if elapsed := time.Since(batchStart); elapsed < time.Second {
			time.Sleep(time.Second - elapsed)
		}
	}

	close(jobs)
	wg.Wait()
	duration := time.Since(startTime).Seconds()

	accepted, rejected, errs := stats.accepted.Load(), stats.rejected.Load(), stats.errorCount.Load()
	total := accepted + rejected + errs

	times := stats.getResponseTimes()
	sort.Float64s(times)
	var avg float64
	for _, t := range times {
		avg += t
	}
	if len(times) > 0 {
		avg /= float64(len(times))
	}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("PAYMENT LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Duration: %.2f seconds\n", duration)
	fmt.Printf("Total requests: %d\n", total)
	fmt.Printf("Accepted: %d\n", accepted)
	fmt.Printf("Rejected: %d\n", rejected)
	fmt.Printf("Errors: %d\n", errs)
	if total > 0 {
		fmt.Printf("Error rate: %.2f%%\n", float64(errs)/float64(total)*100)
	}
	fmt.Printf("\nActual RPS: %.2f\n", float64(total)/duration)

	fmt.Printf("\nStatus codes:\n")
	stats.statuses.Range(func(k, v any) bool {
		fmt.Printf("  %d: %d\n", k.(int), v.(*atomic.Int64).Load())
		return true
	})

	if len(times) > 0 {
		fmt.Printf("\nResponse times:\n")
		fmt.Printf("  Average: %.2f ms\n", avg*1000)
		fmt.Printf("  P50: %.2f ms\n", percentile(times, 0.50)*1000)
		fmt.Printf("  P95: %.2f ms\n", percentile(times, 0.95)*1000)
		fmt.Printf("  P99: %.2f ms\n", percentile(times, 0.99)*1000)
		fmt.Printf("  Min: %.2f ms\n", times[0]*1000)
		fmt.Printf("  Max: %.2f ms\n", times[len(times)-1]*1000)
	}
}

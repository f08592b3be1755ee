// Benchmark tool for load-testing Shrike with synthetic transactions.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -n 10000 -workers 10
//
// This tool:
//   1. Generates synthetic transactions across the field vocabulary
//   2. Sends each transaction to Shrike for evaluation
//   3. Tallies the decision mix (ALLOW/REVIEW/BLOCK) and error rate
//   4. Reports throughput and latency distribution
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EvaluateRequest is the Shrike API request format
type EvaluateRequest struct {
	TransactionID string         `json:"transactionId,omitempty"`
	EntityID      string         `json:"entityId,omitempty"`
	Fields        map[string]any `json:"fields"`
}

// EvaluateResponse is the Shrike API response format
type EvaluateResponse struct {
	DecisionID string `json:"decisionId"`
	TxID       string `json:"txId"`
	Result     struct {
		MatchedRuleID string `json:"matched_rule_id"`
		RiskScore     int    `json:"risk_score"`
		Decision      string `json:"decision"`
	} `json:"result"`
}

// Metrics tracks benchmark results
type Metrics struct {
	Allowed int64
	Review  int64
	Blocked int64

	TotalProcessed int64
	TotalErrors    int64
	TotalRejected  int64 // 4xx/422 responses
}

var merchantCategories = []string{
	"grocery", "electronics", "travel", "gambling", "crypto_exchange", "restaurants",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Shrike base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	count := flag.Int("n", 10000, "Number of transactions to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 42, "Random seed for reproducible load")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           SHRIKE BENCHMARK - Synthetic Transactions           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nShrike URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Count:       %d\n", *count)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	// Check Shrike is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Shrike not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Shrike is running:")
		fmt.Println("  go run cmd/shrike/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Shrike is healthy")

	rng := rand.New(rand.NewSource(*seed))
	transactions := make([]EvaluateRequest, *count)
	for i := range transactions {
		transactions[i] = syntheticTransaction(rng, i)
	}
	fmt.Printf("✓ Generated %d transactions\n", len(transactions))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics, latencies := runBenchmark(transactions, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, latencies, duration)
}

// syntheticTransaction covers the rule field vocabulary with a realistic
// skew: most traffic is benign, a slice trips velocity or geography
// rules, and a thin tail looks outright fraudulent.
func syntheticTransaction(rng *rand.Rand, i int) EvaluateRequest {
	amount := rng.Float64() * 500
	velocity := rng.Intn(5)
	newDevice := rng.Float64() < 0.1
	countryMismatch := rng.Float64() < 0.05

	switch {
	case rng.Float64() < 0.02: // fraud-shaped tail
		amount = 5000 + rng.Float64()*20000
		velocity = 20 + rng.Intn(40)
		newDevice = true
		countryMismatch = true
	case rng.Float64() < 0.1: // suspicious slice
		amount = 1000 + rng.Float64()*4000
		velocity = 10 + rng.Intn(15)
	}

	return EvaluateRequest{
		TransactionID: fmt.Sprintf("bench-%06d", i),
		EntityID:      fmt.Sprintf("entity-%03d", rng.Intn(500)),
		Fields: map[string]any{
			"transaction_amount":       amount,
			"transaction_velocity_24h": velocity,
			"merchant_category":        merchantCategories[rng.Intn(len(merchantCategories))],
			"is_new_device":            newDevice,
			"country_mismatch":         countryMismatch,
		},
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(transactions []EvaluateRequest, baseURL, tenantID string, numWorkers int, verbose bool) (*Metrics, []int64) {
	metrics := &Metrics{}

	work := make(chan EvaluateRequest, 100)
	var wg sync.WaitGroup

	var latMu sync.Mutex
	latencies := make([]int64, 0, len(transactions))

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, status, err := evaluateTransaction(client, baseURL, tenantID, tx)
				elapsed := time.Since(start).Microseconds()

				latMu.Lock()
				latencies = append(latencies, elapsed)
				latMu.Unlock()

				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.TransactionID, err)
					}
					continue
				}
				if status != http.StatusOK {
					atomic.AddInt64(&metrics.TotalRejected, 1)
					if verbose {
						fmt.Printf("REJECTED: %s -> HTTP %d\n", tx.TransactionID, status)
					}
					continue
				}

				switch result.Result.Decision {
				case "ALLOW":
					atomic.AddInt64(&metrics.Allowed, 1)
				case "REVIEW":
					atomic.AddInt64(&metrics.Review, 1)
				case "BLOCK":
					atomic.AddInt64(&metrics.Blocked, 1)
				}

				if verbose {
					fmt.Printf("%-12s | %-6s | rule %-10s | score %3d | %5dus\n",
						tx.TransactionID,
						result.Result.Decision,
						result.Result.MatchedRuleID,
						result.Result.RiskScore,
						elapsed,
					)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()

	return metrics, latencies
}

func evaluateTransaction(client *http.Client, baseURL, tenantID string, tx EvaluateRequest) (*EvaluateResponse, int, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, err
	}
	return &result, resp.StatusCode, nil
}

func printResults(m *Metrics, latencies []int64, duration time.Duration) {
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println(" RESULTS")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("  Processed:   %d in %s (%.0f tx/s)\n",
		m.TotalProcessed, duration.Round(time.Millisecond),
		float64(m.TotalProcessed)/duration.Seconds(),
	)
	fmt.Printf("  Errors:      %d\n", m.TotalErrors)
	fmt.Printf("  Rejected:    %d\n", m.TotalRejected)
	fmt.Println()
	decided := m.Allowed + m.Review + m.Blocked
	if decided > 0 {
		fmt.Println("  Decision mix:")
		fmt.Printf("    ALLOW:   %6d (%.2f%%)\n", m.Allowed, 100*float64(m.Allowed)/float64(decided))
		fmt.Printf("    REVIEW:  %6d (%.2f%%)\n", m.Review, 100*float64(m.Review)/float64(decided))
		fmt.Printf("    BLOCK:   %6d (%.2f%%)\n", m.Blocked, 100*float64(m.Blocked)/float64(decided))
	}

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		pct := func(p float64) int64 {
			idx := int(p * float64(len(latencies)-1))
			return latencies[idx]
		}
		fmt.Println()
		fmt.Println("  Latency (request round trip):")
		fmt.Printf("    p50:  %6dus\n", pct(0.50))
		fmt.Printf("    p95:  %6dus\n", pct(0.95))
		fmt.Printf("    p99:  %6dus\n", pct(0.99))
		fmt.Printf("    max:  %6dus\n", latencies[len(latencies)-1])
	}
	fmt.Println()
}

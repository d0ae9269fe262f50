// loadtest hammers a running gateway through the SDK and reports
// decision mix, throughput and latency percentiles. Blocked decisions
// are a healthy outcome here; only transport failures count against
// the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/pkg/sdk"
)

type runConfig struct {
	gatewayURL  string
	apiKey      string
	agentID     uuid.UUID
	serviceName string
	targetURL   string
	txns        int
	concurrency int
	report      time.Duration
}

type runStats struct {
	Total      uint64
	Executed   uint64
	Blocked    uint64
	HITL       uint64
	Errors     uint64
	Duration   time.Duration
	Throughput float64
	MinLatency time.Duration
	MaxLatency time.Duration
	AvgLatency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration
}

func main() {
	gatewayURL := flag.String("url", "http://localhost:8000", "gateway base URL")
	apiKey := flag.String("key", os.Getenv("AEGIS_API_KEY"), "sponsor API key")
	agent := flag.String("agent", "", "agent UUID to execute as")
	service := flag.String("service", "httpbin", "service name the agent has permission for")
	target := flag.String("target", "https://httpbin.org/get", "upstream URL each execution calls")
	txns := flag.Int("txns", 1000, "number of executions")
	concurrency := flag.Int("concurrency", 50, "concurrent workers")
	report := flag.Duration("report", 5*time.Second, "progress reporting interval")
	flag.Parse()

	agentID, err := uuid.Parse(*agent)
	if err != nil {
		log.Fatalf("❌ -agent must be a UUID: %v", err)
	}
	if *apiKey == "" {
		log.Fatal("❌ -key or AEGIS_API_KEY is required")
	}

	cfg := runConfig{
		gatewayURL:  *gatewayURL,
		apiKey:      *apiKey,
		agentID:     agentID,
		serviceName: *service,
		targetURL:   *target,
		txns:        *txns,
		concurrency: *concurrency,
		report:      *report,
	}

	log.Printf("🚀 Load test: %d executions x %d workers against %s", cfg.txns, cfg.concurrency, cfg.gatewayURL)
	stats := run(cfg)
	printResults(stats)

	if stats.Errors > 0 {
		os.Exit(1)
	}
}

func run(cfg runConfig) *runStats {
	client := sdk.NewClient(sdk.Config{
		BaseURL: cfg.gatewayURL,
		APIKey:  cfg.apiKey,
		Timeout: 60 * time.Second,
	})

	stats := &runStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	jobs := make(chan int, cfg.txns)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportProgress(ctx, stats, cfg.report)

	started := time.Now()
	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				execute(ctx, client, cfg, n, stats, &latencies, &latenciesMu)
			}
		}()
	}

	for i := 0; i < cfg.txns; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	stats.Duration = time.Since(started)
	stats.Throughput = float64(stats.Total) / stats.Duration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = average(latencies)
		stats.P95Latency = percentile(latencies, 95)
		stats.P99Latency = percentile(latencies, 99)
	}
	latenciesMu.Unlock()
	return stats
}

func execute(ctx context.Context, client *sdk.Client, cfg runConfig, n int,
	stats *runStats, latencies *[]time.Duration, latenciesMu *sync.Mutex) {

	started := time.Now()
	d, err := client.Execute(ctx, sdk.ExecuteRequest{
		AgentID:          cfg.agentID,
		ServiceName:      cfg.serviceName,
		Action:           "read",
		URL:              cfg.targetURL,
		Method:           "GET",
		EstimatedCostUSD: decimal.Zero,
		IdempotencyKey:   fmt.Sprintf("loadtest-%d-%d", started.UnixNano(), n),
	})
	latency := time.Since(started)

	atomic.AddUint64(&stats.Total, 1)
	switch {
	case err != nil:
		atomic.AddUint64(&stats.Errors, 1)
	case d.Status == sdk.StatusExecuted:
		atomic.AddUint64(&stats.Executed, 1)
	case d.RequiresApproval():
		atomic.AddUint64(&stats.HITL, 1)
	default:
		atomic.AddUint64(&stats.Blocked, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportProgress(ctx context.Context, stats *runStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Printf("… %d done (executed=%d blocked=%d hitl=%d errors=%d)",
				atomic.LoadUint64(&stats.Total),
				atomic.LoadUint64(&stats.Executed),
				atomic.LoadUint64(&stats.Blocked),
				atomic.LoadUint64(&stats.HITL),
				atomic.LoadUint64(&stats.Errors))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *runStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 GATEWAY LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Executions:       %d\n", stats.Total)
	fmt.Printf("Executed:               %d (%.2f%%)\n", stats.Executed, pct(stats.Executed, stats.Total))
	fmt.Printf("Blocked:                %d (%.2f%%)\n", stats.Blocked, pct(stats.Blocked, stats.Total))
	fmt.Printf("HITL pending:           %d (%.2f%%)\n", stats.HITL, pct(stats.HITL, stats.Total))
	fmt.Printf("Transport errors:       %d (%.2f%%)\n", stats.Errors, pct(stats.Errors, stats.Total))
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.Duration)
	fmt.Printf("Throughput:             %.2f executions/sec\n", stats.Throughput)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.Throughput >= 50 {
		fmt.Println("✅ PASS: Throughput meets target (>50 executions/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<50 executions/sec)")
	}
	if stats.P95Latency < 500*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<500ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>500ms)")
	}
	if stats.Errors == 0 {
		fmt.Println("✅ PASS: No transport errors")
	} else {
		fmt.Println("❌ FAIL: Transport errors occurred")
	}
	fmt.Println(separator + "\n")
}

func pct(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func average(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, p int) time.Duration {
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

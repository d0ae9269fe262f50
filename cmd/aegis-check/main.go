// aegis-check probes a running gateway and reports per-dependency
// health. Exit status follows the probe contract: 0 when serving,
// 1 when down (or degraded with -strict), so it slots directly into
// container liveness and readiness hooks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type healthReport struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Env     string            `json:"env"`
	Checks  map[string]string `json:"checks"`
}

type component struct {
	name string
	test func(ctx context.Context) error
}

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "gateway base URL")
	timeout := flag.Duration("timeout", 5*time.Second, "per-check timeout")
	strict := flag.Bool("strict", false, "treat degraded dependencies as failure (readiness mode)")
	flag.Parse()

	fmt.Println("\033[96mAEGIS Gateway Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	client := &http.Client{Timeout: *timeout}
	var report healthReport

	components := []component{
		{"HTTP gateway", func(ctx context.Context) error {
			return fetchHealth(ctx, client, *baseURL, &report)
		}},
		{"Postgres", dependency(&report, "postgres")},
		{"Redis", dependency(&report, "redis")},
		{"Policy engine (OPA)", dependency(&report, "opa")},
		{"Metrics endpoint", func(ctx context.Context) error {
			return checkMetrics(ctx, client, *baseURL)
		}},
	}

	failures := 0
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err := c.test(ctx)
		cancel()
		if err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
			failures++
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	switch {
	case report.Status == "ok":
		fmt.Printf("\033[96mStatus: gateway %s serving (env=%s).\033[0m\n", report.Version, report.Env)
	case report.Status == "degraded" && !*strict:
		fmt.Printf("\033[93mStatus: gateway %s degraded but serving (env=%s).\033[0m\n", report.Version, report.Env)
	default:
		fmt.Println("\033[31mStatus: gateway not ready for agent traffic.\033[0m")
		os.Exit(1)
	}
	if failures > 0 && *strict {
		os.Exit(1)
	}
}

// fetchHealth accepts the degraded 503 as a readable response; only a
// dead socket or an unparseable body fails the gateway check itself.
func fetchHealth(ctx context.Context, client *http.Client, baseURL string, report *healthReport) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(report); err != nil {
		return fmt.Errorf("bad health body: %w", err)
	}
	return nil
}

// dependency reads one entry of the gateway's own health checks. The
// closure evaluates after fetchHealth has populated the report.
func dependency(report *healthReport, key string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		state, ok := report.Checks[key]
		if !ok {
			return fmt.Errorf("gateway reported no %s check", key)
		}
		if state != "ok" {
			return fmt.Errorf("%s", state)
		}
		return nil
	}
}

func checkMetrics(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/metrics", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if !strings.Contains(string(body), "aegis_") {
		return fmt.Errorf("no aegis_ collectors in scrape")
	}
	return nil
}

// simulate_agent walks a demo agent through the gateway end to end:
// trust and wallet readout, a governed call through the wrapped
// http.Client, a blocked exfiltration attempt, and a big-ticket
// purchase that runs the wallet top-up and human approval loop.
//
// Usage:
//
//	go run scripts/simulate_agent.go -agent <uuid> -key <sponsor-api-key>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/pkg/sdk"
)

func main() {
	gatewayURL := flag.String("url", "http://localhost:8000", "gateway base URL")
	apiKey := flag.String("key", os.Getenv("AEGIS_API_KEY"), "sponsor API key")
	agent := flag.String("agent", "", "agent UUID to act as")
	flag.Parse()

	agentID, err := uuid.Parse(*agent)
	if err != nil {
		log.Fatalf("❌ -agent must be a UUID: %v", err)
	}
	if *apiKey == "" {
		log.Fatal("❌ -key or AEGIS_API_KEY is required")
	}

	client := sdk.NewClient(sdk.Config{
		BaseURL: *gatewayURL,
		APIKey:  *apiKey,
		OnBlocked: func(d *sdk.Decision) {
			fmt.Printf("🛡️  Gateway refused: %s (%s)\n", d.ErrorCode(), d.Message)
		},
		OnHITL: func(d *sdk.Decision) {
			fmt.Printf("⏸️  Held for human approval: request %s\n", d.HITLRequestID())
		},
	})
	ctx := context.Background()

	fmt.Println("🤖 Agent Starting: Procurement Agent")
	fmt.Printf("📡 Connecting to gateway at %s...\n", *gatewayURL)

	// 1. Standing check. Trust score decides how much rope the agent gets.
	report, err := client.TrustScore(ctx, agentID)
	if err != nil {
		log.Fatalf("❌ Trust lookup failed: %v", err)
	}
	fmt.Printf("✅ Identity verified. Trust %.0f (%s autonomy, HITL bypass: %v)\n",
		report.TrustScore, report.Autonomy.Level, report.Autonomy.HITLBypass)

	wallet, err := client.Wallet(ctx, agentID)
	if err != nil {
		log.Fatalf("❌ Wallet lookup failed: %v", err)
	}
	fmt.Printf("💰 Wallet: $%s available, $%s of daily budget left\n",
		wallet.BalanceUSD, wallet.DailyLimitUSD.Sub(wallet.SpentTodayUSD))
	pause()

	// 2. Routine work through the transparent wrapper. The agent's own
	// HTTP code never learns the gateway exists.
	fmt.Println("\n🌐 Routine call: fetching vendor catalog via wrapped http.Client")
	governed := sdk.WrapHTTPClient(client, agentID, nil)
	resp, err := governed.Get("https://httpbin.org/get")
	if err != nil {
		log.Fatalf("❌ Governed call failed: %v", err)
	}
	resp.Body.Close()
	fmt.Printf("📦 Upstream answered %s (decision %s)\n",
		resp.Status, resp.Header.Get("X-Aegis-Decision"))
	pause()

	// 3. The call a compromised agent would try. The firewall answers
	// before any packet reaches the metadata service.
	fmt.Println("\n😈 Simulating prompt injection: reading cloud credentials")
	d, err := client.Execute(ctx, sdk.ExecuteRequest{
		AgentID:     agentID,
		ServiceName: "httpbin",
		Action:      "read",
		URL:         "http://169.254.169.254/latest/meta-data/iam/",
		Method:      "GET",
	})
	if err != nil {
		log.Fatalf("❌ Execute failed: %v", err)
	}
	if d.Status == sdk.StatusExecuted {
		fmt.Println("⚠️  Metadata call went through. Check the firewall config.")
	}
	pause()

	// 4. The big-ticket intent. Expected path: insufficient funds, then
	// a top-up, then a hold for human approval.
	cost := decimal.NewFromInt(1500)
	fmt.Printf("\n🤔 Intent formed: BUY_GPU_CLUSTER (2 units, $%s)\n", cost)
	d = purchase(ctx, client, agentID, cost)

	if d.ErrorCode() == sdk.CodeInsufficientFunds {
		fmt.Println("💳 Sponsor tops up the wallet...")
		wallet, err = client.TopUp(ctx, agentID, decimal.NewFromInt(2000))
		if err != nil {
			log.Fatalf("❌ Top-up failed: %v", err)
		}
		fmt.Printf("💰 New balance: $%s. Retrying purchase...\n", wallet.BalanceUSD)
		d = purchase(ctx, client, agentID, cost)
	}

	if reqID := d.HITLRequestID(); reqID != uuid.Nil {
		pause()
		fmt.Println("\n👔 [Operator console] Reviewing pending approvals...")
		approve(ctx, client, reqID)
	} else if d.Status == sdk.StatusExecuted {
		fmt.Println("✅ Purchase executed autonomously.")
	}

	// 5. Ledger tail. Every decision above left a row.
	fmt.Println("\n🧾 Last wallet movements:")
	txns, err := client.Transactions(ctx, agentID, 5)
	if err != nil {
		log.Fatalf("❌ Transaction lookup failed: %v", err)
	}
	for _, t := range txns {
		fmt.Printf("   %s  %-8s $%s  %s\n",
			t.Timestamp.Format("15:04:05"), t.ActionType, t.AmountUSD, t.ServiceName)
	}
	fmt.Println("\n👋 Demo complete.")
}

func purchase(ctx context.Context, client *sdk.Client, agentID uuid.UUID, cost decimal.Decimal) *sdk.Decision {
	d, err := client.Execute(ctx, sdk.ExecuteRequest{
		AgentID:          agentID,
		ServiceName:      "httpbin",
		Action:           "purchase",
		URL:              "https://httpbin.org/post",
		Method:           "POST",
		Body:             []byte(`{"item":"gpu-cluster","units":2,"vendor":"NVIDIA"}`),
		EstimatedCostUSD: cost,
		IdempotencyKey:   fmt.Sprintf("gpu-cluster-%d", time.Now().UnixNano()),
	})
	if err != nil {
		log.Fatalf("❌ Execute failed: %v", err)
	}
	return d
}

func approve(ctx context.Context, client *sdk.Client, requestID uuid.UUID) {
	pending, err := client.PendingApprovals(ctx)
	if err != nil {
		log.Fatalf("❌ Pending lookup failed: %v", err)
	}
	for _, p := range pending {
		fmt.Printf("   📋 %s  %s  est. $%s\n", p.ID, p.ActionDescription, p.EstimatedCostUSD)
	}

	decided, err := client.Decide(ctx, requestID, true, "Reviewed in demo: purchase approved")
	if err != nil {
		log.Fatalf("❌ Decision failed: %v", err)
	}
	when := "n/a"
	if decided.DecidedAt != nil {
		when = decided.DecidedAt.Format("15:04:05")
	}
	fmt.Printf("✅ Request %s is now %s (decided at %s)\n", decided.ID, decided.Status, when)
}

func pause() { time.Sleep(1 * time.Second) }

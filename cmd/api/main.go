// The aegis-api binary is the composition root: it opens Postgres and
// Redis, builds every enforcement service, wires the event plane and
// starts the HTTP gateway plus the maintenance scheduler.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegisproxy/backend/internal/alerting"
	"github.com/aegisproxy/backend/internal/anomaly"
	"github.com/aegisproxy/backend/internal/api"
	"github.com/aegisproxy/backend/internal/audit"
	"github.com/aegisproxy/backend/internal/circuitbreaker"
	"github.com/aegisproxy/backend/internal/config"
	"github.com/aegisproxy/backend/internal/counters"
	"github.com/aegisproxy/backend/internal/crypto"
	"github.com/aegisproxy/backend/internal/database"
	"github.com/aegisproxy/backend/internal/events"
	"github.com/aegisproxy/backend/internal/forensic"
	"github.com/aegisproxy/backend/internal/hitl"
	"github.com/aegisproxy/backend/internal/idempotency"
	"github.com/aegisproxy/backend/internal/identity"
	"github.com/aegisproxy/backend/internal/infra"
	"github.com/aegisproxy/backend/internal/jit"
	"github.com/aegisproxy/backend/internal/metrics"
	"github.com/aegisproxy/backend/internal/middleware"
	"github.com/aegisproxy/backend/internal/permcache"
	"github.com/aegisproxy/backend/internal/policy"
	"github.com/aegisproxy/backend/internal/proxy"
	"github.com/aegisproxy/backend/internal/rotation"
	"github.com/aegisproxy/backend/internal/scheduler"
	"github.com/aegisproxy/backend/internal/snapshot"
	"github.com/aegisproxy/backend/internal/ssrf"
	"github.com/aegisproxy/backend/internal/trust"
	"github.com/aegisproxy/backend/internal/wallet"
	"github.com/aegisproxy/backend/internal/webhooks"
)

func main() {
	// .env is a dev convenience; a missing file is fine.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	logger := log.New(log.Writer(), "[Main] ", log.LstdFlags)
	logger.Printf("🛡️ AEGIS gateway %s starting (env=%s)", api.Version, cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage planes ----

	db, err := database.Open(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		logger.Fatalf("❌ Postgres: %v", err)
	}
	defer db.Close()
	if cfg.Database.Bootstrap {
		if err := database.Bootstrap(ctx, db); err != nil {
			logger.Fatalf("❌ Schema bootstrap: %v", err)
		}
	}

	var store infra.RedisStore
	store, err = infra.NewGoRedisAdapter(cfg.Redis.URL, cfg.Redis.MaxConnections)
	if err != nil {
		// Production fails hard: rate limits, idempotency and the JIT
		// broker all need a shared store.
		if cfg.Server.Env != "development" {
			logger.Fatalf("❌ Redis: %v", err)
		}
		logger.Printf("⚠️ Redis unavailable (%v), using in-memory store", err)
		store = infra.NewMemoryStore()
	}
	defer store.Close()

	encKey, err := crypto.ParseKey(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatalf("❌ Encryption key: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// ---- Event plane ----

	bus := events.NewBus()
	var emitter events.Emitter = bus
	if cfg.Events.PubSubProject != "" && cfg.Events.PubSubTopic != "" {
		pb, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			logger.Printf("⚠️ Pub/Sub mirroring disabled: %v", err)
		} else {
			defer pb.Close()
			bus = pb.Bus
			emitter = pb
		}
	}
	bridge := events.NewBridge(emitter)

	registry := webhooks.NewRegistry(db)
	var deliverer webhooks.Deliverer
	if cfg.Webhook.CloudTasksQueue != "" {
		deliverer, err = webhooks.NewCloudDispatcher(registry, cfg.Webhook.CloudTasksQueue, 2)
		if err != nil {
			logger.Printf("⚠️ Cloud Tasks unavailable (%v), in-process delivery instead", err)
			deliverer = webhooks.NewDispatcher(registry, 4).WithMetrics(m)
		}
	} else {
		deliverer = webhooks.NewDispatcher(registry, 4).WithMetrics(m)
	}
	stopForward := webhooks.Forward(bus, deliverer)

	pager := alerting.NewService(cfg.Alerting)

	// ---- Enforcement services ----

	sponsors := identity.NewSponsors(db)
	agents := identity.NewService(db)
	pcache := permcache.New(store)
	perms := identity.NewPermissions(db, pcache)
	wallets := wallet.NewService(db)
	vault := jit.NewVault(db, encKey)
	broker := jit.NewBroker(store, encKey, time.Duration(cfg.Security.JITTokenTTL)*time.Second)
	breaker := circuitbreaker.New(store, db, wallets, broker, bridge, pager, tripCounter{m})
	trail := audit.NewService(db, store)
	detector := anomaly.NewDetector(db, store)
	snapshots := snapshot.NewService(db)

	tsc, err := trustStoreConfig(cfg, db)
	if err != nil {
		logger.Fatalf("❌ Trust store: %v", err)
	}
	trustStore, err := trust.NewStore(ctx, tsc)
	if err != nil {
		logger.Fatalf("❌ Trust store: %v", err)
	}
	trustEngine := trust.NewEngine(trustStore)

	notifiers := []hitl.Notifier{bridge}
	if chat := alerting.NewChatNotifier(cfg.Webhook); chat.Configured() {
		notifiers = append(notifiers, chat)
	}
	gateway := hitl.NewGateway(db, pager, notifiers...)

	uploader, err := forensic.NewUploaderFromConfig(ctx, cfg.Forensic)
	if err != nil {
		logger.Fatalf("❌ Forensic storage: %v", err)
	}
	var tsa *forensic.TSAClient
	if cfg.Forensic.TSAURL != "" {
		tsa = forensic.NewTSAClient(cfg.Forensic.TSAURL)
	}
	exporter := forensic.NewExporter(db, uploader, tsa)

	rotator := rotation.New(vault, cfg.Rotation, cfg.Webhook.HMACSecret)

	opa := policy.NewClient(cfg.Policy.OPAURL,
		&http.Client{Timeout: time.Duration(cfg.Policy.TimeoutSeconds) * time.Second})

	upstream := proxy.NewUpstream()
	defer upstream.CloseIdle()

	pipeline := proxy.NewPipeline(proxy.Deps{
		Agents:    agents,
		Perms:     perms,
		PermCache: pcache,
		Wallets:   wallets,
		Breaker:   breaker,
		Policy:    opa,
		HITL:      gateway,
		Vault:     vault,
		Broker:    broker,
		Guard:     ssrf.NewGuard(),
		Detector:  detector,
		Trust:     trustEngine,
		Audit:     trail,
		Snapshots: snapshots,
		Idem:      idempotency.NewManager(store),
		Counters:  counters.NewHourly(store),
		Upstream:  upstream,
		Metrics:   m,
		Bridge:    bridge,
	})

	server := api.NewAPIServer(cfg, api.Deps{
		DB:          db,
		Store:       store,
		OPA:         opa,
		Metrics:     m,
		Bus:         bus,
		Bridge:      bridge,
		Trail:       trail,
		Sponsors:    sponsors,
		Agents:      agents,
		Permissions: perms,
		Wallets:     wallets,
		Pipeline:    pipeline,
		HITL:        gateway,
		Exporter:    exporter,
		Webhooks:    registry,
		Snapshots:   snapshots,
		Vault:       vault,
		Rotator:     rotator,
		Limiter:     middleware.NewRateLimiter(store, cfg.RateLimit),
	})

	sched := scheduler.New(trail, gateway, detector, breaker, rotator, m, scheduler.Intervals{
		AuditFlush:    time.Duration(cfg.Audit.FlushIntervalSeconds) * time.Second,
		RotationSweep: time.Duration(cfg.Rotation.SweepIntervalMinutes) * time.Minute,
	})
	sched.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("❌ Server: %v", err)
		}
		return
	case <-ctx.Done():
	}

	logger.Println("⏳ Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("⚠️ HTTP shutdown: %v", err)
	}
	sched.Stop(shutdownCtx)
	stopForward()
	deliverer.Shutdown()
	logger.Println("👋 Gateway stopped")
}

// tripCounter bumps the breaker metric alongside the richer listeners.
type tripCounter struct{ m *metrics.Metrics }

func (t tripCounter) CircuitTripped(ctx context.Context, agentID, sponsorID uuid.UUID, reason string) {
	t.m.BreakerTrips.Inc()
}

// trustStoreConfig translates config into the trust factory's terms.
// The Spanner path must be the fully qualified
// projects/P/instances/I/databases/D form.
func trustStoreConfig(cfg *config.Config, db *sql.DB) (trust.StoreConfig, error) {
	sc := trust.StoreConfig{Backend: cfg.Trust.Backend, DB: db}
	if cfg.Trust.Backend != "spanner" {
		return sc, nil
	}
	parts := strings.Split(cfg.Trust.SpannerDB, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "instances" || parts[4] != "databases" {
		return sc, fmt.Errorf("spanner path %q is not projects/P/instances/I/databases/D", cfg.Trust.SpannerDB)
	}
	sc.SpannerProject, sc.SpannerInstance, sc.SpannerDatabase = parts[1], parts[3], parts[5]
	return sc, nil
}

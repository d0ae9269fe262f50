// Package scheduler runs the proxy's maintenance loops: audit buffer
// flushes, HITL expiry sweeps, behavior profile and spend baseline
// refreshes, and the secret rotation sweep. One scheduler per process;
// cross-instance coordination happens inside the services themselves
// (the audit flush lock, rotation's per-secret timestamps).
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/aegisproxy/backend/internal/anomaly"
	"github.com/aegisproxy/backend/internal/audit"
	"github.com/aegisproxy/backend/internal/circuitbreaker"
	"github.com/aegisproxy/backend/internal/hitl"
	"github.com/aegisproxy/backend/internal/metrics"
	"github.com/aegisproxy/backend/internal/rotation"
)

const (
	defaultFlushEvery    = 10 * time.Second
	defaultExpiryEvery   = time.Minute
	defaultProfilesEvery = 15 * time.Minute
	defaultRotationEvery = time.Hour

	// cycleBudget bounds one iteration of any loop.
	cycleBudget = 2 * time.Minute
)

// Intervals overrides the loop cadence. Zero fields keep defaults.
type Intervals struct {
	AuditFlush    time.Duration
	HITLExpiry    time.Duration
	Profiles      time.Duration
	RotationSweep time.Duration
}

// Scheduler owns the background goroutines. Nil services skip their
// loop, so a minimal deployment can run with just the audit flusher.
type Scheduler struct {
	trail    *audit.Service
	gateway  *hitl.Gateway
	detector *anomaly.Detector
	breaker  *circuitbreaker.Breaker
	rotator  *rotation.Service
	metrics  *metrics.Metrics

	iv     Intervals
	logger *log.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(trail *audit.Service, gateway *hitl.Gateway, detector *anomaly.Detector,
	breaker *circuitbreaker.Breaker, rotator *rotation.Service, m *metrics.Metrics,
	iv Intervals) *Scheduler {

	if iv.AuditFlush <= 0 {
		iv.AuditFlush = defaultFlushEvery
	}
	if iv.HITLExpiry <= 0 {
		iv.HITLExpiry = defaultExpiryEvery
	}
	if iv.Profiles <= 0 {
		iv.Profiles = defaultProfilesEvery
	}
	if iv.RotationSweep <= 0 {
		iv.RotationSweep = defaultRotationEvery
	}

	return &Scheduler{
		trail:    trail,
		gateway:  gateway,
		detector: detector,
		breaker:  breaker,
		rotator:  rotator,
		metrics:  m,
		iv:       iv,
		logger:   log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
}

// Start launches one goroutine per configured loop.
func (s *Scheduler) Start() {
	type loop struct {
		name  string
		every time.Duration
		fn    func(context.Context)
	}
	var loops []loop
	if s.trail != nil {
		loops = append(loops, loop{"audit-flush", s.iv.AuditFlush, s.flushAudit})
	}
	if s.gateway != nil {
		loops = append(loops, loop{"hitl-expiry", s.iv.HITLExpiry, s.expireHITL})
	}
	if s.detector != nil {
		loops = append(loops, loop{"profiles", s.iv.Profiles, s.refreshProfiles})
	}
	if s.rotator != nil {
		loops = append(loops, loop{"rotation", s.iv.RotationSweep, s.sweepRotation})
	}

	for _, l := range loops {
		s.wg.Add(1)
		go s.run(l.name, l.every, l.fn)
	}
	s.logger.Printf("⏱️ %d maintenance loops running", len(loops))
}

// Stop halts the loops, waits for in-flight cycles up to the context
// deadline, then flushes whatever the audit buffer still holds so a
// clean shutdown loses nothing.
func (s *Scheduler) Stop(ctx context.Context) {
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Printf("⚠️ shutdown deadline hit with loops still draining")
	}

	if s.trail != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if n, err := s.trail.FlushBuffer(flushCtx); err != nil {
			s.logger.Printf("❌ final audit flush failed: %v", err)
		} else if n > 0 {
			s.logger.Printf("💾 final flush wrote %d entries", n)
		}
	}
	s.logger.Println("Scheduler stopped")
}

// run ticks fn every interval. The first tick is jittered into the
// second half of the interval so replicas started together do not
// sweep in lockstep.
func (s *Scheduler) run(name string, every time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	first := every/2 + time.Duration(rand.Int63n(int64(every/2)+1))
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), cycleBudget)
			fn(ctx)
			cancel()
			timer.Reset(every)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) flushAudit(ctx context.Context) {
	n, err := s.trail.FlushBuffer(ctx)
	switch {
	case err != nil:
		s.logger.Printf("❌ audit flush: %v", err)
		s.count("error")
	case n > 0:
		s.count("ok")
	default:
		s.count("skipped")
	}
	if s.metrics != nil {
		if depth, err := s.trail.BufferDepth(ctx); err == nil {
			s.metrics.AuditBufferDepth.Set(float64(depth))
		}
	}
}

func (s *Scheduler) count(result string) {
	if s.metrics != nil {
		s.metrics.AuditFlushes.WithLabelValues(result).Inc()
	}
}

func (s *Scheduler) expireHITL(ctx context.Context) {
	n, err := s.gateway.ExpireStale(ctx)
	if err != nil {
		s.logger.Printf("❌ hitl expiry: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("⏰ expired %d stale approval requests", n)
		if s.metrics != nil {
			s.metrics.HITLRequests.WithLabelValues("expired").Add(float64(n))
		}
	}
}

// refreshProfiles recomputes behavior baselines for every agent seen
// in the recent window. Breaker baselines ride the same sweep since
// they derive from the same spend history.
func (s *Scheduler) refreshProfiles(ctx context.Context) {
	ids, err := s.detector.ActiveAgentIDs(ctx)
	if err != nil {
		s.logger.Printf("❌ profile sweep: %v", err)
		return
	}

	failed := 0
	for _, id := range ids {
		if err := s.detector.UpdateProfile(ctx, id); err != nil {
			failed++
			continue
		}
		if s.breaker != nil {
			if err := s.breaker.UpdateBaseline(ctx, id); err != nil {
				failed++
			}
		}
	}
	if len(ids) > 0 {
		s.logger.Printf("📊 refreshed %d behavior profiles (%d failed)", len(ids)-failed, failed)
	}
}

func (s *Scheduler) sweepRotation(ctx context.Context) {
	if _, err := s.rotator.CheckAndRotate(ctx); err != nil {
		s.logger.Printf("❌ rotation sweep: %v", err)
	}
}

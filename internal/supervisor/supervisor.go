// Package supervisor implements component H, the Multi-Process Supervisor:
// it selects the best venue pair for every configured symbol, runs one
// hedge engine goroutine per pair, keeps each engine's IPC slot fed from a
// single shared risk aggregator, and restarts an engine that exits
// unexpectedly with exponential backoff up to a configured attempt cap.
//
// "Process" in the reference system's naming is a goroutine here: process
// isolation is an implementation detail of the underlying runtime, not a
// property the supervisor contract depends on — a crashed engine goroutine
// is detected the same way a crashed process would be (Run returning), and
// an engine never shares mutable state with another except through its own
// IPC slot.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"hedged/internal/alert"
	"hedged/internal/config"
	"hedged/internal/engine"
	"hedged/internal/fundingcache"
	"hedged/internal/ipc"
	"hedged/internal/risk"
	"hedged/internal/searcher"
	"hedged/internal/store"
	"hedged/internal/venue"
	"hedged/pkg/model"
)

// PairAssignment is one symbol's chosen venue pair, either picked by
// scoring (daemon mode) or handed in directly (CLI mode).
type PairAssignment struct {
	Symbol         string
	Venue1, Venue2 string
	Trade          model.TradeConfig
	Risk           model.RiskConfig
}

// engineHandle tracks one running (or restarting) engine goroutine.
type engineHandle struct {
	assignment PairAssignment
	eng        *engine.Engine
	slot       *ipc.Slot
	cancel     context.CancelFunc
	done       chan error

	restartCount  int
	lastStartedAt time.Time
}

// HealthMetrics is one engine's health as of the last check, the
// supervisor's stand-in for the reference system's per-process health
// record (PID/start time/last activity/restart count/RSS) now that
// "process" is a goroutine (see the package doc comment). PID and MemoryMB
// are necessarily process-wide, not per-goroutine — every engine in this
// binary shares one OS process and one Go heap.
type HealthMetrics struct {
	PID            int
	StartedAt      time.Time
	LastActivityAt time.Time
	RestartCount   int
	MemoryMB       float64
}

// EngineStatus classifies one engine as of the last health check.
type EngineStatus string

const (
	EngineHealthy   EngineStatus = "healthy"
	EngineUnhealthy EngineStatus = "unhealthy" // running but over a limit; flagged, not restarted
	EngineFailed    EngineStatus = "failed"    // exited; restart scheduled or attempts exhausted
)

func processMemoryMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / (1024 * 1024)
}

// Supervisor owns the lifecycle of every hedge engine in the process.
type Supervisor struct {
	cfg        config.ManagerConfig
	adapters   map[string]venue.Adapter
	newStream  func(venueName string) venue.Stream
	aggregator *risk.Aggregator
	fundCache  *fundingcache.Cache
	searcher   *searcher.Searcher
	alertSink  alert.Sink
	store      *store.Store
	logger     *slog.Logger

	mu    sync.RWMutex
	slots map[string]*engineHandle // key: "venue1_venue2_symbol"

	wg     sync.WaitGroup
	cancel context.CancelFunc // stops the loops Start launched
}

// New builds a supervisor over a fixed adapter set. newStream constructs a
// fresh, unshared Stream for a venue — one per engine, since every engine
// owns its streams' Start/Stop lifecycle (see engine.Engine.Run) and a
// shared Stream would race two engines' Stop calls against each other.
func New(
	cfg config.ManagerConfig,
	adapters map[string]venue.Adapter,
	newStream func(venueName string) venue.Stream,
	aggregator *risk.Aggregator,
	fundCache *fundingcache.Cache,
	s *searcher.Searcher,
	alertSink alert.Sink,
	st *store.Store,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		adapters:   adapters,
		newStream:  newStream,
		aggregator: aggregator,
		fundCache:  fundCache,
		searcher:   s,
		alertSink:  alertSink,
		store:      st,
		logger:     logger.With("component", "supervisor"),
		slots:      make(map[string]*engineHandle),
	}
}

// SelectPairs scores every venue-pair candidate from the searcher's scan
// results and keeps the best-scoring pair per symbol, grounded on the
// reference system's _select_optimal_exchange_pair /
// _calculate_pair_score (ported as searcher.Score).
func (s *Supervisor) SelectPairs(ctx context.Context, symbols []string) ([]PairAssignment, error) {
	opps, err := s.searcher.Scan(ctx, symbols, 0, false)
	if err != nil {
		return nil, fmt.Errorf("supervisor: select pairs: %w", err)
	}

	type scored struct {
		opp   model.FundingOpportunity
		score float64
	}
	bestBySymbol := make(map[string]scored)

	for _, opp := range opps {
		ad1, ok1 := s.adapters[opp.Venue1]
		ad2, ok2 := s.adapters[opp.Venue2]
		if !ok1 || !ok2 {
			continue
		}
		score := searcher.Score(opp, ad1.TakerFeeRate(), ad2.TakerFeeRate(),
			searcher.ReliabilityPrior(opp.Venue1), searcher.ReliabilityPrior(opp.Venue2))

		if cur, ok := bestBySymbol[opp.Symbol]; !ok || score > cur.score {
			bestBySymbol[opp.Symbol] = scored{opp: opp, score: score}
		}
	}

	assignments := make([]PairAssignment, 0, len(bestBySymbol))
	for symbol, best := range bestBySymbol {
		assignments = append(assignments, PairAssignment{
			Symbol: symbol,
			Venue1: best.opp.Venue1,
			Venue2: best.opp.Venue2,
		})
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].Symbol < assignments[j].Symbol })

	return assignments, nil
}

// Start launches the shared aggregator, waits for its first snapshot (the
// supervisor refuses to start engines against an empty risk picture), then
// starts one engine per assignment and the monitor loop.
func (s *Supervisor) Start(ctx context.Context, assignments []PairAssignment) error {
	first, err := s.aggregator.RefreshOnce(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: initial risk snapshot failed: %w", err)
	}
	s.logger.Info("initial risk snapshot acquired", "venues", len(first.Exchanges))

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.aggregator.Run(ctx, time.Duration(s.cfg.RiskUpdateIntervalMin)*time.Minute)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishSnapshots(ctx)
	}()

	for _, a := range assignments {
		if err := s.startEngine(ctx, a); err != nil {
			s.logger.Error("failed to start engine", "symbol", a.Symbol, "error", err)
			continue
		}
		time.Sleep(time.Duration(s.cfg.EngineStartupDelaySec * float64(time.Second)))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorLoop(ctx)
	}()

	if s.cfg.NotifyIntervalMin > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.notifyLoop(ctx)
		}()
	}

	return nil
}

// notifyLoop periodically emits a status digest — every engine's running
// stats plus health metrics — so an operator sees the fleet is alive even
// when nothing has gone wrong. Grounded on the reference system's periodic
// notify_interval_min status push.
func (s *Supervisor) notifyLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.NotifyIntervalMin) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.alertSink.Notify(alert.Info, "status digest",
				"engines", s.Snapshot(), "health", s.Health())
		}
	}
}

// Health reports every running engine's HealthMetrics.
func (s *Supervisor) Health() map[string]HealthMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pid := os.Getpid()
	memMB := processMemoryMB()
	out := make(map[string]HealthMetrics, len(s.slots))
	for key, h := range s.slots {
		out[key] = HealthMetrics{
			PID:            pid,
			StartedAt:      h.lastStartedAt,
			LastActivityAt: h.eng.LastActivity(),
			RestartCount:   h.restartCount,
			MemoryMB:       memMB,
		}
	}
	return out
}

// publishSnapshots copies the aggregator's latest snapshot into every
// running engine's IPC slot whenever it changes. This is the supervisor's
// only write to any engine's slot — engines themselves are read-only.
func (s *Supervisor) publishSnapshots(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.RiskUpdateIntervalMin) * time.Minute / 4)
	defer ticker.Stop()

	var lastUpdate time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, ok := s.aggregator.Latest()
			if !ok || snap.UpdateTime.Equal(lastUpdate) {
				continue
			}
			lastUpdate = snap.UpdateTime

			s.mu.RLock()
			for _, h := range s.slots {
				h.slot.Write(snap)
			}
			s.mu.RUnlock()

			if snap.ShouldNotifyRisk() {
				s.alertSink.Notify(alert.Warning, "combined risk snapshot crossed notify threshold",
					"venues", len(snap.Exchanges), "symbols", len(snap.Merged))
			}
		}
	}
}

func (s *Supervisor) startEngine(ctx context.Context, a PairAssignment) error {
	ad1, ok1 := s.adapters[a.Venue1]
	ad2, ok2 := s.adapters[a.Venue2]
	if !ok1 || !ok2 {
		return fmt.Errorf("unknown venue pair %s/%s", a.Venue1, a.Venue2)
	}

	key := a.Venue1 + "_" + a.Venue2 + "_" + a.Symbol
	slot := ipc.NewSlot()
	if snap, ok := s.aggregator.Latest(); ok {
		slot.Write(snap)
	}

	eng := engine.New(a.Symbol, a.Trade, a.Risk, engine.Deps{
		Venue1:                 ad1,
		Venue2:                 ad2,
		Stream1:                s.newStream(a.Venue1),
		Stream2:                s.newStream(a.Venue2),
		FundingCache:           s.fundCache,
		Slot:                   slot,
		SnapshotStaleThreshold: s.cfg.SnapshotStaleThreshold,
		Alert:                  s.alertSink,
		Store:                  s.store,
		Logger:                 s.logger,
	})

	engCtx, cancel := context.WithCancel(ctx)
	handle := &engineHandle{
		assignment:    a,
		eng:           eng,
		slot:          slot,
		cancel:        cancel,
		done:          make(chan error, 1),
		lastStartedAt: time.Now(),
	}

	s.mu.Lock()
	s.slots[key] = handle
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		handle.done <- eng.Run(engCtx)
	}()

	s.logger.Info("engine started", "symbol", a.Symbol, "venue1", a.Venue1, "venue2", a.Venue2)
	return nil
}

// monitorLoop watches every engine's done channel and restarts engines that
// exit unexpectedly, with exponential backoff capped at MaxRestartAttempts.
// Grounded on the reference system's _check_engine_health /
// _should_restart_engine / _handle_failed_processes.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.EngineCheckIntervalMin) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkEngines(ctx)
		}
	}
}

func (s *Supervisor) checkEngines(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, h := range s.slots {
		select {
		case err := <-h.done:
			s.logger.Warn("engine exited", "key", key, "error", err)
			h.cancel()

			if h.restartCount >= s.cfg.MaxRestartAttempts {
				s.alertSink.Notify(alert.Critical, "engine exhausted restart attempts, leaving stopped",
					"key", key, "attempts", h.restartCount)
				delete(s.slots, key)
				continue
			}

			backoff := time.Duration(math.Pow(s.cfg.RestartBackoffFactor, float64(h.restartCount))) * time.Minute
			s.logger.Info("scheduling engine restart", "key", key, "attempt", h.restartCount+1, "backoff", backoff)

			assignment := h.assignment
			restartCount := h.restartCount + 1
			delete(s.slots, key)

			go func() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if startErr := s.startEngine(ctx, assignment); startErr != nil {
					s.logger.Error("restart failed", "key", key, "error", startErr)
					return
				}
				s.mu.Lock()
				if nh, ok := s.slots[key]; ok {
					nh.restartCount = restartCount
				}
				s.mu.Unlock()
			}()

		default:
			if status, reason := s.classify(h); status == EngineUnhealthy {
				s.alertSink.Notify(alert.Warning, "engine unhealthy",
					"key", key, "reason", reason)
			}
		}
	}
}

// classify reports a running engine's status: unhealthy if the process
// heap exceeds MemoryLimitMB (shared across every engine — see HealthMetrics)
// or this engine hasn't traded in NoTradeTimeoutMin, healthy otherwise.
func (s *Supervisor) classify(h *engineHandle) (EngineStatus, string) {
	if s.cfg.MemoryLimitMB > 0 {
		if mb := processMemoryMB(); mb > s.cfg.MemoryLimitMB {
			return EngineUnhealthy, fmt.Sprintf("process memory %.1fMB exceeds limit %.1fMB", mb, s.cfg.MemoryLimitMB)
		}
	}
	if s.cfg.NoTradeTimeoutMin > 0 {
		idle := time.Since(h.eng.LastActivity())
		if idle > time.Duration(s.cfg.NoTradeTimeoutMin)*time.Minute {
			return EngineUnhealthy, fmt.Sprintf("no trade activity for %s", idle.Round(time.Second))
		}
	}
	return EngineHealthy, ""
}

// Shutdown cancels every running engine and the background loops Start
// launched, waits up to ShutdownTimeout for them to exit, and closes the store.
func (s *Supervisor) Shutdown() error {
	s.logger.Info("shutting down supervisor")

	s.mu.Lock()
	for _, h := range s.slots {
		h.cancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timed out waiting for engines to stop")
	}

	return s.store.Close()
}

// Snapshot reports every engine's running stats, for a periodic status
// notification.
func (s *Supervisor) Snapshot() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]any, len(s.slots))
	for key, h := range s.slots {
		out[key] = h.eng.Stats()
	}
	return out
}

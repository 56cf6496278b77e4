package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"voltrader/currency"
	"voltrader/decision"
	"voltrader/ledger"
	"voltrader/logger"
	"voltrader/market"
	"voltrader/metrics"
	"voltrader/risk"
)

// ErrRankingUnavailable the volatility ranking could not be fetched, so there is nothing to trade
var ErrRankingUnavailable = errors.New("volatility ranking unavailable")

// State orchestrator lifecycle state
type State int32

const (
	StateIdle State = iota
	StateFetchingMetrics
	StateResolvingDecisions
	StateExecuting
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingMetrics:
		return "fetching_metrics"
	case StateResolvingDecisions:
		return "resolving_decisions"
	case StateExecuting:
		return "executing"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Sink receives human-readable action and result messages
type Sink interface {
	Emit(message string)
}

type discardSink struct{}

func (discardSink) Emit(string) {}

// Journal records cycles, exit-rule closes and the final liquidation (implemented by
// logger.DecisionLogger)
type Journal interface {
	LogDecision(record *logger.DecisionRecord) error
	LogExit(action *logger.DecisionAction) error
	LogLiquidation(record *logger.LiquidationRecord) error
}

// Config orchestrator configuration
type Config struct {
	Profile                  risk.Profile
	MaxAssets                int           // Top-N assets by volatility per cycle
	LookbackHours            int           // Metric history requested per asset
	FetchConcurrency         int           // Parallel metric fetches
	CycleInterval            time.Duration // 0 runs a single cycle, then rests
	ExitCheckInterval        time.Duration // 0 disables the stop-loss/take-profit monitor
	LiquidationLookupTimeout time.Duration // Per-position price lookup bound at shutdown
}

// Execution outcome of applying one decision
type Execution struct {
	Decision decision.Decision      `json:"decision"`
	Outcome  string                 `json:"outcome"` // opened, closed, held, rejected, skipped, failed
	Position *ledger.Position       `json:"position,omitempty"`
	Closed   *ledger.ClosedPosition `json:"closed,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// CycleReport what one cycle considered, decided and did
type CycleReport struct {
	Number       int         `json:"number"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	Candidates   []string    `json:"candidates"`
	Executions   []Execution `json:"executions"`
	FailureCause string      `json:"failure_cause,omitempty"`
}

// Status point-in-time view for the API
type Status struct {
	State         string    `json:"state"`
	RiskProfile   risk.Tag  `json:"risk_profile"`
	StartTime     time.Time `json:"start_time"`
	CycleCount    int       `json:"cycle_count"`
	TotalCapital  string    `json:"total_capital"`
	Allocated     string    `json:"allocated"`
	Available     string    `json:"available"`
	Realized      string    `json:"realized"`
	PositionCount int       `json:"position_count"`
}

// Orchestrator sequences fetch metrics, resolve decisions, execute and report, and
// liquidates every position on shutdown
type Orchestrator struct {
	cfg      Config
	provider market.Provider
	resolver *decision.Resolver
	ledger   *ledger.Ledger
	sink     Sink
	journal  Journal

	state      atomic.Int32
	mu         sync.RWMutex
	startTime  time.Time
	cycleCount int
	latest     *CycleReport

	shutdownOnce sync.Once
	summary      ledger.LiquidationSummary
}

// New creates an orchestrator. journal may be nil.
func New(cfg Config, provider market.Provider, resolver *decision.Resolver, l *ledger.Ledger, sink Sink, journal Journal) *Orchestrator {
	if cfg.MaxAssets <= 0 {
		cfg.MaxAssets = 10
	}
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = 24
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.LiquidationLookupTimeout <= 0 {
		cfg.LiquidationLookupTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = discardSink{}
	}
	return &Orchestrator{
		cfg:       cfg,
		provider:  provider,
		resolver:  resolver,
		ledger:    l,
		sink:      sink,
		journal:   journal,
		startTime: time.Now(),
	}
}

// State current lifecycle state
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	// ShuttingDown and Terminated are never left
	for {
		cur := o.state.Load()
		if State(cur) >= StateShuttingDown && s < StateShuttingDown {
			return
		}
		if o.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Run executes the first cycle, then rests until ctx is cancelled, repeating cycles every
// CycleInterval and checking exit rules every ExitCheckInterval. Positions are always
// liquidated before Run returns. A failure of the first ranking fetch is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Shutdown()

	log.Info().
		Str("risk_profile", string(o.cfg.Profile.Tag)).
		Str("capital", o.ledger.Total().StringFixed(2)).
		Int("max_assets", o.cfg.MaxAssets).
		Msg("🚀 Decision loop started")

	if err := o.RunCycle(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	var cycleC, exitC <-chan time.Time
	if o.cfg.CycleInterval > 0 {
		t := time.NewTicker(o.cfg.CycleInterval)
		defer t.Stop()
		cycleC = t.C
	}
	if o.cfg.ExitCheckInterval > 0 {
		t := time.NewTicker(o.cfg.ExitCheckInterval)
		defer t.Stop()
		exitC = t.C
	}

	o.sink.Emit("⏸  Waiting for interrupt (Ctrl+C) to liquidate and exit...")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("🛑 Interrupt received, shutting down")
			return nil
		case <-cycleC:
			if err := o.RunCycle(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("⚠️  Cycle failed, continuing with next scheduled cycle")
			}
		case <-exitC:
			o.checkExits(ctx)
		}
	}
}

// RunCycle performs one fetch, resolve and execute pass
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.mu.Lock()
	o.cycleCount++
	number := o.cycleCount
	o.mu.Unlock()

	report := &CycleReport{Number: number, StartedAt: time.Now()}
	defer o.setState(StateIdle)

	log.Info().Int("cycle", number).Msg("⏰ Decision cycle started")

	o.setState(StateFetchingMetrics)
	ranked, err := o.provider.FetchVolatilityRanked(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRankingUnavailable, err)
	}
	if len(ranked) > o.cfg.MaxAssets {
		ranked = ranked[:o.cfg.MaxAssets]
	}
	for _, e := range ranked {
		report.Candidates = append(report.Candidates, e.Identifier)
	}
	o.sink.Emit(fmt.Sprintf("📊 %d assets selected by volatility", len(ranked)))

	records := o.fetchMetrics(ctx, ranked)
	if err := ctx.Err(); err != nil {
		return err
	}

	o.setState(StateResolvingDecisions)
	batch := o.resolver.Resolve(ctx, records, o.cfg.Profile)
	if batch.FailureCause != nil {
		report.FailureCause = batch.FailureCause.Error()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.setState(StateExecuting)
	for _, d := range batch.Decisions {
		if err := ctx.Err(); err != nil {
			o.finishCycle(report, batch)
			return err
		}
		exec := o.execute(ctx, d)
		report.Executions = append(report.Executions, exec)
		o.sink.Emit(describeExecution(exec))
	}

	o.finishCycle(report, batch)
	log.Info().Int("cycle", number).Int("decisions", len(batch.Decisions)).Msg("✅ Decision cycle completed")
	return nil
}

// fetchMetrics fetches per-asset metrics concurrently; results keep the ranking order
func (o *Orchestrator) fetchMetrics(ctx context.Context, ranked []market.VolatilityEntry) []market.MetricRecord {
	records := make([]market.MetricRecord, len(ranked))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FetchConcurrency)
	for i, e := range ranked {
		g.Go(func() error {
			rec := market.MetricRecord{
				Identifier:    e.Identifier,
				VolatilityPct: e.VolatilityPct,
				AveragePrice:  e.AveragePrice,
			}
			samples, err := o.provider.FetchMetrics(gctx, e.Identifier, o.cfg.LookbackHours)
			if err != nil {
				metrics.MetricFetchFailures.Inc()
				log.Info().Err(err).Str("identifier", e.Identifier).Msg("ℹ️  Metrics unavailable, treating asset as no data")
			} else {
				rec.Samples = samples
			}
			records[i] = rec
			return nil
		})
	}
	_ = g.Wait()
	return records
}

// execute applies one decision to the ledger
func (o *Orchestrator) execute(ctx context.Context, d decision.Decision) Execution {
	exec := Execution{Decision: d}
	switch d.Action {
	case decision.ActionOpen:
		pos, err := o.ledger.Open(d, o.cfg.Profile)
		switch {
		case err != nil:
			exec.Outcome = "failed"
			exec.Error = err.Error()
			log.Warn().Err(err).Str("identifier", d.Identifier).Msg("⚠️  Open failed")
		case pos == nil:
			exec.Outcome = "rejected"
			metrics.GuardRejections.Inc()
		default:
			exec.Outcome = "opened"
			exec.Position = pos
			metrics.PositionsOpened.WithLabelValues(string(pos.Type)).Inc()
		}

	case decision.ActionClose:
		pos, ok := o.ledger.Get(currency.Parse(d.Identifier).Address)
		if !ok {
			exec.Outcome = "skipped"
			break
		}
		closed, err := o.ledger.Close(pos, o.closePrice(ctx, d, pos))
		if err != nil {
			exec.Outcome = "failed"
			exec.Error = err.Error()
			log.Warn().Err(err).Str("identifier", d.Identifier).Msg("⚠️  Close failed")
			break
		}
		exec.Outcome = "closed"
		exec.Closed = &closed
		metrics.PositionsClosed.WithLabelValues(string(closed.Reason)).Inc()

	default:
		exec.Outcome = "held"
	}
	o.updateGauges()
	return exec
}

// closePrice decision reference price, else a fresh quote, else the entry price
func (o *Orchestrator) closePrice(ctx context.Context, d decision.Decision, pos ledger.Position) float64 {
	if d.ReferencePrice > 0 {
		return d.ReferencePrice
	}
	if p, err := o.provider.CurrentPrice(ctx, d.Identifier); err == nil && p > 0 {
		return p
	}
	return pos.EntryPrice
}

// checkExits closes positions that crossed their stop-loss or take-profit level
func (o *Orchestrator) checkExits(ctx context.Context) {
	if o.ledger.Count() == 0 {
		return
	}
	closed := o.ledger.CheckExits(o.lookup(ctx))
	for _, c := range closed {
		metrics.PositionsClosed.WithLabelValues(string(c.Reason)).Inc()
		o.sink.Emit(describeExit(c))
		if o.journal != nil {
			if err := o.journal.LogExit(closedAction(c)); err != nil {
				log.Warn().Err(err).Str("identifier", c.Identifier).Msg("⚠️  Failed to journal exit")
			}
		}
	}
	if len(closed) > 0 {
		o.updateGauges()
	}
}

// lookup bounds each price lookup by the liquidation timeout
func (o *Orchestrator) lookup(parent context.Context) ledger.PriceLookup {
	return func(identifier string) (float64, error) {
		ctx, cancel := context.WithTimeout(parent, o.cfg.LiquidationLookupTimeout)
		defer cancel()
		return o.provider.CurrentPrice(ctx, identifier)
	}
}

// Shutdown liquidates every open position and emits the summary. Safe to call more than
// once; later calls return the first summary.
func (o *Orchestrator) Shutdown() ledger.LiquidationSummary {
	o.shutdownOnce.Do(func() {
		o.setState(StateShuttingDown)
		open := o.ledger.Count()
		log.Info().Int("positions", open).Msg("🔻 Liquidating open positions")

		// Fresh context: the run context is already cancelled here
		o.summary = o.ledger.CloseAll(o.lookup(context.Background()))
		for _, c := range o.summary.Positions {
			metrics.PositionsClosed.WithLabelValues(string(c.Reason)).Inc()
		}
		o.updateGauges()

		for _, line := range describeSummary(o.summary, o.ledger) {
			o.sink.Emit(line)
		}
		if o.journal != nil {
			if err := o.journal.LogLiquidation(liquidationRecord(o.summary)); err != nil {
				log.Warn().Err(err).Msg("⚠️  Failed to journal liquidation")
			}
		}
		o.setState(StateTerminated)
	})
	return o.summary
}

func (o *Orchestrator) finishCycle(report *CycleReport, batch *decision.Batch) {
	report.FinishedAt = time.Now()
	o.mu.Lock()
	o.latest = report
	o.mu.Unlock()

	if o.journal == nil {
		return
	}
	if err := o.journal.LogDecision(o.decisionRecord(report, batch)); err != nil {
		log.Warn().Err(err).Int("cycle", report.Number).Msg("⚠️  Failed to journal cycle")
	}
}

func (o *Orchestrator) updateGauges() {
	metrics.AllocatedCapital.Set(o.ledger.Allocated().InexactFloat64())
	metrics.RealizedPnL.Set(o.ledger.Realized().InexactFloat64())
}

// Status returns a point-in-time status snapshot
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	cycles := o.cycleCount
	o.mu.RUnlock()
	return Status{
		State:         o.State().String(),
		RiskProfile:   o.cfg.Profile.Tag,
		StartTime:     o.startTime,
		CycleCount:    cycles,
		TotalCapital:  o.ledger.Total().StringFixed(2),
		Allocated:     o.ledger.Allocated().StringFixed(2),
		Available:     o.ledger.Available().StringFixed(2),
		Realized:      o.ledger.Realized().StringFixed(2),
		PositionCount: o.ledger.Count(),
	}
}

// Positions open positions
func (o *Orchestrator) Positions() []ledger.Position {
	return o.ledger.Positions()
}

// LatestCycle the most recent cycle report, nil before the first cycle finishes
func (o *Orchestrator) LatestCycle() *CycleReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.latest == nil {
		return nil
	}
	cp := *o.latest
	return &cp
}

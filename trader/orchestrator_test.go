package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voltrader/decision"
	"voltrader/ledger"
	"voltrader/logger"
	"voltrader/market"
	"voltrader/risk"
)

type fakeProvider struct {
	mu          sync.Mutex
	ranked      []market.VolatilityEntry
	rankErr     error
	samples     map[string][]market.IntervalSample
	failMetrics map[string]bool
	prices      map[string]float64
	priceErr    error
	fetched     []string
}

func (f *fakeProvider) FetchVolatilityRanked(ctx context.Context) ([]market.VolatilityEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.ranked, f.rankErr
}

func (f *fakeProvider) FetchMetrics(_ context.Context, id string, _ int) ([]market.IntervalSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	if f.failMetrics[id] {
		return nil, errors.New("upstream 502")
	}
	return f.samples[id], nil
}

func (f *fakeProvider) CurrentPrice(_ context.Context, id string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	p, ok := f.prices[id]
	if !ok {
		return 0, market.ErrNoData
	}
	return p, nil
}

func (f *fakeProvider) setPrice(id string, p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[id] = p
}

type stubGenerator struct {
	response string
	err      error
}

func (s stubGenerator) Generate(context.Context, string, string) (string, error) {
	return s.response, s.err
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) Emit(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, message)
}

func (r *recordingSink) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

type memoryJournal struct {
	mu           sync.Mutex
	cycles       []*logger.DecisionRecord
	exits        []*logger.DecisionAction
	liquidations []*logger.LiquidationRecord
}

func (m *memoryJournal) LogDecision(r *logger.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, r)
	return nil
}

func (m *memoryJournal) LogExit(a *logger.DecisionAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, a)
	return nil
}

func (m *memoryJournal) LogLiquidation(r *logger.LiquidationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liquidations = append(m.liquidations, r)
	return nil
}

func (m *memoryJournal) exitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exits)
}

func (m *memoryJournal) liquidationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.liquidations)
}

// blockingGenerator parks Generate until the caller's context ends
type blockingGenerator struct {
	entered chan struct{}
}

func (b blockingGenerator) Generate(ctx context.Context, _, _ string) (string, error) {
	close(b.entered)
	<-ctx.Done()
	return "", ctx.Err()
}

// blockingMetricsProvider parks FetchMetrics until the caller's context ends
type blockingMetricsProvider struct {
	*fakeProvider
	entered chan struct{}
	once    sync.Once
}

func (b *blockingMetricsProvider) FetchMetrics(ctx context.Context, _ string, _ int) ([]market.IntervalSample, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type countingGenerator struct {
	calls *int32
}

func (c countingGenerator) Generate(context.Context, string, string) (string, error) {
	atomic.AddInt32(c.calls, 1)
	return "[]", nil
}

func sample(open, close float64) []market.IntervalSample {
	return []market.IntervalSample{{Open: open, High: close + 1, Low: open - 1, Close: close, Volume: 1}}
}

func newFixture(gen decision.Generator) (*fakeProvider, *recordingSink, *memoryJournal, *Orchestrator) {
	provider := &fakeProvider{
		ranked: []market.VolatilityEntry{
			{Identifier: "bid:solana:AAA", VolatilityPct: 30, AveragePrice: 10},
			{Identifier: "bid:solana:BBB", VolatilityPct: 20, AveragePrice: 5},
			{Identifier: "bid:solana:CCC", VolatilityPct: 10, AveragePrice: 2},
		},
		samples: map[string][]market.IntervalSample{
			"bid:solana:AAA": sample(10, 12),
			"bid:solana:BBB": sample(5, 4),
			"bid:solana:CCC": sample(2, 2.5),
		},
		failMetrics: map[string]bool{},
		prices:      map[string]float64{},
	}
	sink := &recordingSink{}
	journal := &memoryJournal{}
	cfg := Config{Profile: risk.Resolve("high"), MaxAssets: 10, LookbackHours: 24, LiquidationLookupTimeout: time.Second}
	l := ledger.New(decimal.NewFromInt(100000))
	o := New(cfg, provider, decision.NewResolver(gen), l, sink, journal)
	return provider, sink, journal, o
}

func TestRunCycleExecutesDecisionsInOrder(t *testing.T) {
	gen := stubGenerator{response: `[
		{"identifier":"bid:solana:AAA","action":"OPEN","positionType":"long","reasoning":"breakout"},
		{"identifier":"bid:solana:BBB","action":"OPEN_SHORT","reasoning":"breakdown"},
		{"identifier":"bid:solana:CCC","action":"HOLD","reasoning":"flat"}
	]`}
	_, sink, journal, o := newFixture(gen)

	require.NoError(t, o.RunCycle(context.Background()))
	assert.Equal(t, StateIdle, o.State())

	positions := o.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, "AAA", positions[0].Address)
	assert.Equal(t, decision.PositionLong, positions[0].Type)
	assert.Equal(t, 12.0, positions[0].EntryPrice)
	assert.Equal(t, decision.PositionShort, positions[1].Type)

	report := o.LatestCycle()
	require.NotNil(t, report)
	require.Len(t, report.Executions, 3)
	assert.Equal(t, []string{"opened", "opened", "held"}, []string{
		report.Executions[0].Outcome, report.Executions[1].Outcome, report.Executions[2].Outcome,
	})
	assert.Equal(t, []string{"bid:solana:AAA", "bid:solana:BBB", "bid:solana:CCC"}, report.Candidates)

	out := sink.joined()
	assert.Contains(t, out, "OPEN LONG solana/AAA")
	assert.Contains(t, out, "OPEN SHORT solana/BBB")
	assert.Contains(t, out, "HOLD solana/CCC")

	require.Len(t, journal.cycles, 1)
	assert.Len(t, journal.cycles[0].Decisions, 3)
	assert.True(t, journal.cycles[0].Success)
	assert.Equal(t, 2, journal.cycles[0].Account.PositionCount)
}

func TestRunCycleMaxAssetsAndMetricFailures(t *testing.T) {
	provider, _, journal, o := newFixture(nil)
	o.cfg.MaxAssets = 2
	provider.failMetrics["bid:solana:AAA"] = true

	require.NoError(t, o.RunCycle(context.Background()))

	report := o.LatestCycle()
	require.Len(t, report.Executions, 2)
	assert.ElementsMatch(t, []string{"bid:solana:AAA", "bid:solana:BBB"}, provider.fetched)

	// no samples: fallback holds at 0.5
	first := report.Executions[0].Decision
	assert.Equal(t, "bid:solana:AAA", first.Identifier)
	assert.Equal(t, decision.ActionHold, first.Action)
	assert.Equal(t, decision.NoDataConfidence, first.Confidence)

	// close 4 below open 5 and at its own average: fallback shorts
	second := report.Executions[1].Decision
	assert.Equal(t, decision.ActionOpen, second.Action)
	assert.Equal(t, decision.PositionShort, second.PositionType)
	assert.Equal(t, decision.SourceFallback, second.Source)

	assert.False(t, journal.cycles[0].Success)
}

func TestRunCycleRankingFailure(t *testing.T) {
	provider, _, _, o := newFixture(nil)
	provider.rankErr = errors.New("401 unauthorized")

	err := o.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrRankingUnavailable)
	assert.Nil(t, o.LatestCycle())
}

func TestCloseDecisionClosesExistingPosition(t *testing.T) {
	provider, sink, _, o := newFixture(nil)
	pos, err := o.ledger.Open(decision.Decision{
		Identifier:     "bid:solana:AAA",
		Action:         decision.ActionOpen,
		PositionType:   decision.PositionLong,
		ReferencePrice: 10,
	}, o.cfg.Profile)
	require.NoError(t, err)
	require.NotNil(t, pos)

	exec := o.execute(context.Background(), decision.Decision{
		Identifier: "bid:solana:AAA",
		Action:     decision.ActionClose,
		Source:     decision.SourceAI,
	})
	// no reference price: falls back to the provider, then to entry
	assert.Equal(t, "closed", exec.Outcome)
	assert.Equal(t, 10.0, exec.Closed.ExitPrice)
	assert.Zero(t, o.ledger.Count())

	provider.setPrice("bid:solana:BBB", 6)
	_, err = o.ledger.Open(decision.Decision{Identifier: "bid:solana:BBB", Action: decision.ActionOpen, ReferencePrice: 5}, o.cfg.Profile)
	require.NoError(t, err)
	exec = o.execute(context.Background(), decision.Decision{Identifier: "bid:solana:BBB", Action: decision.ActionClose})
	assert.Equal(t, 6.0, exec.Closed.ExitPrice)
	assert.True(t, exec.Closed.PnL.Equal(decimal.NewFromInt(6000)), "pnl %s", exec.Closed.PnL)

	exec = o.execute(context.Background(), decision.Decision{Identifier: "bid:solana:ZZZ", Action: decision.ActionClose})
	assert.Equal(t, "skipped", exec.Outcome)
	sink.Emit(describeExecution(exec))
	assert.Contains(t, sink.joined(), "no open position")
}

func TestGuardRejectionIsNotFailure(t *testing.T) {
	_, _, _, o := newFixture(nil)
	for i := 0; i < 3; i++ {
		exec := o.execute(context.Background(), decision.Decision{
			Identifier: fmt.Sprintf("n:addr%d", i), Action: decision.ActionOpen, ReferencePrice: 1,
		})
		require.Equal(t, "opened", exec.Outcome)
	}
	exec := o.execute(context.Background(), decision.Decision{Identifier: "n:addr9", Action: decision.ActionOpen, ReferencePrice: 1})
	assert.Equal(t, "rejected", exec.Outcome)
	assert.Empty(t, exec.Error)
}

func TestShutdownLiquidatesAndIsIdempotent(t *testing.T) {
	gen := stubGenerator{response: `[
		{"identifier":"bid:solana:AAA","action":"OPEN","positionType":"long"},
		{"identifier":"bid:solana:BBB","action":"OPEN","positionType":"short"}
	]`}
	provider, sink, journal, o := newFixture(gen)
	require.NoError(t, o.RunCycle(context.Background()))
	require.Equal(t, 2, o.ledger.Count())

	provider.setPrice("bid:solana:AAA", 13.2)
	// BBB has no price: liquidated at entry

	summary := o.Shutdown()
	assert.Equal(t, 2, summary.ClosedCount)
	assert.Zero(t, o.ledger.Count())
	assert.True(t, o.ledger.Allocated().IsZero())
	assert.Equal(t, StateTerminated, o.State())
	assert.True(t, summary.TotalPnL.Equal(decimal.NewFromInt(3000)), "total %s", summary.TotalPnL)
	assert.Contains(t, sink.joined(), "Liquidation summary")
	require.Len(t, journal.liquidations, 1)

	again := o.Shutdown()
	assert.Equal(t, summary.ClosedCount, again.ClosedCount)
	assert.Len(t, journal.liquidations, 1)

	// terminal state is final
	o.setState(StateIdle)
	assert.Equal(t, StateTerminated, o.State())
}

func TestShutdownCompletesWhenLookupsFail(t *testing.T) {
	provider, _, _, o := newFixture(nil)
	for i := 0; i < 3; i++ {
		_, err := o.ledger.Open(decision.Decision{Identifier: fmt.Sprintf("n:p%d", i), Action: decision.ActionOpen, ReferencePrice: 2}, risk.Resolve("low"))
		require.NoError(t, err)
	}
	provider.priceErr = context.DeadlineExceeded

	summary := o.Shutdown()
	assert.Equal(t, 3, summary.ClosedCount)
	assert.True(t, summary.TotalPnL.IsZero())
}

func TestRunRestsUntilCancelledThenLiquidates(t *testing.T) {
	gen := stubGenerator{response: `[{"identifier":"bid:solana:AAA","action":"OPEN","positionType":"long"}]`}
	_, sink, _, o := newFixture(gen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(sink.joined(), "Waiting for interrupt")
	}, 2*time.Second, 10*time.Millisecond)
	// AAA from the response, BBB shorted by the fallback for the missing entry
	assert.Equal(t, 2, o.ledger.Count())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateTerminated, o.State())
	assert.Zero(t, o.ledger.Count())
}

func TestRunReturnsFatalRankingError(t *testing.T) {
	provider, sink, _, o := newFixture(nil)
	provider.rankErr = errors.New("connection refused")

	err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrRankingUnavailable)
	assert.Equal(t, StateTerminated, o.State())
	assert.Contains(t, sink.joined(), "Positions closed: 0")
}

func TestExitMonitorClosesOnTakeProfit(t *testing.T) {
	gen := stubGenerator{response: `[{"identifier":"bid:solana:AAA","action":"OPEN","positionType":"long"}]`}
	provider, sink, journal, o := newFixture(gen)
	o.cfg.ExitCheckInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return o.ledger.Count() == 2 }, 2*time.Second, 5*time.Millisecond)
	// entry 12, high profile take-profit at 1.30; BBB has no quote and stays open
	provider.setPrice("bid:solana:AAA", 16)
	require.Eventually(t, func() bool {
		_, open := o.ledger.Get("AAA")
		return !open
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, o.ledger.Count())
	assert.Contains(t, sink.joined(), "TAKE PROFIT")
	require.Eventually(t, func() bool { return journal.exitCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	exit := journal.exits[0]
	assert.Equal(t, "bid:solana:AAA", exit.Identifier)
	assert.Equal(t, string(decision.ActionClose), exit.Action)
	assert.Equal(t, string(ledger.ReasonTakeProfit), exit.Source)
	assert.Equal(t, 16.0, exit.Price)
	assert.True(t, exit.Success)
}

func TestCancelDuringReasoningLiquidatesAndTerminates(t *testing.T) {
	gen := blockingGenerator{entered: make(chan struct{})}
	_, sink, journal, o := newFixture(gen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case <-gen.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reasoning call never started")
	}
	assert.Equal(t, StateResolvingDecisions, o.State())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateTerminated, o.State())
	assert.Zero(t, o.ledger.Count())
	assert.True(t, o.ledger.Realized().IsZero())
	assert.NotContains(t, sink.joined(), "OPEN")
	assert.Contains(t, sink.joined(), "Positions closed: 0")
	assert.Equal(t, 1, journal.liquidationCount())
}

func TestCancelDuringMetricFetchSkipsReasoning(t *testing.T) {
	var calls int32
	base, sink, journal, o := newFixture(countingGenerator{calls: &calls})
	provider := &blockingMetricsProvider{fakeProvider: base, entered: make(chan struct{})}
	o.provider = provider

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case <-provider.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("metric fetch never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateTerminated, o.State())
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Zero(t, o.ledger.Count())
	assert.Contains(t, sink.joined(), "Positions closed: 0")
	assert.Equal(t, 1, journal.liquidationCount())
}

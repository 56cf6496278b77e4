package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voltrader/decision"
	"voltrader/ledger"
	"voltrader/logger"
	"voltrader/metrics"
	"voltrader/trader"
)

type fakeSource struct {
	status    trader.Status
	positions []ledger.Position
	latest    *trader.CycleReport
}

func (f *fakeSource) Status() trader.Status { return f.status }

func (f *fakeSource) Positions() []ledger.Position { return f.positions }

func (f *fakeSource) LatestCycle() *trader.CycleReport { return f.latest }

type fakeJournal struct {
	records []*logger.DecisionRecord
	err     error
	asked   int
}

func (f *fakeJournal) GetLatestRecords(n int) ([]*logger.DecisionRecord, error) {
	f.asked = n
	return f.records, f.err
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatusAndHealth(t *testing.T) {
	src := &fakeSource{status: trader.Status{State: "idle", RiskProfile: "high", TotalCapital: "100000.00", PositionCount: 2}}
	s := NewServer(src, nil, 0)

	rec := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status trader.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, 2, status.PositionCount)

	rec = get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPositions(t *testing.T) {
	src := &fakeSource{positions: []ledger.Position{{
		ID:         "p1",
		Identifier: "bid:solana:AAA",
		Address:    "AAA",
		Type:       decision.PositionLong,
		EntryPrice: 12,
		Size:       decimal.NewFromInt(30000),
		OpenedAt:   time.Now(),
	}}}
	rec := get(t, NewServer(src, nil, 0), "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"address":"AAA"`)
	assert.Contains(t, rec.Body.String(), `"size":"30000"`)
}

func TestLatestDecisions(t *testing.T) {
	src := &fakeSource{}
	s := NewServer(src, nil, 0)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/decisions/latest").Code)

	src.latest = &trader.CycleReport{Number: 3, Candidates: []string{"bid:solana:AAA"}}
	rec := get(t, s, "/api/decisions/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"number":3`)
}

func TestJournalDecisions(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, get(t, NewServer(&fakeSource{}, nil, 0), "/api/decisions").Code)

	journal := &fakeJournal{records: []*logger.DecisionRecord{{CycleNumber: 1}, {CycleNumber: 2}}}
	s := NewServer(&fakeSource{}, journal, 0)

	rec := get(t, s, "/api/decisions?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, journal.asked)
	var records []logger.DecisionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].CycleNumber)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/decisions?limit=zero").Code)

	journal.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/decisions").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.GuardRejections.Inc()
	rec := get(t, NewServer(&fakeSource{}, nil, 0), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "voltrader_capital_guard_rejections_total"))
}

func TestNoRoute(t *testing.T) {
	rec := get(t, NewServer(&fakeSource{}, nil, 0), "/api/orders")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "route not found")
}

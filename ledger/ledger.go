// Package ledger owns simulated positions and the capital allocated to them.
//
// Invariants: at most one open position per address; allocated capital equals the sum of
// open position sizes and stays within [0, total capital]. All mutations are serialized.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"voltrader/currency"
	"voltrader/decision"
	"voltrader/risk"
)

var (
	// ErrPositionNotFound no open position matches the one being closed
	ErrPositionNotFound = errors.New("position not found")
	// ErrInvalidDecision the decision cannot open a position
	ErrInvalidDecision = errors.New("invalid decision")
)

// CapitalGuardFraction share of total capital beyond which no new position is opened
var CapitalGuardFraction = decimal.NewFromFloat(0.9)

// CloseReason why a position was closed
type CloseReason string

const (
	ReasonDecision    CloseReason = "decision"
	ReasonStopLoss    CloseReason = "stop_loss"
	ReasonTakeProfit  CloseReason = "take_profit"
	ReasonLiquidation CloseReason = "liquidation"
)

// Position simulated open position
type Position struct {
	ID                   string                `json:"id"`
	Identifier           string                `json:"identifier"`
	Network              string                `json:"network"`
	Address              string                `json:"address"`
	Type                 decision.PositionType `json:"type"`
	EntryPrice           float64               `json:"entry_price"`
	Size                 decimal.Decimal       `json:"size"`
	OpenedAt             time.Time             `json:"opened_at"`
	StopLossMultiplier   float64               `json:"stop_loss_multiplier"`
	TakeProfitMultiplier float64               `json:"take_profit_multiplier"`
	Confidence           float64               `json:"confidence"`
	Reasoning            string                `json:"reasoning"`
	ExpectedProfit       decimal.Decimal       `json:"expected_profit"`
}

// ClosedPosition position plus realized P&L
type ClosedPosition struct {
	Position
	ExitPrice float64         `json:"exit_price"`
	PnL       decimal.Decimal `json:"pnl"`
	ClosedAt  time.Time       `json:"closed_at"`
	Reason    CloseReason     `json:"reason"`
}

// LiquidationSummary result of CloseAll
type LiquidationSummary struct {
	ClosedCount int              `json:"closed_count"`
	TotalPnL    decimal.Decimal  `json:"total_pnl"`
	Positions   []ClosedPosition `json:"positions"`
}

// PriceLookup returns the current price for an identifier
type PriceLookup func(identifier string) (float64, error)

// Ledger in-memory position store with capital accounting
type Ledger struct {
	mu           sync.RWMutex
	totalCapital decimal.Decimal
	allocated    decimal.Decimal
	realized     decimal.Decimal
	positions    map[string]*Position

	now   func() time.Time
	newID func() string
}

// New creates an empty ledger with a fixed starting capital
func New(totalCapital decimal.Decimal) *Ledger {
	return &Ledger{
		totalCapital: totalCapital,
		positions:    make(map[string]*Position),
		now:          time.Now,
		newID:        newPositionID,
	}
}

// newPositionID time-ordered UUID (v7), random v4 if the clock source fails
func newPositionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Open opens a position for an open decision, sized at total capital × the profile's
// position fraction. It returns (nil, nil) when the capital guard declines: allocated capital
// is at or above 90% of total, or the new size would exceed total capital. An existing
// position at the same address is replaced.
func (l *Ledger) Open(d decision.Decision, profile risk.Profile) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allocated.GreaterThanOrEqual(l.totalCapital.Mul(CapitalGuardFraction)) {
		return nil, nil
	}
	if d.Action != decision.ActionOpen {
		return nil, fmt.Errorf("%w: action %q does not open a position", ErrInvalidDecision, d.Action)
	}
	if d.ReferencePrice <= 0 {
		return nil, fmt.Errorf("%w: reference price %.6g for %s", ErrInvalidDecision, d.ReferencePrice, d.Identifier)
	}
	if profile.MaxPositionFraction <= 0 || profile.MaxPositionFraction > 1 {
		return nil, fmt.Errorf("%w: position fraction %.4g out of range", ErrInvalidDecision, profile.MaxPositionFraction)
	}

	id := currency.Parse(d.Identifier)
	size := l.totalCapital.Mul(decimal.NewFromFloat(profile.MaxPositionFraction))

	allocatedAfter := l.allocated.Add(size)
	existing, replacing := l.positions[id.Address]
	if replacing {
		allocatedAfter = allocatedAfter.Sub(existing.Size)
	}
	if allocatedAfter.GreaterThan(l.totalCapital) {
		return nil, nil
	}

	posType := d.PositionType
	if posType != decision.PositionShort {
		posType = decision.PositionLong
	}

	pos := &Position{
		ID:                   l.newID(),
		Identifier:           d.Identifier,
		Network:              id.Network,
		Address:              id.Address,
		Type:                 posType,
		EntryPrice:           d.ReferencePrice,
		Size:                 size,
		OpenedAt:             l.now(),
		StopLossMultiplier:   profile.StopLossMultiplier,
		TakeProfitMultiplier: profile.TakeProfitMultiplier,
		Confidence:           d.Confidence,
		Reasoning:            d.Reasoning,
		ExpectedProfit:       size.Mul(decimal.NewFromFloat(profile.TakeProfitMultiplier).Sub(decimal.NewFromInt(1))),
	}
	l.positions[id.Address] = pos
	l.allocated = allocatedAfter

	cp := *pos
	return &cp, nil
}

// Close closes the open position at currentPrice. The position must be the one currently
// open at its address, otherwise ErrPositionNotFound is returned and nothing changes.
func (l *Ledger) Close(pos Position, currentPrice float64) (ClosedPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(pos, currentPrice, ReasonDecision)
}

func (l *Ledger) closeLocked(pos Position, currentPrice float64, reason CloseReason) (ClosedPosition, error) {
	open, ok := l.positions[pos.Address]
	if !ok || open.ID != pos.ID {
		return ClosedPosition{}, fmt.Errorf("%w: %s (%s)", ErrPositionNotFound, pos.Address, pos.ID)
	}

	pnl := PnL(*open, currentPrice)
	delete(l.positions, open.Address)
	l.allocated = l.allocated.Sub(open.Size)
	l.realized = l.realized.Add(pnl)

	return ClosedPosition{
		Position:  *open,
		ExitPrice: currentPrice,
		PnL:       pnl,
		ClosedAt:  l.now(),
		Reason:    reason,
	}, nil
}

// PnL realized profit/loss of closing pos at price
func PnL(pos Position, price float64) decimal.Decimal {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	if entry.IsZero() {
		return decimal.Zero
	}
	move := decimal.NewFromFloat(price).Sub(entry)
	if pos.Type == decision.PositionShort {
		move = move.Neg()
	}
	return move.Div(entry).Mul(pos.Size)
}

// CloseAll liquidates every open position. A failed or non-positive price lookup uses the
// entry price, so liquidation always completes. Lookups run without the lock; a position
// replaced meanwhile is picked up on the next pass.
func (l *Ledger) CloseAll(lookup PriceLookup) LiquidationSummary {
	summary := LiquidationSummary{TotalPnL: decimal.Zero, Positions: []ClosedPosition{}}
	for {
		open := l.Positions()
		if len(open) == 0 {
			return summary
		}
		prices := l.lookupPrices(open, lookup)

		l.mu.Lock()
		for i, pos := range open {
			price := prices[i]
			if price <= 0 {
				price = pos.EntryPrice
			}
			closed, err := l.closeLocked(pos, price, ReasonLiquidation)
			if err != nil {
				continue
			}
			summary.ClosedCount++
			summary.TotalPnL = summary.TotalPnL.Add(closed.PnL)
			summary.Positions = append(summary.Positions, closed)
		}
		l.mu.Unlock()
	}
}

// CheckExits closes positions whose price crossed the stop-loss or take-profit level.
// Positions whose price cannot be looked up are left open. Lookups run without the lock.
func (l *Ledger) CheckExits(lookup PriceLookup) []ClosedPosition {
	open := l.Positions()
	if len(open) == 0 || lookup == nil {
		return nil
	}
	prices := l.lookupPrices(open, lookup)

	l.mu.Lock()
	defer l.mu.Unlock()
	var closed []ClosedPosition
	for i, pos := range open {
		if prices[i] <= 0 {
			continue
		}
		reason, hit := ExitReason(pos, prices[i])
		if !hit {
			continue
		}
		// closeLocked rejects positions closed or replaced during the lookups
		if c, err := l.closeLocked(pos, prices[i], reason); err == nil {
			closed = append(closed, c)
		}
	}
	return closed
}

// lookupPrices quotes each position; 0 marks a failed or missing quote
func (l *Ledger) lookupPrices(open []Position, lookup PriceLookup) []float64 {
	prices := make([]float64, len(open))
	if lookup == nil {
		return prices
	}
	for i, pos := range open {
		if p, err := lookup(pos.Identifier); err == nil && p > 0 {
			prices[i] = p
		}
	}
	return prices
}

// ExitReason evaluates the exit rules. Long: price ≤ entry×SL or ≥ entry×TP. Short mirrors
// the thresholds around entry: price ≥ entry×(2−SL) or ≤ entry×(2−TP).
func ExitReason(pos Position, price float64) (CloseReason, bool) {
	sl, tp := pos.StopLossMultiplier, pos.TakeProfitMultiplier
	if pos.Type == decision.PositionShort {
		sl, tp = 2-sl, 2-tp
		switch {
		case sl > 0 && price >= pos.EntryPrice*sl:
			return ReasonStopLoss, true
		case tp > 0 && price <= pos.EntryPrice*tp:
			return ReasonTakeProfit, true
		}
		return "", false
	}
	switch {
	case sl > 0 && price <= pos.EntryPrice*sl:
		return ReasonStopLoss, true
	case tp > 0 && price >= pos.EntryPrice*tp:
		return ReasonTakeProfit, true
	}
	return "", false
}

// Get returns a copy of the open position at address
func (l *Ledger) Get(address string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[address]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of open positions ordered by open time
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedLocked()
}

func (l *Ledger) sortedLocked() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Total starting capital
func (l *Ledger) Total() decimal.Decimal {
	return l.totalCapital
}

// Allocated capital held by open positions
func (l *Ledger) Allocated() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allocated
}

// Available unallocated capital
func (l *Ledger) Available() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalCapital.Sub(l.allocated)
}

// Realized cumulative realized P&L
func (l *Ledger) Realized() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// Count number of open positions
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"voltrader/market"
	"voltrader/metrics"
	"voltrader/risk"
)

// Generator reasoning service (implemented by mcp.Client)
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Batch result of one batched resolution, including what was exchanged with the service
type Batch struct {
	Decisions    []Decision
	SystemPrompt string
	UserPrompt   string
	RawResponse  string
	FailureCause error // Non-nil when the whole batch degraded to the fallback heuristic
	Timestamp    time.Time
}

// Resolver turns a batch of metric records into one decision per record
type Resolver struct {
	gen Generator
}

// NewResolver creates a resolver. A nil generator makes every batch use the fallback heuristic.
func NewResolver(gen Generator) *Resolver {
	return &Resolver{gen: gen}
}

// ResolveBatch returns exactly len(records) decisions, decisions[i] matching records[i].
// It never fails.
func (r *Resolver) ResolveBatch(ctx context.Context, records []market.MetricRecord, profile risk.Profile) []Decision {
	return r.Resolve(ctx, records, profile).Decisions
}

// Resolve is ResolveBatch plus the prompts and raw response for journaling
func (r *Resolver) Resolve(ctx context.Context, records []market.MetricRecord, profile risk.Profile) *Batch {
	batch := &Batch{Timestamp: time.Now()}
	if len(records) == 0 {
		batch.Decisions = []Decision{}
		return batch
	}

	batch.SystemPrompt = buildSystemPrompt(profile)
	batch.UserPrompt = buildUserPrompt(records)

	entries, cause := r.ask(ctx, batch)
	if cause != nil {
		log.Warn().Err(cause).Int("records", len(records)).Msg("⚠️  Reasoning unavailable, using fallback heuristic for the whole batch")
		batch.FailureCause = cause
	}

	batch.Decisions = reconcile(records, entries)
	for _, d := range batch.Decisions {
		metrics.DecisionsTotal.WithLabelValues(string(d.Source), string(d.Action)).Inc()
	}
	return batch
}

// ask performs the single batched call and parses the response
func (r *Resolver) ask(ctx context.Context, batch *Batch) (map[string]ResponseEntry, error) {
	if r.gen == nil {
		metrics.ReasoningFailures.WithLabelValues("disabled").Inc()
		return nil, fmt.Errorf("reasoning service not configured")
	}

	started := time.Now()
	raw, err := r.gen.Generate(ctx, batch.SystemPrompt, batch.UserPrompt)
	metrics.ReasoningLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ReasoningFailures.WithLabelValues("call").Inc()
		return nil, fmt.Errorf("reasoning call failed: %w", err)
	}
	batch.RawResponse = raw
	log.Debug().Str("preview", truncateString(raw, 500)).Msg("🔍 Reasoning response")

	parsed := ParseResponse(raw)
	if parsed.Failed() {
		metrics.ReasoningFailures.WithLabelValues("parse").Inc()
		return nil, fmt.Errorf("reasoning response unusable: %w", parsed.Err)
	}

	lookup := make(map[string]ResponseEntry, len(parsed.Entries))
	for _, e := range parsed.Entries {
		if _, dup := lookup[e.Identifier]; !dup {
			lookup[e.Identifier] = e
		}
	}
	return lookup, nil
}

// reconcile walks the input in order; records without a response entry fall back
func reconcile(records []market.MetricRecord, entries map[string]ResponseEntry) []Decision {
	decisions := make([]Decision, len(records))
	for i, rec := range records {
		e, ok := entries[rec.Identifier]
		if !ok {
			if entries != nil {
				log.Info().Str("identifier", rec.Identifier).Msg("ℹ️  No reasoning entry for asset, using fallback heuristic")
			}
			decisions[i] = Fallback(rec)
			continue
		}
		decisions[i] = Decision{
			Identifier:     rec.Identifier,
			Action:         normalizeAction(e.Action),
			PositionType:   normalizePositionType(e.PositionType, e.Action),
			Confidence:     AIConfidence,
			Reasoning:      e.Reasoning,
			ReferencePrice: rec.ReferencePrice(),
			Source:         SourceAI,
		}
	}
	return decisions
}

// normalizeAction case-insensitive substring match: OPEN, then CLOSE, else hold
func normalizeAction(action string) Action {
	upper := strings.ToUpper(action)
	switch {
	case strings.Contains(upper, "OPEN"):
		return ActionOpen
	case strings.Contains(upper, "CLOSE"):
		return ActionClose
	default:
		return ActionHold
	}
}

// normalizePositionType explicit field wins; otherwise short if the action mentions SHORT, else long
func normalizePositionType(positionType, action string) PositionType {
	switch strings.ToLower(positionType) {
	case "long":
		return PositionLong
	case "short":
		return PositionShort
	}
	if strings.Contains(strings.ToUpper(action), "SHORT") {
		return PositionShort
	}
	return PositionLong
}

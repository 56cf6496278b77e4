package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// HTTPProvider market analytics API client (volatility ranking, OHLC metrics, spot price)
type HTTPProvider struct {
	BaseURL    string
	APIKey     string
	MaxRetries int // Retries on transport errors and 5xx responses
	Limit      int // Ranking size requested from the API (0 = server default)

	httpClient *http.Client
	backoff    backoff.Backoff
}

// NewHTTPProvider creates an analytics API client
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		MaxRetries: 2,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		backoff: backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// statusError non-2xx API response
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("market API returned status %d: %s", e.Status, e.Body)
}

// FetchVolatilityRanked fetches the volatility ranking, sorted descending
func (p *HTTPProvider) FetchVolatilityRanked(ctx context.Context) ([]VolatilityEntry, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	body, err := p.get(ctx, "/v1/volatility", q)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch volatility ranking: %w", err)
	}

	var entries []VolatilityEntry
	for _, item := range dataArray(body) {
		id := firstString(item, "identifier", "id", "address")
		if id == "" {
			continue
		}
		entries = append(entries, VolatilityEntry{
			Identifier:    id,
			VolatilityPct: firstFloat(item, "volatility_pct", "volatility"),
			AveragePrice:  firstFloat(item, "average_price", "avg_price", "price"),
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("volatility ranking: %w", ErrNoData)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].VolatilityPct > entries[j].VolatilityPct
	})
	return entries, nil
}

// FetchMetrics fetches OHLC interval samples for the lookback window, sorted ascending
func (p *HTTPProvider) FetchMetrics(ctx context.Context, identifier string, lookbackHours int) ([]IntervalSample, error) {
	q := url.Values{}
	q.Set("identifier", identifier)
	q.Set("lookback_hours", strconv.Itoa(lookbackHours))
	body, err := p.get(ctx, "/v1/metrics", q)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics for %s: %w", identifier, err)
	}

	items := dataArray(body)
	samples := make([]IntervalSample, 0, len(items))
	for _, item := range items {
		s := IntervalSample{
			Open:   item.Get("open").Float(),
			High:   item.Get("high").Float(),
			Low:    item.Get("low").Float(),
			Close:  item.Get("close").Float(),
			Volume: item.Get("volume").Float(),
			Start:  parseTime(firstResult(item, "start", "interval_start", "time_open")),
			End:    parseTime(firstResult(item, "end", "interval_end", "time_close")),
		}
		if v := firstResult(item, "estimated_price", "estimate", "price"); isNumber(v) {
			s.EstimatedPrice = Float(v.Float())
		}
		if v := firstResult(item, "weighted_moving_average", "wma", "sma"); isNumber(v) {
			s.WeightedMovingAverage = Float(v.Float())
		}
		samples = append(samples, s)
	}

	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Start.Before(samples[j].Start)
	})
	return samples, nil
}

// CurrentPrice fetches the latest spot price
func (p *HTTPProvider) CurrentPrice(ctx context.Context, identifier string) (float64, error) {
	q := url.Values{}
	q.Set("identifier", identifier)
	body, err := p.get(ctx, "/v1/price", q)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", identifier, err)
	}
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.Exists() {
		root = data
	}
	price := firstFloat(root, "price", "value")
	if price <= 0 {
		return 0, fmt.Errorf("price for %s: %w", identifier, ErrNoData)
	}
	return price, nil
}

// get performs a GET with retry on transient failures
func (p *HTTPProvider) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	b := p.backoff
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := b.Duration()
			log.Debug().Str("path", path).Int("attempt", attempt).Dur("wait", wait).Msg("🔁 Retrying market API request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		body, err := p.getOnce(ctx, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (p *HTTPProvider) getOnce(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := p.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("X-API-KEY", p.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoData
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("market API returned invalid JSON: %s", truncate(string(body), 200))
	}
	return body, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, ErrNoData)
}

// dataArray returns the list under "data" (or "data.items"), or the root array
func dataArray(body []byte) []gjson.Result {
	root := gjson.ParseBytes(body)
	for _, path := range []string{"data.items", "data", "items"} {
		if r := root.Get(path); r.IsArray() {
			return r.Array()
		}
	}
	if root.IsArray() {
		return root.Array()
	}
	return nil
}

func firstResult(item gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := item.Get(k); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(item gjson.Result, keys ...string) string {
	return firstResult(item, keys...).String()
}

func firstFloat(item gjson.Result, keys ...string) float64 {
	return firstResult(item, keys...).Float()
}

func isNumber(r gjson.Result) bool {
	if r.Type == gjson.Number {
		return true
	}
	if r.Type == gjson.String {
		_, err := strconv.ParseFloat(r.Str, 64)
		return err == nil
	}
	return false
}

// parseTime accepts unix seconds, unix milliseconds or RFC3339
func parseTime(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		v := r.Int()
		if v > 1e12 {
			return time.UnixMilli(v).UTC()
		}
		return time.Unix(v, 0).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, r.Str); err == nil {
			return t.UTC()
		}
		if v, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
			return parseTime(gjson.Result{Type: gjson.Number, Num: float64(v), Raw: r.Str})
		}
	}
	return time.Time{}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

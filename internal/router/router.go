// Package router implements the CogniGraph Model Gateway.
//
// The router resolves "provider:model" identifiers to a registered provider
// driver, so the model can change from one call to the next. It rate-limits
// and retries each driver, tracks latency and token cost per model, and maps
// provider failures onto the gateway error taxonomy.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultProvider is used for model identifiers without a provider prefix.
const DefaultProvider = "google-genai"

var tracer = otel.Tracer("github.com/abhi9avx/cognigraph-ai/internal/router")

// ModelRouter routes model requests to registered provider drivers.
type ModelRouter struct {
	mu       sync.RWMutex
	drivers  map[string]contracts.ProviderDriver
	limiters map[string]*rate.Limiter

	defaultProvider string
	maxRetries      uint64
	initialBackoff  time.Duration

	// Latency tracking: model id → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64

	usageMu sync.Mutex
	usage   models.UsageSummary
}

// Option configures the router.
type Option func(*ModelRouter)

// WithDefaultProvider sets the provider used for bare model names.
func WithDefaultProvider(kind string) Option {
	return func(mr *ModelRouter) { mr.defaultProvider = kind }
}

// WithRetries sets how many times a retryable provider failure is retried.
func WithRetries(n uint64, initial time.Duration) Option {
	return func(mr *ModelRouter) {
		mr.maxRetries = n
		mr.initialBackoff = initial
	}
}

// WithRateLimit caps requests per second to one provider.
func WithRateLimit(kind string, rps float64, burst int) Option {
	return func(mr *ModelRouter) {
		if rps > 0 {
			mr.limiters[kind] = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewModelRouter creates a router with no drivers registered.
func NewModelRouter(opts ...Option) *ModelRouter {
	mr := &ModelRouter{
		drivers:         make(map[string]contracts.ProviderDriver),
		limiters:        make(map[string]*rate.Limiter),
		defaultProvider: DefaultProvider,
		maxRetries:      2,
		initialBackoff:  500 * time.Millisecond,
		latencies:       make(map[string]int64),
		usage:           models.UsageSummary{ByModel: make(map[string]models.TokenUsage)},
	}
	for _, opt := range opts {
		opt(mr)
	}
	return mr
}

// RegisterDriver adds or replaces a provider driver.
func (mr *ModelRouter) RegisterDriver(d contracts.ProviderDriver) {
	mr.mu.Lock()
	mr.drivers[d.Kind()] = d
	mr.mu.Unlock()
	log.Info().Str("kind", d.Kind()).Msg("Provider driver registered")
}

// GetDriver returns the driver for kind, or nil.
func (mr *ModelRouter) GetDriver(kind string) contracts.ProviderDriver {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.drivers[kind]
}

// ListDrivers returns registered driver kinds, sorted.
func (mr *ModelRouter) ListDrivers() []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	kinds := make([]string, 0, len(mr.drivers))
	for k := range mr.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ParseModelID splits "provider:model". A bare name gets the default provider.
func ParseModelID(id, defaultProvider string) (provider, model string) {
	if i := strings.Index(id, ":"); i > 0 {
		return id[:i], id[i+1:]
	}
	return defaultProvider, id
}

// Generate resolves req.Model, calls the driver and records usage.
func (mr *ModelRouter) Generate(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
	kind, model := ParseModelID(req.Model, mr.defaultProvider)
	ctx, span := tracer.Start(ctx, "router.generate", trace.WithAttributes(
		attribute.String("provider", kind),
		attribute.String("model", model),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
	))
	defer span.End()

	driver := mr.GetDriver(kind)
	if driver == nil {
		err := &contracts.GatewayError{Provider: kind, Model: model, Message: "no driver registered"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	result, err := mr.callWithRetry(ctx, driver, model, req)
	if err != nil {
		err = classify(ctx, kind, model, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	latencyMs := time.Since(start).Milliseconds()
	result.LatencyMs = latencyMs
	if result.Model == "" {
		result.Model = kind + ":" + model
	}
	if result.Usage.EstimatedCost == 0 {
		result.Usage.EstimatedCost = estimateCost(model, result.Usage)
	}
	mr.trackLatency(req.Model, latencyMs)
	mr.trackUsage(result.Model, result.Usage)

	span.SetAttributes(
		attribute.String("result.kind", string(result.Kind)),
		attribute.Int64("usage.total_tokens", result.Usage.TotalTokens),
	)
	return result, nil
}

func (mr *ModelRouter) callWithRetry(ctx context.Context, driver contracts.ProviderDriver, model string, req *models.ModelRequest) (*models.GatewayResult, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = mr.initialBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, mr.maxRetries), ctx)

	attempt := 0
	var result *models.GatewayResult
	op := func() error {
		attempt++
		if err := mr.wait(ctx, driver.Kind()); err != nil {
			return backoff.Permanent(err)
		}
		res, err := driver.Generate(ctx, model, req)
		if err != nil {
			var ge *contracts.GatewayError
			if errors.As(err, &ge) && ge.Retryable() && ctx.Err() == nil {
				log.Warn().
					Str("provider", driver.Kind()).
					Str("model", model).
					Int("attempt", attempt).
					Int("status", ge.StatusCode).
					Msg("Provider call failed, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return result, nil
}

func (mr *ModelRouter) wait(ctx context.Context, kind string) error {
	mr.mu.RLock()
	lim := mr.limiters[kind]
	mr.mu.RUnlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// classify maps a driver failure onto the taxonomy: deadline → ErrTimeout,
// everything else → ErrGateway.
func classify(ctx context.Context, kind, model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s:%s: %v", contracts.ErrTimeout, kind, model, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, contracts.ErrGateway) {
		return err
	}
	return &contracts.GatewayError{Provider: kind, Model: model, Message: err.Error(), Err: err}
}

// HealthCheck pings all registered drivers and returns their status.
func (mr *ModelRouter) HealthCheck(ctx context.Context) map[string]string {
	mr.mu.RLock()
	snapshot := make(map[string]contracts.ProviderDriver, len(mr.drivers))
	for k, v := range mr.drivers {
		snapshot[k] = v
	}
	mr.mu.RUnlock()

	status := make(map[string]string, len(snapshot))
	for kind, d := range snapshot {
		if err := d.HealthCheck(ctx); err != nil {
			status[kind] = "unhealthy: " + err.Error()
		} else {
			status[kind] = "healthy"
		}
	}
	return status
}

// ── Latency & Usage Tracking ────────────────────────────────

func (mr *ModelRouter) trackLatency(modelID string, latencyMs int64) {
	mr.latencyMu.Lock()
	defer mr.latencyMu.Unlock()
	prev := mr.latencies[modelID]
	if prev == 0 {
		mr.latencies[modelID] = latencyMs
		return
	}
	// Exponential moving average
	mr.latencies[modelID] = (prev*7 + latencyMs*3) / 10
}

// Latency returns the rolling average latency for a model id in ms.
func (mr *ModelRouter) Latency(modelID string) int64 {
	mr.latencyMu.RLock()
	defer mr.latencyMu.RUnlock()
	return mr.latencies[modelID]
}

func (mr *ModelRouter) trackUsage(modelID string, u models.TokenUsage) {
	mr.usageMu.Lock()
	defer mr.usageMu.Unlock()
	mr.usage.Calls++
	mr.usage.TotalTokens += u.TotalTokens
	mr.usage.TotalCostUSD += u.EstimatedCost
	agg := mr.usage.ByModel[modelID]
	agg.Add(u)
	mr.usage.ByModel[modelID] = agg
}

// UsageSummary returns a snapshot of token usage per model.
func (mr *ModelRouter) UsageSummary() models.UsageSummary {
	mr.usageMu.Lock()
	defer mr.usageMu.Unlock()
	out := mr.usage
	out.ByModel = make(map[string]models.TokenUsage, len(mr.usage.ByModel))
	for k, v := range mr.usage.ByModel {
		out.ByModel[k] = v
	}
	return out
}

// Known cost per 1K tokens (USD)
var defaultCosts = map[string]map[string]float64{
	"gpt-4o":                {"input": 0.0025, "output": 0.01},
	"gpt-4o-mini":           {"input": 0.00015, "output": 0.0006},
	"gemini-2.5-flash":      {"input": 0.0003, "output": 0.0025},
	"gemini-2.5-flash-lite": {"input": 0.0001, "output": 0.0004},
}

func estimateCost(model string, u models.TokenUsage) float64 {
	costs, ok := defaultCosts[model]
	if !ok {
		return 0
	}
	return float64(u.InputTokens)/1000*costs["input"] + float64(u.OutputTokens)/1000*costs["output"]
}

// defaultHTTPClient is shared by drivers that are not given their own client.
var defaultHTTPClient = &http.Client{Timeout: 120 * time.Second}

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/metrics"
)

const tracerName = "github.com/workato-devs/dewy-resort-sub000/internal/upstream"

// breakerTripFailures is the minimum run of consecutive failures that opens a
// provider's breaker. It is raised to the provider's attempt budget so a single
// Invoke always gets to spend its full budget.
const breakerTripFailures = 5

// Provider is one upstream endpoint with its call budget.
type Provider struct {
	Name          string
	Transport     Transport
	MaxAttempts   int
	CallTimeout   time.Duration
	RatePerSecond float64 // 0 disables rate limiting
	Burst         int
	ReadOnlyTools []string
}

// Options configures a Client.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Policy         *RetryPolicy // nil uses DefaultRetryPolicy
	Cache          ResponseCache
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider // nil uses the global provider
}

type providerState struct {
	Provider
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	readOnly map[string]struct{}
}

// Client invokes upstream providers. Safe for concurrent use.
type Client struct {
	providers      map[string]*providerState
	policy         RetryPolicy
	cache          ResponseCache
	metrics        *metrics.Metrics
	logger         *zap.Logger
	tracer         trace.Tracer
	initialBackoff time.Duration
	maxBackoff     time.Duration
	newID          func() string
}

// NewClient creates a client for the given providers.
func NewClient(providers []Provider, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := DefaultRetryPolicy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c := &Client{
		providers:      make(map[string]*providerState, len(providers)),
		policy:         policy,
		cache:          opts.Cache,
		metrics:        opts.Metrics,
		logger:         logger,
		tracer:         tp.Tracer(tracerName),
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		newID:          uuid.NewString,
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = 200 * time.Millisecond
	}
	if c.maxBackoff < c.initialBackoff {
		c.maxBackoff = c.initialBackoff
	}

	for _, p := range providers {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		if p.CallTimeout <= 0 {
			p.CallTimeout = 30 * time.Second
		}
		st := &providerState{Provider: p, readOnly: make(map[string]struct{}, len(p.ReadOnlyTools))}
		for _, name := range p.ReadOnlyTools {
			st.readOnly[name] = struct{}{}
		}
		if p.RatePerSecond > 0 {
			burst := p.Burst
			if burst < 1 {
				burst = 1
			}
			st.limiter = rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
		}
		st.breaker = c.newBreaker(p.Name, p.MaxAttempts)
		c.providers[p.Name] = st
	}
	return c
}

func (c *Client) newBreaker(name string, maxAttempts int) *gobreaker.CircuitBreaker {
	threshold := uint32(max(breakerTripFailures, maxAttempts))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Rejections and caller cancellations say nothing about provider health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			return c.policy.Classify(err).Kind == gatewayerr.KindUpstreamRejected
		},
	})
}

// HasProvider reports whether name is a configured provider.
func (c *Client) HasProvider(name string) bool {
	_, ok := c.providers[name]
	return ok
}

// Providers returns the configured provider names in sorted order.
func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsReadOnly reports whether tool is configured as read-only for provider.
func (c *Client) IsReadOnly(provider, tool string) bool {
	p, ok := c.providers[provider]
	if !ok {
		return false
	}
	_, ro := p.readOnly[tool]
	return ro
}

// Invoke performs op against provider, retrying retryable failures up to the
// provider's attempt budget. The caller deadline is checked before every attempt;
// each attempt has its own timeout. Mutating attempts are detached from caller
// cancellation so an in-flight write is never abandoned halfway.
func (c *Client) Invoke(ctx context.Context, provider string, op Operation, payload map[string]any) (*Result, error) {
	p, ok := c.providers[provider]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindConfiguration, "unknown provider %q", provider)
	}
	if field, found := findPlaceholder("", payload); found {
		return nil, gatewayerr.New(gatewayerr.KindSchemaValidation, "unresolved placeholder in %s", field)
	}

	useCache := c.cache != nil && !op.Mutating && !op.NoCache
	var cacheKey string
	if useCache {
		if key, err := CacheKey(provider, op, payload); err == nil {
			cacheKey = key
			if body, hit := c.cache.Get(ctx, key); hit {
				c.metrics.ObserveCacheLookup(provider, true)
				return &Result{
					Provider:      provider,
					Method:        op.Method,
					Tool:          op.Tool,
					CorrelationID: c.correlationFor(op, 1),
					Cached:        true,
					Body:          body,
				}, nil
			}
			c.metrics.ObserveCacheLookup(provider, false)
		}
	}

	base := ctx
	if op.Mutating {
		base = context.WithoutCancel(ctx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = c.maxBackoff
	bo.Reset()

	var last *gatewayerr.Error
	attempt := 0
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			return nil, deadlineError(provider, op, last, err)
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, deadlineError(provider, op, last, err)
			}
		}

		correlationID := c.correlationFor(op, attempt)
		body, err := c.attempt(base, p, op, payload, correlationID, attempt)
		if err == nil {
			if cacheKey != "" && cacheable(op, body) {
				c.cache.Set(ctx, cacheKey, body)
			}
			return &Result{
				Provider:      provider,
				Method:        op.Method,
				Tool:          op.Tool,
				CorrelationID: correlationID,
				Attempts:      attempt,
				Body:          body,
			}, nil
		}

		cls := c.policy.Classify(err)
		last = attemptError(provider, op, cls, correlationID, err)
		last.Attempts = attempt
		c.logger.Warn("upstream attempt failed",
			zap.String("provider", provider),
			zap.String("method", op.Method),
			zap.String("tool", op.Tool),
			zap.String("correlation_id", correlationID),
			zap.Int("attempt", attempt),
			zap.String("kind", string(cls.Kind)),
			zap.Bool("retryable", cls.Retryable),
			zap.Error(err),
		)

		if !cls.Retryable {
			return nil, last
		}
		if attempt >= p.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if cls.BackoffHint > delay {
			delay = cls.BackoffHint
		}
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			return nil, deadlineError(provider, op, last, context.DeadlineExceeded)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, deadlineError(provider, op, last, err)
		}
	}

	return nil, &gatewayerr.Error{
		Kind:          gatewayerr.KindUpstreamUnavailable,
		Message:       fmt.Sprintf("%s %s: retry budget exhausted after %d attempts", provider, opLabel(op), attempt),
		CorrelationID: last.CorrelationID,
		Status:        last.Status,
		Attempts:      attempt,
		Err:           last,
	}
}

func (c *Client) attempt(ctx context.Context, p *providerState, op Operation, payload map[string]any, correlationID string, n int) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "upstream.attempt", trace.WithAttributes(
		attribute.String("provider", p.Name),
		attribute.String("method", op.Method),
		attribute.String("tool", op.Tool),
		attribute.String("correlation_id", correlationID),
		attribute.Int("attempt", n),
	))
	defer span.End()

	start := time.Now()
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.Transport.Do(ctx, &Call{
			Method:         op.Method,
			Tool:           op.Tool,
			Arguments:      payload,
			CorrelationID:  correlationID,
			IdempotencyKey: op.IdempotencyKey,
		})
	})
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.ObserveUpstreamAttempt(p.Name, op.Method, string(c.policy.Classify(err).Kind), elapsed)
		return nil, err
	}
	c.metrics.ObserveUpstreamAttempt(p.Name, op.Method, "ok", elapsed)
	c.logger.Debug("upstream attempt succeeded",
		zap.String("provider", p.Name),
		zap.String("method", op.Method),
		zap.String("tool", op.Tool),
		zap.String("correlation_id", correlationID),
		zap.Int("attempt", n),
		zap.Duration("elapsed", elapsed),
	)
	return out.(json.RawMessage), nil
}

func attemptError(provider string, op Operation, cls Classification, correlationID string, cause error) *gatewayerr.Error {
	msg := fmt.Sprintf("%s %s failed", provider, opLabel(op))
	switch cls.Kind {
	case gatewayerr.KindUpstreamRejected:
		msg = cls.Message
	case gatewayerr.KindTimeout:
		msg = fmt.Sprintf("%s %s timed out", provider, opLabel(op))
	}
	return &gatewayerr.Error{
		Kind:          cls.Kind,
		Message:       msg,
		CorrelationID: correlationID,
		Status:        cls.Status,
		Err:           cause,
	}
}

func deadlineError(provider string, op Operation, last *gatewayerr.Error, cause error) *gatewayerr.Error {
	e := &gatewayerr.Error{
		Kind:    gatewayerr.KindTimeout,
		Message: fmt.Sprintf("%s %s: caller deadline exceeded", provider, opLabel(op)),
		Err:     cause,
	}
	if last != nil {
		e.CorrelationID = last.CorrelationID
		e.Attempts = last.Attempts
		e.Err = last
	}
	return e
}

func (c *Client) correlationFor(op Operation, attempt int) string {
	switch {
	case op.CorrelationID == "":
		return c.newID()
	case attempt == 1:
		return op.CorrelationID
	}
	return fmt.Sprintf("%s-%d", op.CorrelationID, attempt)
}

func opLabel(op Operation) string {
	if op.Tool == "" {
		return op.Method
	}
	return op.Method + " " + op.Tool
}

// cacheable excludes tool results flagged as errors.
func cacheable(op Operation, body json.RawMessage) bool {
	if op.Method != MethodCallTool {
		return true
	}
	var peek struct {
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return false
	}
	return !peek.IsError
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// findPlaceholder returns the path of the first string value still holding a {{...}} template.
func findPlaceholder(path string, v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if i := strings.Index(t, "{{"); i >= 0 && strings.Contains(t[i:], "}}") {
			return path, true
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			if p, ok := findPlaceholder(child, t[k]); ok {
				return p, true
			}
		}
	case []any:
		for i, e := range t {
			if p, ok := findPlaceholder(fmt.Sprintf("%s[%d]", path, i), e); ok {
				return p, true
			}
		}
	}
	return "", false
}

// ProvidersFromConfig builds a Provider with its transport for every configured provider.
// Credentials are read from the environment variable named by token_env.
func ProvidersFromConfig(cfg *config.Config, logger *zap.Logger) []Provider {
	out := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var token string
		if pc.TokenEnv != "" {
			token = os.Getenv(pc.TokenEnv)
			if token == "" {
				logger.Warn("provider token env var is empty",
					zap.String("provider", pc.Name), zap.String("env", pc.TokenEnv))
			}
		}

		var t Transport
		switch pc.Transport {
		case config.ProviderTransportMCP:
			t = NewMCPTransport(pc.URL, token, pc.Headers, pc.CallTimeout, logger)
		default:
			t = NewHTTPTransport(pc.URL, token, pc.Headers, &http.Client{})
		}

		out = append(out, Provider{
			Name:          pc.Name,
			Transport:     t,
			MaxAttempts:   pc.MaxAttempts,
			CallTimeout:   pc.CallTimeout,
			RatePerSecond: pc.RatePerSecond,
			Burst:         pc.Burst,
			ReadOnlyTools: pc.ReadOnlyTools,
		})
	}
	return out
}

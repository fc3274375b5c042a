package enrich

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/saaga0h/jeeves-synergy/internal/synergy/cache"
	"github.com/saaga0h/jeeves-synergy/internal/synergy/types"
	"github.com/saaga0h/jeeves-synergy/pkg/redis"
)

// Context types served by providers.
const (
	ContextWeather  = "weather"
	ContextCarbon   = "carbon_intensity"
	ContextSports   = "sports"
	ContextCalendar = "calendar"
)

// Where a context value came from.
const (
	SourceLive    = "live"
	SourceCache   = "cache"
	SourceDefault = "default"
)

// errProviderRejected marks a 4xx response, which retrying will not fix.
var errProviderRejected = errors.New("context provider rejected request")

// defaultContext is used when a provider is down and nothing is cached.
// The values describe "no information" rather than a guess.
var defaultContext = map[string]map[string]interface{}{
	ContextWeather: {
		"condition":     "unknown",
		"temperature_c": 15.0,
	},
	ContextCarbon: {
		"intensity_g_per_kwh": 250.0,
	},
	ContextSports: {
		"events": []interface{}{},
	},
	ContextCalendar: {
		"events": []interface{}{},
	},
}

// Provider fetches one kind of external context.
type Provider interface {
	Fetch(ctx context.Context, contextType string, params map[string]string) (map[string]interface{}, error)
}

// HTTPProvider serves context types from JSON HTTP endpoints.
type HTTPProvider struct {
	endpoints  map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPProvider creates a provider; endpoints maps context type to base URL.
// Types with an empty URL are reported as unavailable.
func NewHTTPProvider(endpoints map[string]string, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per-attempt deadlines come from the context
		},
		logger: logger.With("component", "context_provider"),
	}
}

// Fetch GETs the endpoint for contextType with params as query string.
func (p *HTTPProvider) Fetch(ctx context.Context, contextType string, params map[string]string) (map[string]interface{}, error) {
	base := p.endpoints[contextType]
	if base == "" {
		return nil, fmt.Errorf("no endpoint configured for %s", contextType)
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint for %s: %w", contextType, err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", errProviderRejected, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", contextType, resp.StatusCode, string(body))
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", contextType, err)
	}

	p.logger.Debug("Fetched context", "type", contextType)
	return out, nil
}

// FetcherConfig controls timeouts and retries for context lookups.
type FetcherConfig struct {
	Timeout  time.Duration // per attempt
	Retries  int           // retries after the first attempt
	Backoff  time.Duration // initial backoff, doubled per retry
	CacheTTL time.Duration // how long a fetched value may serve as fallback
}

// DefaultFetcherConfig returns 5s timeout, 2 retries with exponential backoff.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:  5 * time.Second,
		Retries:  2,
		Backoff:  500 * time.Millisecond,
		CacheTTL: 24 * time.Hour,
	}
}

// Result is a resolved context value and where it came from.
type Result struct {
	Values map[string]interface{}
	Source string
}

// ContextFetcher resolves context with retry, then cache, then default.
// It never returns an error to the caller.
type ContextFetcher struct {
	provider Provider
	cfg      FetcherConfig
	retrier  retry.Retry[map[string]interface{}]
	cache    *cache.Cache[map[string]interface{}]
	mirror   redis.Client // optional
	logger   *slog.Logger
}

// NewContextFetcher wires a provider with its fallback cache. mirror may be nil.
func NewContextFetcher(provider Provider, cfg FetcherConfig, store *cache.Cache[map[string]interface{}], mirror redis.Client, logger *slog.Logger) *ContextFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &ContextFetcher{
		provider: provider,
		cfg:      cfg,
		retrier: retry.New[map[string]interface{}](retry.Config{
			MaxAttempts:        cfg.Retries + 1,
			InitialDelay:       cfg.Backoff,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         2.0,
			NonRetryableErrors: []error{errProviderRejected},
		}),
		cache:  store,
		mirror: mirror,
		logger: logger.With("component", "context_fetcher"),
	}
}

// Fetch resolves one context value.
func (f *ContextFetcher) Fetch(ctx context.Context, contextType string, params map[string]string) Result {
	key := contextKey(contextType, params)

	attempts := 0
	values, err := f.retrier.Do(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
		return f.provider.Fetch(attemptCtx, contextType, params)
	})
	if err == nil && values != nil {
		f.remember(ctx, contextType, key, values)
		return Result{Values: values, Source: SourceLive}
	}

	fetchErr := &types.TransientContextFetchError{ContextType: contextType, Attempts: attempts, Err: err}
	f.logger.Warn("Context fetch failed, falling back", "error", fetchErr)

	if cached, ok := f.recall(ctx, contextType, key); ok {
		return Result{Values: cached, Source: SourceCache}
	}
	return Result{Values: DefaultContext(contextType), Source: SourceDefault}
}

func (f *ContextFetcher) remember(ctx context.Context, contextType, key string, values map[string]interface{}) {
	if f.cache != nil {
		f.cache.Put(key, values)
	}
	if f.mirror == nil {
		return
	}
	data, err := json.Marshal(values)
	if err != nil {
		return
	}
	if err := f.mirror.Set(ctx, redis.ContextCacheKey(contextType, hashKey(key)), data, f.cfg.CacheTTL); err != nil {
		f.logger.Warn("Failed to mirror context to Redis", "type", contextType, "error", err)
	}
}

func (f *ContextFetcher) recall(ctx context.Context, contextType, key string) (map[string]interface{}, bool) {
	if f.cache != nil {
		if v, ok := f.cache.Get(key); ok {
			return v, true
		}
	}
	if f.mirror == nil {
		return nil, false
	}

	raw, err := f.mirror.Get(ctx, redis.ContextCacheKey(contextType, hashKey(key)))
	if err != nil {
		return nil, false
	}
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	if f.cache != nil {
		f.cache.Put(key, v)
	}
	return v, true
}

// DefaultContext returns a copy of the documented default for a context type.
func DefaultContext(contextType string) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range defaultContext[contextType] {
		out[k] = v
	}
	return out
}

// Session memoizes lookups for the duration of one run.
type Session struct {
	fetcher *ContextFetcher
	mu      sync.Mutex
	memo    map[string]Result
}

// NewSession starts a per-run memo.
func (f *ContextFetcher) NewSession() *Session {
	return &Session{fetcher: f, memo: make(map[string]Result)}
}

// Get resolves a context value at most once per session.
func (s *Session) Get(ctx context.Context, contextType string, params map[string]string) Result {
	key := contextKey(contextType, params)

	s.mu.Lock()
	if r, ok := s.memo[key]; ok {
		s.mu.Unlock()
		return r
	}
	s.mu.Unlock()

	r := s.fetcher.Fetch(ctx, contextType, params)

	s.mu.Lock()
	s.memo[key] = r
	s.mu.Unlock()
	return r
}

func contextKey(contextType string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(contextType)
	for _, k := range names {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	return b.String()
}

func hashKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// Package candles exposes the candle provider: request candles for an Upbit
// market and timeframe, and the provider serves them from its in-memory
// cache, from SQLite storage, or by collecting the missing ranges from the
// exchange in API-sized chunks.
package candles

import (
	"context"
	"errors"
	"time"

	"github.com/marianogappa/upbit-candles/candles/cache"
	"github.com/marianogappa/upbit-candles/candles/common"
	"github.com/marianogappa/upbit-candles/candles/config"
	"github.com/marianogappa/upbit-candles/candles/gapfill"
	"github.com/marianogappa/upbit-candles/candles/processor"
	"github.com/marianogappa/upbit-candles/candles/repository"
	"github.com/marianogappa/upbit-candles/candles/upbit"
)

// Source labels where a response's candles came from.
const (
	SourceCache = "cache"
	SourceDB    = "db"
	SourceAPI   = "api"
	SourceMixed = "mixed"
)

// ResponseError is the structured error surface of a failed response.
type ResponseError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// CandleResponse is the uniform response envelope of GetCandles.
type CandleResponse struct {
	Success        bool            `json:"success"`
	Candles        []common.Candle `json:"candles,omitempty"`
	TotalCount     int             `json:"total_count"`
	Source         string          `json:"source,omitempty"`
	ResponseTimeMS int64           `json:"response_time_ms"`

	// Exhausted means the exchange has no candles older than what was returned.
	Exhausted bool `json:"exhausted,omitempty"`

	// Partial means fewer candles than requested exist, due to exhaustion.
	Partial bool `json:"partial,omitempty"`

	// PartialCandles holds the candles collected before a failure. Never set
	// on success; failed collections keep their progress visible rather than
	// silently discarding it.
	PartialCandles []common.Candle `json:"partial_candles,omitempty"`

	Error *ResponseError `json:"error,omitempty"`
}

// Provider is the facade over cache, storage, overlap analysis and chunked
// collection. Safe for concurrent use; concurrent requests for distinct
// (symbol, timeframe) pairs proceed in parallel, a second collection for a
// pair already collecting is refused.
type Provider struct {
	cfg         config.Config
	repo        *repository.Repository
	client      *upbit.Client
	cache       *cache.MemoryCache
	processor   *processor.Processor
	timeNowFunc func() time.Time
	debug       bool
}

// NewProvider constructs a Provider backed by SQLite storage at the
// configured path.
func NewProvider(options ...func(*Provider)) (*Provider, error) {
	p := &Provider{cfg: config.Default(), timeNowFunc: time.Now}
	for _, option := range options {
		option(p)
	}

	if p.repo == nil {
		repo, err := repository.Open(p.cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		p.repo = repo
	}
	if p.client == nil {
		clientOptions := []func(*upbit.Client){
			upbit.WithRateLimit(p.cfg.RateLimitPerMinute),
		}
		if p.cfg.BaseURL != "" {
			clientOptions = append(clientOptions, upbit.WithBaseURL(p.cfg.BaseURL))
		}
		p.client = upbit.NewClient(clientOptions...)
	}
	if p.cache == nil {
		p.cache = cache.NewMemoryCache(p.cfg.CacheMaxEntries, p.cfg.CacheTTL())
	}
	if p.processor == nil {
		detector := gapfill.New()
		detector.CapDailyAndAbove = p.cfg.SyntheticCapDailyAndAbove
		p.processor = processor.New(p.repo, p.client,
			processor.WithChunkSize(p.cfg.ChunkSize),
			processor.WithRetry(p.cfg.ChunkRetryMax, p.cfg.ChunkRetryBaseDelay()),
			processor.WithDetector(detector),
			processor.WithTimeNowFunc(p.timeNowFunc),
		)
	}
	if p.cfg.Debug {
		p.SetDebug(true)
	}
	return p, nil
}

// WithConfig supplies the full configuration at construction time.
func WithConfig(cfg config.Config) func(*Provider) {
	return func(p *Provider) { p.cfg = cfg }
}

// WithRepository injects a pre-built repository, e.g. an in-memory one in tests.
func WithRepository(repo *repository.Repository) func(*Provider) {
	return func(p *Provider) { p.repo = repo }
}

// WithClient injects a pre-built exchange client.
func WithClient(client *upbit.Client) func(*Provider) {
	return func(p *Provider) { p.client = client }
}

// WithTimeNowFunc injects the clock used for request resolution.
func WithTimeNowFunc(fn func() time.Time) func(*Provider) {
	return func(p *Provider) { p.timeNowFunc = fn }
}

// SetDebug sets debug logging across all layers. Useful to see how often the
// exchange is actually requested.
func (p *Provider) SetDebug(debug bool) {
	p.debug = debug
	p.repo.SetDebug(debug)
	p.client.SetDebug(debug)
	p.processor.SetDebug(debug)
}

// Close releases the underlying database handle.
func (p *Provider) Close() error { return p.repo.Close() }

// GetCandles resolves and serves a candle request. The response envelope is
// always populated; the returned error carries the same failure for callers
// that prefer errors.Is.
func (p *Provider) GetCandles(ctx context.Context, req common.Request) (CandleResponse, error) {
	started := time.Now()
	respond := func(resp CandleResponse, err error) (CandleResponse, error) {
		resp.ResponseTimeMS = time.Since(started).Milliseconds()
		if err != nil {
			resp.Success = false
			resp.Error = &ResponseError{Kind: common.ErrorKind(err), Detail: err.Error()}
		}
		return resp, err
	}

	resolved, err := req.Resolve(p.timeNowFunc())
	if err != nil {
		return respond(CandleResponse{}, err)
	}

	fingerprint := resolved.Fingerprint()
	if cached, ok := p.cache.Get(fingerprint); ok {
		return respond(CandleResponse{
			Success:    true,
			Candles:    cached,
			TotalCount: len(cached),
			Source:     SourceCache,
		}, nil)
	}

	expected, err := resolved.ExpectedCount()
	if err != nil {
		return respond(CandleResponse{}, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DeadlineFor(expected))
	defer cancel()

	result, err := p.processor.Execute(ctx, resolved, processor.Options{
		OnStored: func(symbol string, tf common.Timeframe) {
			p.cache.InvalidatePair(symbol, tf)
		},
	})
	if err != nil {
		return respond(CandleResponse{PartialCandles: result.Candles}, err)
	}

	p.cache.Put(fingerprint, result.Candles)
	return respond(CandleResponse{
		Success:    true,
		Candles:    result.Candles,
		TotalCount: len(result.Candles),
		Source:     sourceOf(result),
		Exhausted:  result.Exhausted,
		Partial:    result.Exhausted && len(result.Candles) < expected,
	}, nil)
}

// EstimateCalls plans a request without fetching or storing anything and
// reports how many API calls serving it would take right now.
func (p *Provider) EstimateCalls(ctx context.Context, req common.Request) (int, error) {
	resolved, err := req.Resolve(p.timeNowFunc())
	if err != nil {
		return 0, err
	}
	result, err := p.processor.Execute(ctx, resolved, processor.Options{DryRun: true})
	if err != nil {
		return 0, err
	}
	return result.APICalls, nil
}

// CalculateCacheHitRatio returns the percentage of cache requests served from
// the cache. Used to see if the cache is useful.
func (p *Provider) CalculateCacheHitRatio() float64 {
	requests, misses := p.cache.Stats()
	if requests == 0 {
		return 0
	}
	return float64(requests-misses) / float64(requests) * 100
}

func sourceOf(result processor.CollectionResult) string {
	switch {
	case result.FetchedChunks == 0:
		return SourceDB
	case result.SkippedChunks == 0:
		return SourceAPI
	default:
		return SourceMixed
	}
}

// Cancellation is detected via errors.Is(err, common.ErrCancelled); kept here
// so callers need not import the processor package for the check.
func IsCancelled(err error) bool { return errors.Is(err, common.ErrCancelled) }

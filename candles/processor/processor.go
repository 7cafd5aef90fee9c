// Package processor implements the chunk processor: it converts a resolved
// request into a collection plan, then loops newest-to-oldest over API-sized
// chunks, consulting the overlap analyzer before each fetch, passing upstream
// responses through the empty candle detector, and persisting via the
// repository until the plan completes or the exchange runs out of history.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marianogappa/upbit-candles/candles/common"
	"github.com/marianogappa/upbit-candles/candles/gapfill"
	"github.com/marianogappa/upbit-candles/candles/overlap"
)

const (
	// DefaultRetryMax is the default number of attempts per chunk fetch.
	DefaultRetryMax = 3
	// DefaultRetryBaseDelay is the first backoff sleep; it doubles per retry.
	DefaultRetryBaseDelay = time.Second
)

// Fetcher is the rate-limited upstream primitive: up to count candles
// strictly before the exclusive anchor, ascending.
type Fetcher interface {
	FetchCandles(ctx context.Context, symbol string, tf common.Timeframe, to time.Time, count int) ([]common.Candle, error)
}

// Repository is the storage surface the processor drives.
type Repository interface {
	overlap.Store
	Save(ctx context.Context, symbol string, tf common.Timeframe, candles []common.Candle) (int, error)
	ReadRange(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time, limit int) ([]common.Candle, error)
	ReadLastN(ctx context.Context, symbol string, tf common.Timeframe, end time.Time, n int) ([]common.Candle, error)
	LastCloseBefore(ctx context.Context, symbol string, tf common.Timeframe, t time.Time) (common.JSONFloat64, bool, error)
}

// Status is a collection plan's lifecycle state.
type Status string

const (
	// StatusPlanning means the plan is being derived from the request.
	StatusPlanning Status = "planning"
	// StatusFetching means an upstream call is in flight.
	StatusFetching Status = "fetching"
	// StatusProcessing means a response is being gap-filled.
	StatusProcessing Status = "processing"
	// StatusStoring means a chunk is being persisted.
	StatusStoring Status = "storing"
	// StatusCompleted means the plan reached its target.
	StatusCompleted Status = "completed"
	// StatusExhausted means the exchange has no data older than some point.
	StatusExhausted Status = "exhausted"
)

// ProgressEvent is the fire-and-forget per-chunk progress report. Subscribers
// must not block; a dropped or ignored event is acceptable.
type ProgressEvent struct {
	Status             Status
	CollectedCount     int
	ChunksDone         int
	EstimatedRemaining time.Duration
}

// Options tweak a single Execute run.
type Options struct {
	// Progress, when set, receives one event per chunk. It is called on the
	// processor's goroutine and must return quickly.
	Progress func(ProgressEvent)

	// DryRun plans and announces chunks but performs no fetch and no save.
	// Used for cost estimation.
	DryRun bool

	// OnStored, when set, is called after every successful repository write
	// for the pair. The facade uses it to invalidate cache entries.
	OnStored func(symbol string, tf common.Timeframe)
}

// CollectionResult is the outcome of one Execute run.
type CollectionResult struct {
	Success bool

	// Candles is the requested range on success. On failure it holds whatever
	// the target window already has in storage, so callers can expose the
	// partial progress alongside the error.
	Candles       []common.Candle
	TotalFetched  int
	TotalStored   int
	APICalls      int
	FetchedChunks int
	SkippedChunks int
	Elapsed       time.Duration
	Status        string
	Exhausted     bool
}

// Processor drives collections. One Execute at a time per (symbol, timeframe)
// pair; different pairs run fully in parallel.
type Processor struct {
	repo           Repository
	fetcher        Fetcher
	analyzer       *overlap.Analyzer
	detector       *gapfill.Detector
	coordinator    *Coordinator
	chunkSize      int
	retryMax       int
	retryBaseDelay time.Duration
	timeNowFunc    func() time.Time
	debug          bool
}

// New constructs a Processor over a repository and an upstream fetcher.
func New(repo Repository, fetcher Fetcher, options ...func(*Processor)) *Processor {
	p := &Processor{
		repo:           repo,
		fetcher:        fetcher,
		analyzer:       overlap.New(repo),
		detector:       gapfill.New(),
		coordinator:    NewCoordinator(),
		chunkSize:      common.MaxChunkSize,
		retryMax:       DefaultRetryMax,
		retryBaseDelay: DefaultRetryBaseDelay,
		timeNowFunc:    time.Now,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// WithChunkSize overrides the per-call candle count, capped at the exchange maximum.
func WithChunkSize(size int) func(*Processor) {
	return func(p *Processor) {
		if size > 0 && size <= common.MaxChunkSize {
			p.chunkSize = size
		}
	}
}

// WithRetry overrides the per-chunk retry policy.
func WithRetry(max int, baseDelay time.Duration) func(*Processor) {
	return func(p *Processor) {
		p.retryMax = max
		p.retryBaseDelay = baseDelay
	}
}

// WithDetector overrides the empty candle detector, e.g. for cap policy.
func WithDetector(d *gapfill.Detector) func(*Processor) {
	return func(p *Processor) { p.detector = d }
}

// WithTimeNowFunc injects the clock.
func WithTimeNowFunc(fn func() time.Time) func(*Processor) {
	return func(p *Processor) { p.timeNowFunc = fn }
}

// SetDebug enables verbose per-chunk logging.
func (p *Processor) SetDebug(debug bool) { p.debug = debug }

// plan is the mutable state of one collection run.
type plan struct {
	targetCount   int       // 0 for pure window requests
	targetStart   time.Time // zero for latest-N requests
	targetEnd     time.Time
	currentTo     time.Time
	oldestCovered time.Time
	collected     int
	chunksDone    int
	status        Status
}

// Execute runs a collection to completion.
//
// * Fails with ErrConcurrentCollection if the pair's slot is taken.
//
// * Fails with ErrCancelled when ctx is cancelled; candles already written stay.
//
// * Fails with ErrUpstreamUnavailable after per-chunk retries are exhausted.
func (p *Processor) Execute(ctx context.Context, req common.ResolvedRequest, opts Options) (CollectionResult, error) {
	pairKey := common.PairKey(req.Symbol, req.Timeframe)
	if !p.coordinator.TryAcquire(pairKey) {
		return CollectionResult{}, fmt.Errorf("%w: %v", common.ErrConcurrentCollection, pairKey)
	}
	defer p.coordinator.Release(pairKey)

	started := p.timeNowFunc()
	result, err := p.run(ctx, req, opts)
	if err != nil && !opts.DryRun {
		// Candles written before the failure are valid; hand back what the
		// target window has so far. A fresh context because the request's own
		// may already be cancelled.
		if partial, readErr := p.finalRead(context.Background(), req); readErr == nil {
			result.Candles = partial
		}
	}
	result.Elapsed = p.timeNowFunc().Sub(started)
	return result, err
}

func (p *Processor) run(ctx context.Context, req common.ResolvedRequest, opts Options) (CollectionResult, error) {
	var (
		symbol = req.Symbol
		tf     = req.Timeframe
		result = CollectionResult{Status: string(StatusPlanning)}
	)

	expectedTotal, err := req.ExpectedCount()
	if err != nil {
		return result, err
	}
	pl := &plan{
		targetCount: req.Count,
		targetStart: req.Start,
		targetEnd:   req.End,
		currentTo:   req.End,
		status:      StatusPlanning,
	}
	runStarted := p.timeNowFunc()
	maxIterations := 2*((expectedTotal+p.chunkSize-1)/p.chunkSize) + 4

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			result.Status = "cancelled"
			return result, fmt.Errorf("%w: %v", common.ErrCancelled, err)
		}
		if iteration >= maxIterations {
			result.Status = "iteration ceiling exceeded"
			return result, fmt.Errorf("%w: aborted after %d chunk iterations", common.ErrUpstreamUnavailable, iteration)
		}

		chunkEnd := pl.currentTo
		// Latest-N requests shrink the final chunk to the remaining target so
		// the exchange is never asked for rows the caller did not want.
		span := p.chunkSize
		if pl.targetCount > 0 && pl.targetStart.IsZero() {
			if remaining := pl.targetCount - pl.collected; remaining < span {
				span = remaining
			}
		}
		chunkStart, err := common.Advance(chunkEnd, tf, -(span - 1))
		if err != nil {
			return result, err
		}
		if !pl.targetStart.IsZero() && chunkStart.Before(pl.targetStart) {
			chunkStart = pl.targetStart
		}
		expectedChunk, err := common.CountBetween(chunkStart, chunkEnd, tf)
		if err != nil {
			return result, err
		}

		analysis, err := p.analyzer.Analyze(ctx, overlap.Request{
			Symbol: symbol, Timeframe: tf,
			TargetStart: chunkStart, TargetEnd: chunkEnd,
			ExpectedCount: expectedChunk,
		})
		if err != nil {
			return result, err
		}
		if p.debug {
			log.Info().Str("pair", common.PairKey(symbol, tf)).
				Str("chunk_start", common.FormatUTC(chunkStart)).
				Str("chunk_end", common.FormatUTC(chunkEnd)).
				Str("overlap", analysis.State.String()).
				Bool("dry_run", opts.DryRun).
				Msg("planned chunk")
		}

		exhausted := false
		switch {
		case opts.DryRun:
			if analysis.NeedsFetch {
				result.APICalls++
				result.FetchedChunks++
			} else {
				result.SkippedChunks++
			}
			pl.collected += expectedChunk
		case !analysis.NeedsFetch:
			result.SkippedChunks++
		default:
			exhausted, err = p.collectChunk(ctx, symbol, tf, analysis, &result, opts)
			if err != nil {
				result.Status = string(pl.status)
				return result, err
			}
			result.FetchedChunks++
		}

		pl.oldestCovered = chunkStart
		pl.chunksDone++

		if !opts.DryRun {
			lowBound := pl.targetStart
			if lowBound.IsZero() {
				lowBound = pl.oldestCovered
			}
			pl.collected, err = p.repo.CountInRange(ctx, symbol, tf, lowBound, pl.targetEnd)
			if err != nil {
				return result, err
			}
		}
		if pl.currentTo, err = common.Advance(chunkStart, tf, -1); err != nil {
			return result, err
		}

		done := false
		switch {
		case pl.targetCount > 0 && pl.collected >= pl.targetCount:
			pl.status, done = StatusCompleted, true
		case !pl.targetStart.IsZero() && pl.currentTo.Before(pl.targetStart):
			pl.status, done = StatusCompleted, true
		case exhausted:
			pl.status, done = StatusExhausted, true
		}

		p.emitProgress(opts, pl, expectedTotal, p.timeNowFunc().Sub(runStarted))
		if done {
			break
		}
	}

	result.Status = string(pl.status)
	result.Exhausted = pl.status == StatusExhausted
	result.Success = true
	if opts.DryRun {
		return result, nil
	}

	result.Candles, err = p.finalRead(ctx, req)
	if err != nil {
		return result, err
	}
	return result, nil
}

// collectChunk fetches, gap-fills and stores one chunk. Returns true when the
// exchange reported no candles older than the chunk, i.e. series exhaustion.
func (p *Processor) collectChunk(ctx context.Context, symbol string, tf common.Timeframe, analysis overlap.Result, result *CollectionResult, opts Options) (bool, error) {
	// The exchange's anchor is exclusive; one step past the inclusive chunk end.
	anchor, err := common.Advance(analysis.FetchTo, tf, 1)
	if err != nil {
		return false, err
	}
	count := analysis.FetchCount
	if count > p.chunkSize {
		count = p.chunkSize
	}

	fetched, apiCalls, err := p.fetchWithRetry(ctx, symbol, tf, anchor, count)
	result.APICalls += apiCalls
	if errors.Is(err, common.ErrOutOfCandles) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	result.TotalFetched += len(fetched)

	prevClose, hasPrevClose, err := p.repo.LastCloseBefore(ctx, symbol, tf, analysis.FetchFrom)
	if err != nil {
		return false, err
	}

	// When the series starts inside the chunk and nothing older exists, the
	// grid is clamped to the first real candle so pre-listing slots are not
	// fabricated.
	gridStart := analysis.FetchFrom
	if !hasPrevClose && len(fetched) > 0 {
		firstOpen, err := fetched[0].OpenTime()
		if err != nil {
			return false, err
		}
		if firstOpen.After(gridStart) {
			gridStart = firstOpen
		}
	}

	filled, err := p.detector.Fill(symbol, tf, gridStart, analysis.FetchTo, fetched, prevClose, hasPrevClose)
	if err != nil {
		return false, err
	}

	stored, err := p.repo.Save(ctx, symbol, tf, filled)
	if err != nil {
		return false, err
	}
	result.TotalStored += stored
	if opts.OnStored != nil {
		opts.OnStored(symbol, tf)
	}
	return false, nil
}

func (p *Processor) fetchWithRetry(ctx context.Context, symbol string, tf common.Timeframe, to time.Time, count int) ([]common.Candle, int, error) {
	var (
		attempts int
		delay    = p.retryBaseDelay
		lastErr  error
	)
	for attempt := 0; attempt < p.retryMax; attempt++ {
		candles, err := p.fetcher.FetchCandles(ctx, symbol, tf, to, count)
		attempts++
		if err == nil {
			return candles, attempts, nil
		}
		lastErr = err

		var reqErr common.ReqError
		if errors.As(err, &reqErr) && reqErr.IsNotRetryable {
			break
		}
		if attempt == p.retryMax-1 {
			break
		}
		if reqErr.RetryAfter > delay {
			delay = reqErr.RetryAfter
		}
		if p.debug {
			log.Info().Err(err).Int("attempts_left", p.retryMax-attempt-1).Dur("sleep", delay).Msg("chunk fetch failed, retrying")
		}
		select {
		case <-ctx.Done():
			return nil, attempts, fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
		case <-time.After(jitter(delay)):
		}
		delay *= 2
	}
	return nil, attempts, lastErr
}

// jitter spreads a delay by ±20% so concurrent collections do not retry in
// lockstep.
func jitter(d time.Duration) time.Duration {
	spread := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * spread)
}

func (p *Processor) emitProgress(opts Options, pl *plan, expectedTotal int, elapsed time.Duration) {
	if opts.Progress == nil {
		return
	}
	var estimated time.Duration
	if pl.chunksDone > 0 && expectedTotal > pl.collected {
		remainingChunks := (expectedTotal - pl.collected + p.chunkSize - 1) / p.chunkSize
		estimated = elapsed / time.Duration(pl.chunksDone) * time.Duration(remainingChunks)
	}
	opts.Progress(ProgressEvent{
		Status:             pl.status,
		CollectedCount:     pl.collected,
		ChunksDone:         pl.chunksDone,
		EstimatedRemaining: estimated,
	})
}

// finalRead produces the requested candles in ascending order from storage.
func (p *Processor) finalRead(ctx context.Context, req common.ResolvedRequest) ([]common.Candle, error) {
	if req.Count > 0 && req.Start.IsZero() {
		return p.repo.ReadLastN(ctx, req.Symbol, req.Timeframe, req.End, req.Count)
	}
	limit := 0
	if req.Count > 0 {
		limit = req.Count
	}
	return p.repo.ReadRange(ctx, req.Symbol, req.Timeframe, req.Start, req.End, limit)
}

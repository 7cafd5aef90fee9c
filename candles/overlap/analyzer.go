// Package overlap classifies how a requested time window relates to the
// candles already in storage, so that the chunk processor only fetches the
// sub-range that is actually missing.
package overlap

import (
	"context"
	"fmt"
	"time"

	"github.com/marianogappa/upbit-candles/candles/common"
)

// Store is the subset of repository predicates the analyzer needs. It
// performs no other I/O and never mutates state.
type Store interface {
	HasAnyInRange(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time) (bool, error)
	IsRangeComplete(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time, expectedCount int) (bool, error)
	HasDataAt(ctx context.Context, symbol string, tf common.Timeframe, t time.Time) (bool, error)
	CountInRange(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time) (int, error)
	FindLastContinuousTimeFrom(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time) (time.Time, bool, error)
	FindDataStartInRange(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time) (time.Time, bool, error)
}

// State is the five-valued classification of how a target interval relates to
// existing stored data.
type State int

const (
	// NoOverlap means not a single row is present in the interval.
	NoOverlap State = iota
	// CompleteOverlap means every expected boundary is present.
	CompleteOverlap
	// PartialStart means storage is continuous from some interior point
	// through the newest end; only the older portion needs fetching.
	PartialStart
	// PartialMiddleContinuous means a single contiguous block sits in the
	// middle, touching neither boundary.
	PartialMiddleContinuous
	// PartialMiddleFragment means scattered rows with no useful prefix or
	// suffix block.
	PartialMiddleFragment
)

func (s State) String() string {
	switch s {
	case NoOverlap:
		return "NO_OVERLAP"
	case CompleteOverlap:
		return "COMPLETE_OVERLAP"
	case PartialStart:
		return "PARTIAL_START"
	case PartialMiddleContinuous:
		return "PARTIAL_MIDDLE_CONTINUOUS"
	case PartialMiddleFragment:
		return "PARTIAL_MIDDLE_FRAGMENT"
	default:
		return "UNKNOWN"
	}
}

// Request is the analyzer's input: a grid-aligned target window plus its
// expected boundary count.
type Request struct {
	Symbol        string
	Timeframe     common.Timeframe
	TargetStart   time.Time
	TargetEnd     time.Time
	ExpectedCount int
}

// Result carries the classification and, when a fetch is needed, the concrete
// sub-range to hand to the upstream fetcher. For full-fetch states the range
// is the whole target interval.
type Result struct {
	State      State
	NeedsFetch bool
	FetchFrom  time.Time
	FetchTo    time.Time
	FetchCount int
}

// Analyzer classifies target windows against a Store.
type Analyzer struct {
	store Store
}

// New constructs an Analyzer over the given store.
func New(store Store) *Analyzer {
	return &Analyzer{store: store}
}

// Analyze classifies the target window. Steps run in order for early
// termination; repository I/O failures propagate unchanged.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	symbol, tf, start, end := req.Symbol, req.Timeframe, req.TargetStart, req.TargetEnd
	if !common.IsAligned(start, tf) || !common.IsAligned(end, tf) {
		return Result{}, fmt.Errorf("%w: overlap target must be aligned to %v", common.ErrUnalignedTimestamp, tf)
	}

	fullFetch := func(state State) (Result, error) {
		count, err := common.CountBetween(start, end, tf)
		if err != nil {
			return Result{}, err
		}
		return Result{State: state, NeedsFetch: true, FetchFrom: start, FetchTo: end, FetchCount: count}, nil
	}

	hasAny, err := a.store.HasAnyInRange(ctx, symbol, tf, start, end)
	if err != nil {
		return Result{}, err
	}
	if !hasAny {
		return fullFetch(NoOverlap)
	}

	complete, err := a.store.IsRangeComplete(ctx, symbol, tf, start, end, req.ExpectedCount)
	if err != nil {
		return Result{}, err
	}
	if complete {
		return Result{State: CompleteOverlap}, nil
	}

	dataStart, _, err := a.store.FindDataStartInRange(ctx, symbol, tf, start, end)
	if err != nil {
		return Result{}, err
	}

	hasNewest, err := a.store.HasDataAt(ctx, symbol, tf, end)
	if err != nil {
		return Result{}, err
	}
	if hasNewest {
		// The range is incomplete yet the newest end is present. If the block
		// starting at the oldest present row runs unbroken through the end,
		// only [start, dataStart-1) is missing.
		lastContinuous, found, err := a.store.FindLastContinuousTimeFrom(ctx, symbol, tf, dataStart, end)
		if err != nil {
			return Result{}, err
		}
		if found && lastContinuous.Equal(end) && dataStart.After(start) {
			fetchTo, err := common.Advance(dataStart, tf, -1)
			if err != nil {
				return Result{}, err
			}
			count, err := common.CountBetween(start, fetchTo, tf)
			if err != nil {
				return Result{}, err
			}
			return Result{State: PartialStart, NeedsFetch: true, FetchFrom: start, FetchTo: fetchTo, FetchCount: count}, nil
		}
		return fullFetch(PartialMiddleFragment)
	}

	// No data at the newest end: a single interior contiguous block is
	// "middle continuous", anything else is fragments. Both fetch the full
	// interval; the distinction only informs logging and tests.
	if dataStart.After(start) {
		lastContinuous, found, err := a.store.FindLastContinuousTimeFrom(ctx, symbol, tf, dataStart, end)
		if err != nil {
			return Result{}, err
		}
		if found {
			blockCount, err := common.CountBetween(dataStart, lastContinuous, tf)
			if err != nil {
				return Result{}, err
			}
			totalCount, err := a.store.CountInRange(ctx, symbol, tf, start, end)
			if err != nil {
				return Result{}, err
			}
			if blockCount == totalCount {
				return fullFetch(PartialMiddleContinuous)
			}
		}
	}
	return fullFetch(PartialMiddleFragment)
}

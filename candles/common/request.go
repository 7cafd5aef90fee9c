package common

import (
	"fmt"
	"strings"
	"time"
)

// Request specifies a candle collection. Exactly one of the three parameter
// combinations must be supplied:
//
//   - Count alone (optionally anchored at To): the N most recent candles.
//   - StartTime + Count: N candles starting at/after StartTime.
//   - StartTime + EndTime: all candles in the closed window.
//
// ExclusiveStart controls whether the candle at exactly StartTime counts as
// the first returned candle; the zero value (inclusive) is the default.
type Request struct {
	Symbol         string
	Timeframe      Timeframe
	Count          int
	To             time.Time
	StartTime      time.Time
	EndTime        time.Time
	ExclusiveStart bool
}

// ResolvedRequest is the canonical form of a Request: aligned bounds, clamped
// anchor, exclusivity folded into Start. It is the unit the chunk processor,
// cache and repository operate on.
type ResolvedRequest struct {
	Symbol    string
	Timeframe Timeframe

	// Count is the target number of candles; 0 for pure window requests.
	Count int

	// Start is the oldest boundary wanted, or the zero time for latest-N
	// requests, which are bounded only by Count.
	Start time.Time

	// End is the newest boundary wanted, inclusive, aligned, never in the future.
	End time.Time

	// ExclusiveStart is retained for fingerprinting; its shift is already
	// applied to Start.
	ExclusiveStart bool
}

// Resolve validates the request against the provider contract and produces
// its canonical form. now is injected for testability.
//
// * Fails with ErrValidation listing every violation found.
func (r Request) Resolve(now time.Time) (ResolvedRequest, error) {
	var violations []string

	if r.Symbol == "" {
		violations = append(violations, "symbol must not be empty")
	}
	if !r.Timeframe.Valid() {
		violations = append(violations, fmt.Sprintf("timeframe %q is not supported", r.Timeframe))
	}
	if r.Count < 0 {
		violations = append(violations, "count must not be negative")
	}
	if r.Count > MaxRequestCount {
		violations = append(violations, fmt.Sprintf("count %d exceeds the maximum of %d", r.Count, MaxRequestCount))
	}

	hasStart, hasEnd := !r.StartTime.IsZero(), !r.EndTime.IsZero()
	switch {
	case r.Count > 0 && !hasEnd: // latest-N or start+count
	case r.Count == 0 && hasStart && hasEnd: // window
	default:
		violations = append(violations, "exactly one of count, start_time+count or start_time+end_time must be supplied")
	}
	if hasStart && hasEnd && !r.StartTime.Before(r.EndTime) {
		violations = append(violations, "start_time must be before end_time")
	}
	if hasStart && r.StartTime.After(now) {
		violations = append(violations, "start_time must not be in the future")
	}
	if len(violations) > 0 {
		return ResolvedRequest{}, fmt.Errorf("%w: %v", ErrValidation, strings.Join(violations, "; "))
	}

	tf := r.Timeframe
	nowAligned, err := AlignDown(now, tf)
	if err != nil {
		return ResolvedRequest{}, err
	}

	// Newest bound: an explicit To or EndTime, future-clamped to now aligned down.
	end := nowAligned
	switch {
	case hasEnd:
		if end, err = AlignDown(r.EndTime, tf); err != nil {
			return ResolvedRequest{}, err
		}
	case !r.To.IsZero():
		if end, err = AlignDown(r.To, tf); err != nil {
			return ResolvedRequest{}, err
		}
	}
	if end.After(nowAligned) {
		end = nowAligned
	}

	// Oldest bound: the first boundary at/after StartTime, shifted one step
	// forward when the start is exclusive.
	var start time.Time
	if hasStart {
		if start, err = AlignUp(r.StartTime, tf); err != nil {
			return ResolvedRequest{}, err
		}
		if r.ExclusiveStart && start.Equal(r.StartTime.UTC()) {
			if start, err = Advance(start, tf, 1); err != nil {
				return ResolvedRequest{}, err
			}
		}
	}

	res := ResolvedRequest{
		Symbol:         r.Symbol,
		Timeframe:      tf,
		Count:          r.Count,
		Start:          start,
		End:            end,
		ExclusiveStart: r.ExclusiveStart,
	}

	// start+count requests resolve their window eagerly so that the processor
	// has a concrete newest bound to anchor on.
	if r.Count > 0 && hasStart {
		windowEnd, err := Advance(start, tf, r.Count-1)
		if err != nil {
			return ResolvedRequest{}, err
		}
		if windowEnd.Before(res.End) {
			res.End = windowEnd
		}
	}
	if hasStart && res.Start.After(res.End) {
		return ResolvedRequest{}, fmt.Errorf("%w: resolved window is empty", ErrValidation)
	}

	return res, nil
}

// ExpectedCount is the number of candles the request wants: Count when set,
// otherwise the number of grid boundaries in the window.
func (r ResolvedRequest) ExpectedCount() (int, error) {
	if r.Count > 0 {
		return r.Count, nil
	}
	return CountBetween(r.Start, r.End, r.Timeframe)
}

// PairKey is the coordination and invalidation key for a symbol+timeframe pair.
func PairKey(symbol string, tf Timeframe) string {
	return fmt.Sprintf("%v|%v", symbol, tf)
}

// Fingerprint is the canonical string identity of the resolved request, used
// as the cache key. It is prefixed by PairKey so that all entries of a pair
// can be matched for invalidation.
func (r ResolvedRequest) Fingerprint() string {
	start := "-"
	if !r.Start.IsZero() {
		start = FormatUTC(r.Start)
	}
	return fmt.Sprintf("%v|%v|%v|%d|%v", PairKey(r.Symbol, r.Timeframe), start, FormatUTC(r.End), r.Count, r.ExclusiveStart)
}

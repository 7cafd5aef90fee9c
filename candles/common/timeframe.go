package common

import (
	"fmt"
	"time"
)

// Timeframe identifies one member of the closed set of candle intervals the
// provider supports. Monthly and yearly boundaries are calendar-aligned;
// all other timeframes sit on modular boundaries from the Unix epoch.
type Timeframe string

const (
	// Timeframe1s is the 1-second timeframe
	Timeframe1s Timeframe = "1s"
	// Timeframe1m is the 1-minute timeframe
	Timeframe1m Timeframe = "1m"
	// Timeframe3m is the 3-minute timeframe
	Timeframe3m Timeframe = "3m"
	// Timeframe5m is the 5-minute timeframe
	Timeframe5m Timeframe = "5m"
	// Timeframe10m is the 10-minute timeframe
	Timeframe10m Timeframe = "10m"
	// Timeframe15m is the 15-minute timeframe
	Timeframe15m Timeframe = "15m"
	// Timeframe30m is the 30-minute timeframe
	Timeframe30m Timeframe = "30m"
	// Timeframe60m is the 60-minute timeframe
	Timeframe60m Timeframe = "60m"
	// Timeframe240m is the 240-minute timeframe
	Timeframe240m Timeframe = "240m"
	// Timeframe1d is the daily timeframe
	Timeframe1d Timeframe = "1d"
	// Timeframe1w is the weekly timeframe
	Timeframe1w Timeframe = "1w"
	// Timeframe1Mo is the calendar-monthly timeframe
	Timeframe1Mo Timeframe = "1M"
	// Timeframe1y is the calendar-yearly timeframe
	Timeframe1y Timeframe = "1y"
)

// AllTimeframes lists the closed set, shortest first.
var AllTimeframes = []Timeframe{
	Timeframe1s, Timeframe1m, Timeframe3m, Timeframe5m, Timeframe10m,
	Timeframe15m, Timeframe30m, Timeframe60m, Timeframe240m,
	Timeframe1d, Timeframe1w, Timeframe1Mo, Timeframe1y,
}

var timeframeSeconds = map[Timeframe]int64{
	Timeframe1s:   1,
	Timeframe1m:   60,
	Timeframe3m:   3 * 60,
	Timeframe5m:   5 * 60,
	Timeframe10m:  10 * 60,
	Timeframe15m:  15 * 60,
	Timeframe30m:  30 * 60,
	Timeframe60m:  60 * 60,
	Timeframe240m: 240 * 60,
	Timeframe1d:   24 * 60 * 60,
	Timeframe1w:   7 * 24 * 60 * 60,
}

// ParseTimeframe converts a timeframe identifier string into a Timeframe.
//
// * Fails with ErrInvalidTimeframe if the string is not a member of the closed set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return tf, nil
}

// Valid reports whether the timeframe is a member of the closed set.
func (tf Timeframe) Valid() bool {
	if _, ok := timeframeSeconds[tf]; ok {
		return true
	}
	return tf.IsCalendar()
}

// IsCalendar reports whether the timeframe's boundaries are calendar-aligned
// rather than fixed-interval. Calendar timeframes have no meaningful second
// interval; use Advance/Enumerate for arithmetic on them.
func (tf Timeframe) IsCalendar() bool {
	return tf == Timeframe1Mo || tf == Timeframe1y
}

// IsIntraday reports whether the timeframe is shorter than one day.
func (tf Timeframe) IsIntraday() bool {
	secs, ok := timeframeSeconds[tf]
	return ok && secs < 24*60*60
}

// Seconds returns the timeframe's exact second interval.
//
// * Fails with ErrInvalidTimeframe for calendar timeframes (1M, 1y), whose
//   interval is symbolic and must not be used in arithmetic.
func (tf Timeframe) Seconds() (int64, error) {
	secs, ok := timeframeSeconds[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %q has no fixed second interval", ErrInvalidTimeframe, tf)
	}
	return secs, nil
}

// AlignDown returns the greatest grid boundary not after t for the timeframe.
func AlignDown(t time.Time, tf Timeframe) (time.Time, error) {
	t = t.UTC()
	switch tf {
	case Timeframe1Mo:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case Timeframe1y:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	secs, err := tf.Seconds()
	if err != nil {
		return time.Time{}, err
	}
	ts := t.Unix()
	return time.Unix(ts-ts%secs, 0).UTC(), nil
}

// AlignUp returns the smallest grid boundary not before t for the timeframe.
func AlignUp(t time.Time, tf Timeframe) (time.Time, error) {
	down, err := AlignDown(t, tf)
	if err != nil {
		return time.Time{}, err
	}
	if down.Equal(t.UTC()) {
		return down, nil
	}
	return Advance(down, tf, 1)
}

// IsAligned reports whether t is exactly on the timeframe's grid.
func IsAligned(t time.Time, tf Timeframe) bool {
	down, err := AlignDown(t, tf)
	return err == nil && down.Equal(t.UTC())
}

// Advance adds n (possibly negative) grid steps to an aligned timestamp.
// Calendar-aware for 1M and 1y.
//
// * Fails with ErrInvalidTimeframe if tf is not a member of the closed set.
//
// * Fails with ErrUnalignedTimestamp if t is not on the timeframe's grid.
func Advance(t time.Time, tf Timeframe, n int) (time.Time, error) {
	if !tf.Valid() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	if !IsAligned(t, tf) {
		return time.Time{}, fmt.Errorf("%w: %v on %v", ErrUnalignedTimestamp, t, tf)
	}
	t = t.UTC()
	switch tf {
	case Timeframe1Mo:
		return t.AddDate(0, n, 0), nil
	case Timeframe1y:
		return t.AddDate(n, 0, 0), nil
	}
	secs, _ := tf.Seconds()
	return t.Add(time.Duration(int64(n)*secs) * time.Second), nil
}

// Enumerate returns all grid boundaries in [start, end], inclusive on both
// ends, in ascending order. Both bounds must be aligned.
func Enumerate(start, end time.Time, tf Timeframe) ([]time.Time, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	if !IsAligned(start, tf) || !IsAligned(end, tf) {
		return nil, fmt.Errorf("%w: enumerate bounds must be aligned to %v", ErrUnalignedTimestamp, tf)
	}
	var boundaries []time.Time
	for t := start.UTC(); !t.After(end.UTC()); {
		boundaries = append(boundaries, t)
		next, err := Advance(t, tf, 1)
		if err != nil {
			return nil, err
		}
		t = next
	}
	return boundaries, nil
}

// CountBetween returns the number of grid boundaries in [start, end],
// matching len(Enumerate(start, end, tf)) without materialising the slice.
func CountBetween(start, end time.Time, tf Timeframe) (int, error) {
	if !tf.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	if !IsAligned(start, tf) || !IsAligned(end, tf) {
		return 0, fmt.Errorf("%w: count bounds must be aligned to %v", ErrUnalignedTimestamp, tf)
	}
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return 0, nil
	}
	switch tf {
	case Timeframe1Mo:
		return (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month()) + 1, nil
	case Timeframe1y:
		return end.Year() - start.Year() + 1, nil
	}
	secs, _ := tf.Seconds()
	return int((end.Unix()-start.Unix())/secs) + 1, nil
}

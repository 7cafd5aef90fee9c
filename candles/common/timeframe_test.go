package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tp(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm.UTC()
}

func TestAlignDown(t *testing.T) {
	tss := []struct {
		name     string
		tf       Timeframe
		in       string
		expected string
	}{
		{name: "5m mid-interval", tf: Timeframe5m, in: "2024-01-10T14:03:21Z", expected: "2024-01-10T14:00:00Z"},
		{name: "5m on boundary", tf: Timeframe5m, in: "2024-01-10T14:05:00Z", expected: "2024-01-10T14:05:00Z"},
		{name: "1s truncates sub-second", tf: Timeframe1s, in: "2024-01-10T14:03:21Z", expected: "2024-01-10T14:03:21Z"},
		{name: "60m", tf: Timeframe60m, in: "2024-01-10T14:59:59Z", expected: "2024-01-10T14:00:00Z"},
		{name: "240m", tf: Timeframe240m, in: "2024-01-10T14:59:59Z", expected: "2024-01-10T12:00:00Z"},
		{name: "1d", tf: Timeframe1d, in: "2024-01-10T14:59:59Z", expected: "2024-01-10T00:00:00Z"},
		{name: "1w is epoch-modular", tf: Timeframe1w, in: "2024-01-10T14:59:59Z", expected: "2024-01-04T00:00:00Z"},
		{name: "1M calendar", tf: Timeframe1Mo, in: "2024-02-29T23:59:59Z", expected: "2024-02-01T00:00:00Z"},
		{name: "1y calendar", tf: Timeframe1y, in: "2024-02-29T23:59:59Z", expected: "2024-01-01T00:00:00Z"},
	}
	for _, ts := range tss {
		t.Run(ts.name, func(t *testing.T) {
			actual, err := AlignDown(tp(t, ts.in), ts.tf)
			require.NoError(t, err)
			require.Equal(t, tp(t, ts.expected), actual)
		})
	}
}

func TestAlignDownInvalidTimeframe(t *testing.T) {
	_, err := AlignDown(tp(t, "2024-01-10T14:03:21Z"), Timeframe("2h"))
	require.ErrorIs(t, err, ErrInvalidTimeframe)
}

func TestAdvance(t *testing.T) {
	tss := []struct {
		name     string
		tf       Timeframe
		in       string
		n        int
		expected string
	}{
		{name: "5m forward", tf: Timeframe5m, in: "2024-01-10T14:00:00Z", n: 3, expected: "2024-01-10T14:15:00Z"},
		{name: "5m backward", tf: Timeframe5m, in: "2024-01-10T14:00:00Z", n: -199, expected: "2024-01-09T21:25:00Z"},
		{name: "1d across month", tf: Timeframe1d, in: "2024-01-31T00:00:00Z", n: 1, expected: "2024-02-01T00:00:00Z"},
		{name: "1M across year", tf: Timeframe1Mo, in: "2023-11-01T00:00:00Z", n: 3, expected: "2024-02-01T00:00:00Z"},
		{name: "1M backward", tf: Timeframe1Mo, in: "2024-01-01T00:00:00Z", n: -1, expected: "2023-12-01T00:00:00Z"},
		{name: "1y", tf: Timeframe1y, in: "2020-01-01T00:00:00Z", n: 4, expected: "2024-01-01T00:00:00Z"},
	}
	for _, ts := range tss {
		t.Run(ts.name, func(t *testing.T) {
			actual, err := Advance(tp(t, ts.in), ts.tf, ts.n)
			require.NoError(t, err)
			require.Equal(t, tp(t, ts.expected), actual)
		})
	}
}

func TestAdvanceUnaligned(t *testing.T) {
	_, err := Advance(tp(t, "2024-01-10T14:03:00Z"), Timeframe5m, 1)
	require.ErrorIs(t, err, ErrUnalignedTimestamp)
}

func TestEnumerateMatchesCountBetween(t *testing.T) {
	tss := []struct {
		name  string
		tf    Timeframe
		start string
		end   string
		count int
	}{
		{name: "5m single", tf: Timeframe5m, start: "2024-01-10T14:00:00Z", end: "2024-01-10T14:00:00Z", count: 1},
		{name: "5m hour", tf: Timeframe5m, start: "2024-01-10T14:00:00Z", end: "2024-01-10T14:55:00Z", count: 12},
		{name: "1d leap february", tf: Timeframe1d, start: "2024-02-01T00:00:00Z", end: "2024-02-29T00:00:00Z", count: 29},
		{name: "1M year", tf: Timeframe1Mo, start: "2023-01-01T00:00:00Z", end: "2023-12-01T00:00:00Z", count: 12},
		{name: "1y decade", tf: Timeframe1y, start: "2015-01-01T00:00:00Z", end: "2024-01-01T00:00:00Z", count: 10},
	}
	for _, ts := range tss {
		t.Run(ts.name, func(t *testing.T) {
			boundaries, err := Enumerate(tp(t, ts.start), tp(t, ts.end), ts.tf)
			require.NoError(t, err)
			require.Len(t, boundaries, ts.count)

			count, err := CountBetween(tp(t, ts.start), tp(t, ts.end), ts.tf)
			require.NoError(t, err)
			require.Equal(t, ts.count, count)

			for i := 1; i < len(boundaries); i++ {
				next, err := Advance(boundaries[i-1], ts.tf, 1)
				require.NoError(t, err)
				require.Equal(t, next, boundaries[i])
			}
		})
	}
}

func TestCountBetweenEmptyInterval(t *testing.T) {
	count, err := CountBetween(tp(t, "2024-01-10T14:05:00Z"), tp(t, "2024-01-10T14:00:00Z"), Timeframe5m)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestSecondsRejectsCalendarTimeframes(t *testing.T) {
	for _, tf := range []Timeframe{Timeframe1Mo, Timeframe1y} {
		_, err := tf.Seconds()
		require.ErrorIs(t, err, ErrInvalidTimeframe)
	}
	secs, err := Timeframe5m.Seconds()
	require.NoError(t, err)
	require.Equal(t, int64(300), secs)
}

func TestParseTimeframe(t *testing.T) {
	for _, tf := range AllTimeframes {
		parsed, err := ParseTimeframe(string(tf))
		require.NoError(t, err)
		require.Equal(t, tf, parsed)
	}
	_, err := ParseTimeframe("2h")
	require.ErrorIs(t, err, ErrInvalidTimeframe)
}

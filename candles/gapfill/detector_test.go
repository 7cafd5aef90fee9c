package gapfill

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marianogappa/upbit-candles/candles/common"
)

func realCandle(t *testing.T, openTime time.Time, close float64) common.Candle {
	t.Helper()
	return common.Candle{
		Market:               "KRW-BTC",
		CandleDateTimeUTC:    common.FormatUTC(openTime),
		CandleDateTimeKST:    common.FormatKST(openTime),
		OpeningPrice:         common.JSONFloat64(close - 1),
		HighPrice:            common.JSONFloat64(close + 1),
		LowPrice:             common.JSONFloat64(close - 2),
		TradePrice:           common.JSONFloat64(close),
		Timestamp:            openTime.UnixMilli(),
		CandleAccTradePrice:  common.JSONFloat64(close * 2),
		CandleAccTradeVolume: common.JSONFloat64(1),
	}
}

func gridTimes(t *testing.T, tf common.Timeframe, start, end time.Time) []time.Time {
	t.Helper()
	boundaries, err := common.Enumerate(start, end, tf)
	require.NoError(t, err)
	return boundaries
}

func TestFillInsertsSyntheticRowsForOmittedSlots(t *testing.T) {
	// A 200-slot 5m chunk with 04:20 and 11:05 omitted, per the exchange
	// omitting zero-volume periods.
	tf := common.Timeframe5m
	chunkStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chunkEnd := time.Date(2024, 2, 1, 16, 35, 0, 0, time.UTC)

	omitted := map[int64]bool{
		time.Date(2024, 2, 1, 4, 20, 0, 0, time.UTC).Unix(): true,
		time.Date(2024, 2, 1, 11, 5, 0, 0, time.UTC).Unix(): true,
	}

	var fetched []common.Candle
	closes := map[int64]float64{}
	for i, b := range gridTimes(t, tf, chunkStart, chunkEnd) {
		if omitted[b.Unix()] {
			continue
		}
		close := 100 + float64(i)
		closes[b.Unix()] = close
		fetched = append(fetched, realCandle(t, b, close))
	}
	require.Len(t, fetched, 198)

	out, err := New().Fill("KRW-BTC", tf, chunkStart, chunkEnd, fetched, 0, false)
	require.NoError(t, err)
	require.Len(t, out, 200)

	for _, c := range out {
		openTime, err := c.OpenTime()
		require.NoError(t, err)
		if !omitted[openTime.Unix()] {
			require.False(t, c.IsSynthetic)
			continue
		}
		require.True(t, c.IsSynthetic, "slot %v should be synthetic", c.CandleDateTimeUTC)
		prevClose := common.JSONFloat64(closes[openTime.Add(-5*time.Minute).Unix()])
		require.Equal(t, prevClose, c.OpeningPrice)
		require.Equal(t, prevClose, c.HighPrice)
		require.Equal(t, prevClose, c.LowPrice)
		require.Equal(t, prevClose, c.TradePrice)
		require.Equal(t, common.JSONFloat64(0), c.CandleAccTradeVolume)
		require.Equal(t, common.JSONFloat64(0), c.CandleAccTradePrice)
		require.Equal(t, openTime.UnixMilli(), c.Timestamp)
	}

	// Continuity: consecutive rows differ by exactly one grid step.
	for i := 1; i < len(out); i++ {
		prev, err := out[i-1].OpenTime()
		require.NoError(t, err)
		cur, err := out[i].OpenTime()
		require.NoError(t, err)
		require.Equal(t, 5*time.Minute, cur.Sub(prev))
	}
}

func TestFillLeadingGapClonesNextRealOpen(t *testing.T) {
	tf := common.Timeframe5m
	chunkStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chunkEnd := chunkStart.Add(20 * time.Minute)

	// First two slots missing, no previous close available.
	fetched := []common.Candle{
		realCandle(t, chunkStart.Add(10*time.Minute), 100),
		realCandle(t, chunkStart.Add(15*time.Minute), 101),
		realCandle(t, chunkStart.Add(20*time.Minute), 102),
	}

	out, err := New().Fill("KRW-BTC", tf, chunkStart, chunkEnd, fetched, 0, false)
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.True(t, out[0].IsSynthetic)
	require.True(t, out[1].IsSynthetic)
	// Clones the next real open, which is close-1 = 99 in the fixture.
	require.Equal(t, common.JSONFloat64(99), out[0].TradePrice)
	require.Equal(t, common.JSONFloat64(99), out[1].TradePrice)
}

func TestFillUsesRepositoryPreviousClose(t *testing.T) {
	tf := common.Timeframe5m
	chunkStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chunkEnd := chunkStart.Add(10 * time.Minute)

	fetched := []common.Candle{realCandle(t, chunkEnd, 200)}

	out, err := New().Fill("KRW-BTC", tf, chunkStart, chunkEnd, fetched, common.JSONFloat64(150), true)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.True(t, out[0].IsSynthetic)
	require.Equal(t, common.JSONFloat64(150), out[0].TradePrice)
	require.Equal(t, common.JSONFloat64(150), out[1].TradePrice)
	require.False(t, out[2].IsSynthetic)
}

func TestFillWholeChunkFromPreviousClose(t *testing.T) {
	tf := common.Timeframe5m
	chunkStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chunkEnd := chunkStart.Add(15 * time.Minute)

	out, err := New().Fill("KRW-BTC", tf, chunkStart, chunkEnd, nil, common.JSONFloat64(77), true)
	require.NoError(t, err)
	require.Len(t, out, 4)
	for _, c := range out {
		require.True(t, c.IsSynthetic)
		require.Equal(t, common.JSONFloat64(77), c.TradePrice)
	}
}

func TestFillNothingToReferenceReturnsNothing(t *testing.T) {
	tf := common.Timeframe5m
	chunkStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	out, err := New().Fill("KRW-BTC", tf, chunkStart, chunkStart.Add(15*time.Minute), nil, 0, false)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestFillCapsConsecutiveSyntheticForDaily(t *testing.T) {
	tf := common.Timeframe1d
	chunkStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	chunkEnd := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	// One real candle at each end, 68 empty days between.
	first := realCandle(t, chunkStart, 100)
	last := realCandle(t, chunkEnd, 200)

	detector := New() // cap of 30 for daily and above
	out, err := detector.Fill("KRW-BTC", tf, chunkStart, chunkEnd, []common.Candle{first, last}, 0, false)
	require.NoError(t, err)

	// 2 real + 30 synthetic; the rest of the gap stays a real hole.
	require.Len(t, out, 32)
	syntheticCount := 0
	for _, c := range out {
		if c.IsSynthetic {
			syntheticCount++
		}
	}
	require.Equal(t, 30, syntheticCount)
	require.False(t, out[len(out)-1].IsSynthetic)
}

func TestFillIntradayIsUnboundedByDefault(t *testing.T) {
	tf := common.Timeframe5m
	chunkStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chunkEnd := chunkStart.Add(100 * 5 * time.Minute)

	first := realCandle(t, chunkStart, 100)
	last := realCandle(t, chunkEnd, 200)

	out, err := New().Fill("KRW-BTC", tf, chunkStart, chunkEnd, []common.Candle{first, last}, 0, false)
	require.NoError(t, err)
	require.Len(t, out, 101)
}

func TestFillIgnoresCandlesOutsideChunk(t *testing.T) {
	tf := common.Timeframe5m
	chunkStart := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chunkEnd := chunkStart.Add(10 * time.Minute)

	fetched := []common.Candle{
		realCandle(t, chunkStart.Add(-5*time.Minute), 90),
		realCandle(t, chunkStart, 100),
		realCandle(t, chunkStart.Add(5*time.Minute), 101),
		realCandle(t, chunkStart.Add(10*time.Minute), 102),
		realCandle(t, chunkStart.Add(15*time.Minute), 110),
	}
	out, err := New().Fill("KRW-BTC", tf, chunkStart, chunkEnd, fetched, 0, false)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, common.FormatUTC(chunkStart), out[0].CandleDateTimeUTC)
	require.Equal(t, common.FormatUTC(chunkEnd), out[2].CandleDateTimeUTC)
}

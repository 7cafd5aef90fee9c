package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/marianogappa/upbit-candles/candles/common"
)

var frozenNow = time.Date(2024, 3, 15, 10, 3, 0, 0, time.UTC)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	repo := New(db)
	repo.SetTimeNowFunc(func() time.Time { return frozenNow })
	return repo
}

func candleAt(t *testing.T, openTime time.Time, close float64) common.Candle {
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
		CandleAccTradePrice:  common.JSONFloat64(close * 10),
		CandleAccTradeVolume: common.JSONFloat64(10),
	}
}

func candlesOnGrid(t *testing.T, start time.Time, tf common.Timeframe, n int) []common.Candle {
	t.Helper()
	candles := make([]common.Candle, 0, n)
	cursor := start
	for i := 0; i < n; i++ {
		candles = append(candles, candleAt(t, cursor, 100+float64(i)))
		next, err := common.Advance(cursor, tf, 1)
		require.NoError(t, err)
		cursor = next
	}
	return candles
}

func TestTableName(t *testing.T) {
	require.Equal(t, "candles_KRW_BTC_5m", TableName("KRW-BTC", common.Timeframe5m))
	require.Equal(t, "candles_KRW_BTC_1mo", TableName("KRW-BTC", common.Timeframe1Mo))
	require.Equal(t, "candles_KRW_BTC_1m", TableName("KRW-BTC", common.Timeframe1m))
}

func TestSaveIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	candles := candlesOnGrid(t, start, common.Timeframe5m, 10)

	inserted, err := repo.Save(ctx, "KRW-BTC", common.Timeframe5m, candles)
	require.NoError(t, err)
	require.Equal(t, 10, inserted)

	inserted, err = repo.Save(ctx, "KRW-BTC", common.Timeframe5m, candles)
	require.NoError(t, err)
	require.Equal(t, 0, inserted)

	// Overlapping batch: only the genuinely new rows land.
	more := candlesOnGrid(t, start, common.Timeframe5m, 12)
	inserted, err = repo.Save(ctx, "KRW-BTC", common.Timeframe5m, more)
	require.NoError(t, err)
	require.Equal(t, 2, inserted)

	read, err := repo.ReadRange(ctx, "KRW-BTC", common.Timeframe5m, start, time.Date(2024, 1, 10, 1, 0, 0, 0, time.UTC), 0)
	require.NoError(t, err)
	require.Len(t, read, 12)
}

func TestSaveNeverOverwrites(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	original := candleAt(t, at, 100)
	_, err := repo.Save(ctx, "KRW-BTC", common.Timeframe5m, []common.Candle{original})
	require.NoError(t, err)

	mutated := candleAt(t, at, 999)
	_, err = repo.Save(ctx, "KRW-BTC", common.Timeframe5m, []common.Candle{mutated})
	require.NoError(t, err)

	read, err := repo.ReadRange(ctx, "KRW-BTC", common.Timeframe5m, at, at, 0)
	require.NoError(t, err)
	require.Len(t, read, 1)
	require.Equal(t, common.JSONFloat64(100), read[0].TradePrice)
}

func TestSaveRejectsUnaligned(t *testing.T) {
	repo := newTestRepo(t)
	c := candleAt(t, time.Date(2024, 1, 10, 0, 3, 0, 0, time.UTC), 100)
	_, err := repo.Save(context.Background(), "KRW-BTC", common.Timeframe5m, []common.Candle{c})
	require.ErrorIs(t, err, common.ErrUnalignedTimestamp)
}

func TestSaveRejectsFutureCandle(t *testing.T) {
	repo := newTestRepo(t)
	c := candleAt(t, frozenNow.Add(time.Hour).Truncate(time.Hour), 100)
	_, err := repo.Save(context.Background(), "KRW-BTC", common.Timeframe5m, []common.Candle{c})
	require.ErrorIs(t, err, common.ErrStorageUnavailable)
}

func TestReadRangeIsAscendingRegardlessOfInsertOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	candles := candlesOnGrid(t, start, common.Timeframe5m, 10)

	// Insert newest-first, the order chunks arrive in.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	_, err := repo.Save(ctx, "KRW-BTC", common.Timeframe5m, candles)
	require.NoError(t, err)

	read, err := repo.ReadRange(ctx, "KRW-BTC", common.Timeframe5m, start, time.Date(2024, 1, 10, 1, 0, 0, 0, time.UTC), 0)
	require.NoError(t, err)
	require.Len(t, read, 10)
	for i := 1; i < len(read); i++ {
		prev, err := read[i-1].OpenTime()
		require.NoError(t, err)
		cur, err := read[i].OpenTime()
		require.NoError(t, err)
		require.True(t, prev.Before(cur), "expected strictly ascending open times")
	}
}

func TestReadsOnUnknownPairBehaveAsEmpty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	read, err := repo.ReadRange(ctx, "KRW-XRP", common.Timeframe5m, start, end, 0)
	require.NoError(t, err)
	require.Empty(t, read)

	has, err := repo.HasAnyInRange(ctx, "KRW-XRP", common.Timeframe5m, start, end)
	require.NoError(t, err)
	require.False(t, has)

	_, found, err := repo.FindLastContinuousTimeFrom(ctx, "KRW-XRP", common.Timeframe5m, start, end)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = repo.LastCloseBefore(ctx, "KRW-XRP", common.Timeframe5m, start)
	require.NoError(t, err)
	require.False(t, found)
}

func TestCoveragePredicates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tf := common.Timeframe5m
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	_, err := repo.Save(ctx, "KRW-BTC", tf, candlesOnGrid(t, start, tf, 12))
	require.NoError(t, err)

	has, err := repo.HasDataAt(ctx, "KRW-BTC", tf, start)
	require.NoError(t, err)
	require.True(t, has)

	has, err = repo.HasDataAt(ctx, "KRW-BTC", tf, start.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, has)

	count, err := repo.CountInRange(ctx, "KRW-BTC", tf, start, start.Add(55*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 12, count)

	complete, err := repo.IsRangeComplete(ctx, "KRW-BTC", tf, start, start.Add(55*time.Minute), 12)
	require.NoError(t, err)
	require.True(t, complete)

	complete, err = repo.IsRangeComplete(ctx, "KRW-BTC", tf, start, start.Add(60*time.Minute), 13)
	require.NoError(t, err)
	require.False(t, complete)
}

func TestFindLastContinuousTimeFrom(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tf := common.Timeframe5m
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	// Two blocks: [00:00, 00:25] then a hole at 00:30, then [00:35, 00:45].
	_, err := repo.Save(ctx, "KRW-BTC", tf, candlesOnGrid(t, start, tf, 6))
	require.NoError(t, err)
	_, err = repo.Save(ctx, "KRW-BTC", tf, candlesOnGrid(t, start.Add(35*time.Minute), tf, 3))
	require.NoError(t, err)

	end := start.Add(time.Hour)
	last, found, err := repo.FindLastContinuousTimeFrom(ctx, "KRW-BTC", tf, start, end)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, start.Add(25*time.Minute), last)

	last, found, err = repo.FindLastContinuousTimeFrom(ctx, "KRW-BTC", tf, start.Add(35*time.Minute), end)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, start.Add(45*time.Minute), last)

	_, found, err = repo.FindLastContinuousTimeFrom(ctx, "KRW-BTC", tf, start.Add(30*time.Minute), end)
	require.NoError(t, err)
	require.False(t, found)
}

func TestFindLastContinuousTimeFromStopsAtEnd(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tf := common.Timeframe5m
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	// A continuous block [00:00, 00:45]; probing with end 00:20 must report
	// 00:20, not run on into rows beyond the probed range.
	_, err := repo.Save(ctx, "KRW-BTC", tf, candlesOnGrid(t, start, tf, 10))
	require.NoError(t, err)

	last, found, err := repo.FindLastContinuousTimeFrom(ctx, "KRW-BTC", tf, start, start.Add(20*time.Minute))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, start.Add(20*time.Minute), last)
}

func TestFindDataStartInRange(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tf := common.Timeframe5m
	dataStart := time.Date(2024, 1, 10, 1, 0, 0, 0, time.UTC)
	_, err := repo.Save(ctx, "KRW-BTC", tf, candlesOnGrid(t, dataStart, tf, 3))
	require.NoError(t, err)

	found, ok, err := repo.FindDataStartInRange(ctx, "KRW-BTC", tf, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), dataStart.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dataStart, found)

	_, ok, err = repo.FindDataStartInRange(ctx, "KRW-BTC", tf, time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 9, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLastCloseBeforeSkipsSynthetic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tf := common.Timeframe5m
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	real := candleAt(t, start, 100)
	synthetic := candleAt(t, start.Add(5*time.Minute), 100)
	synthetic.IsSynthetic = true
	_, err := repo.Save(ctx, "KRW-BTC", tf, []common.Candle{real, synthetic})
	require.NoError(t, err)

	close, found, err := repo.LastCloseBefore(ctx, "KRW-BTC", tf, start.Add(10*time.Minute))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, common.JSONFloat64(100), close)
}

func TestReadLastN(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tf := common.Timeframe5m
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	_, err := repo.Save(ctx, "KRW-BTC", tf, candlesOnGrid(t, start, tf, 10))
	require.NoError(t, err)

	read, err := repo.ReadLastN(ctx, "KRW-BTC", tf, start.Add(45*time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, read, 3)
	require.Equal(t, common.FormatUTC(start.Add(35*time.Minute)), read[0].CandleDateTimeUTC)
	require.Equal(t, common.FormatUTC(start.Add(45*time.Minute)), read[2].CandleDateTimeUTC)
}

func TestSyntheticFlagRoundTrips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tf := common.Timeframe5m
	at := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	c := candleAt(t, at, 100)
	c.IsSynthetic = true
	c.CandleAccTradeVolume = 0
	c.CandleAccTradePrice = 0
	_, err := repo.Save(ctx, "KRW-BTC", tf, []common.Candle{c})
	require.NoError(t, err)

	read, err := repo.ReadRange(ctx, "KRW-BTC", tf, at, at, 0)
	require.NoError(t, err)
	require.Len(t, read, 1)
	require.True(t, read[0].IsSynthetic)
	require.Equal(t, common.JSONFloat64(0), read[0].CandleAccTradeVolume)
}

// Package gapfill synthesises placeholder candles for grid slots the exchange
// did not report. Upbit only creates candles when trades occur, so a raw
// response can have holes; downstream analytics want a dense, monotonic grid.
package gapfill

import (
	"fmt"
	"time"

	"github.com/marianogappa/upbit-candles/candles/common"
)

// DefaultCapDailyAndAbove caps consecutive synthetic rows for daily and
// coarser timeframes, so a delisted or suspended market does not grow its
// series indefinitely.
const DefaultCapDailyAndAbove = 30

// Detector fills gaps between real candles with synthetic rows.
type Detector struct {
	// CapDailyAndAbove is the maximum number of consecutive synthetic rows
	// emitted for 1d and coarser timeframes. 0 means unbounded.
	CapDailyAndAbove int

	// CapIntraday is the same ceiling for intraday timeframes. 0 means
	// unbounded, the default.
	CapIntraday int
}

// New constructs a Detector with the default cap policy.
func New() *Detector {
	return &Detector{CapDailyAndAbove: DefaultCapDailyAndAbove}
}

func (d *Detector) capFor(tf common.Timeframe) int {
	if tf.IsIntraday() {
		return d.CapIntraday
	}
	return d.CapDailyAndAbove
}

// Fill returns the fetched candles plus synthetic rows for every expected
// boundary in [chunkStart, chunkEnd] that the exchange omitted, ascending.
//
// Synthetic rows copy the most recent real close seen (or the first real open
// when the gap precedes any real candle), carry zero volume and value, and
// have IsSynthetic set. Once the consecutive-synthetic cap for the timeframe
// is hit, synthesis stops until the next real candle, deliberately leaving a
// real gap in storage.
//
// fetched must be ascending by open time; candles outside the chunk interval
// are ignored. prevClose is the repository's last real close before the chunk
// (hasPrevClose false when the repository has nothing older).
func (d *Detector) Fill(symbol string, tf common.Timeframe, chunkStart, chunkEnd time.Time, fetched []common.Candle, prevClose common.JSONFloat64, hasPrevClose bool) ([]common.Candle, error) {
	boundaries, err := common.Enumerate(chunkStart, chunkEnd, tf)
	if err != nil {
		return nil, err
	}

	byUnix := make(map[int64]common.Candle, len(fetched))
	for _, c := range fetched {
		openTime, err := c.OpenTime()
		if err != nil {
			return nil, err
		}
		if !common.IsAligned(openTime, tf) {
			return nil, fmt.Errorf("%w: fetched candle %v for %v", common.ErrUnalignedTimestamp, c.CandleDateTimeUTC, tf)
		}
		if openTime.Before(chunkStart) || openTime.After(chunkEnd) {
			continue
		}
		byUnix[openTime.Unix()] = c
	}

	refClose, haveRef := prevClose, hasPrevClose
	if !haveRef {
		// No prior real close: gaps before the first real candle clone its open.
		for _, b := range boundaries {
			if c, ok := byUnix[b.Unix()]; ok {
				refClose, haveRef = c.OpeningPrice, true
				break
			}
		}
	}
	if !haveRef {
		return nil, nil
	}

	var (
		out          = make([]common.Candle, 0, len(boundaries))
		maxRun       = d.capFor(tf)
		syntheticRun = 0
		capped       = false
	)
	for _, b := range boundaries {
		if c, ok := byUnix[b.Unix()]; ok {
			out = append(out, c)
			refClose = c.TradePrice
			syntheticRun = 0
			capped = false
			continue
		}
		if capped {
			continue
		}
		if maxRun > 0 && syntheticRun >= maxRun {
			capped = true
			continue
		}
		out = append(out, syntheticCandle(symbol, b, refClose))
		syntheticRun++
	}
	return out, nil
}

func syntheticCandle(symbol string, openTime time.Time, close common.JSONFloat64) common.Candle {
	return common.Candle{
		Market:               symbol,
		CandleDateTimeUTC:    common.FormatUTC(openTime),
		CandleDateTimeKST:    common.FormatKST(openTime),
		OpeningPrice:         close,
		HighPrice:            close,
		LowPrice:             close,
		TradePrice:           close,
		Timestamp:            openTime.UnixMilli(),
		CandleAccTradePrice:  0,
		CandleAccTradeVolume: 0,
		IsSynthetic:          true,
	}
}

// Package common contains the shared data model, error taxonomy and time-grid
// functions used across the candles super-package.
package common

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// MaxChunkSize is the maximum number of candles that can be requested per API call.
	// This is documented in the Upbit API: "Supports up to 200 candles"
	MaxChunkSize = 200

	// MaxRequestCount is the hard upper bound on the number of candles a single
	// request may ask for.
	MaxRequestCount = 10000

	// TimeLayout is the datetime layout Upbit uses in candle payloads. Note the
	// lack of a zone designator; candle_date_time_utc is UTC and
	// candle_date_time_kst is KST by convention.
	TimeLayout = "2006-01-02T15:04:05"
)

// KST is the fixed Asia/Seoul offset used for the display copy of open times.
var KST = time.FixedZone("KST", 9*60*60)

var (
	// ErrInvalidTimeframe means: timeframe is not a member of the supported closed set
	ErrInvalidTimeframe = errors.New("invalid timeframe")

	// ErrUnalignedTimestamp means: timestamp is not on the timeframe's grid
	ErrUnalignedTimestamp = errors.New("timestamp is not aligned to the timeframe grid")

	// ErrValidation means: the request violates the provider's parameter contract
	ErrValidation = errors.New("invalid request")

	// ErrUpstreamUnavailable means: transport or exchange-side failure getting candles
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamRateLimited means: the exchange asked us to enhance our calm.
	// It wraps ErrUpstreamUnavailable so callers matching on the broader kind
	// still catch it.
	ErrUpstreamRateLimited = fmt.Errorf("%w: rate limited", ErrUpstreamUnavailable)

	// ErrStorageUnavailable means: repository I/O failure
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConcurrentCollection means: another collection is already running for
	// this symbol and timeframe
	ErrConcurrentCollection = errors.New("concurrent collection in progress")

	// ErrCancelled means: the request's deadline passed or it was cancelled
	ErrCancelled = errors.New("request cancelled")

	// ErrOutOfCandles means: exchange has no candles older than this point
	ErrOutOfCandles = errors.New("exchange ran out of candles")

	// ErrDataTooFarBack means: requested data is beyond the exchange's retention window
	ErrDataTooFarBack = errors.New("requested data beyond exchange retention")

	// ErrInvalidSymbol means: market does not exist on the exchange
	ErrInvalidSymbol = errors.New("market does not exist on exchange")

	// ErrExecutingRequest means: error executing client.Do() http request method
	ErrExecutingRequest = errors.New("error executing client.Do() http request method")

	// ErrBrokenBodyResponse means: exchange returned broken body response
	ErrBrokenBodyResponse = errors.New("exchange returned broken body response")

	// ErrInvalidJSONResponse means: exchange returned invalid JSON response
	ErrInvalidJSONResponse = errors.New("exchange returned invalid JSON response")
)

// ErrorKind returns the machine-readable kind string for an error, matching
// the error taxonomy exposed on responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTimeframe), errors.Is(err, ErrUnalignedTimestamp):
		return "validation_error"
	case errors.Is(err, ErrUpstreamRateLimited):
		return "upstream_rate_limited"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrConcurrentCollection):
		return "concurrent_collection_in_progress"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrOutOfCandles):
		return "exhausted"
	default:
		return "internal"
	}
}

// ReqError is an error arising from a call to the upstream candle API.
type ReqError struct {
	Code           int
	Err            error
	IsNotRetryable bool
	RetryAfter     time.Duration
}

func (e ReqError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped sentinel so errors.Is works through ReqError.
func (e ReqError) Unwrap() error { return e.Err }

// Candle is one OHLCV observation for a market at a timeframe, aligned to the
// timeframe grid. Field names mirror the Upbit candle payload verbatim so that
// stored rows can be audited against the exchange.
type Candle struct {
	Market               string      `json:"market" db:"market"`
	CandleDateTimeUTC    string      `json:"candle_date_time_utc" db:"open_time_utc"`
	CandleDateTimeKST    string      `json:"candle_date_time_kst" db:"open_time_kst"`
	OpeningPrice         JSONFloat64 `json:"opening_price" db:"opening_price"`
	HighPrice            JSONFloat64 `json:"high_price" db:"high_price"`
	LowPrice             JSONFloat64 `json:"low_price" db:"low_price"`
	TradePrice           JSONFloat64 `json:"trade_price" db:"trade_price"`
	Timestamp            int64       `json:"timestamp" db:"source_timestamp"`
	CandleAccTradePrice  JSONFloat64 `json:"candle_acc_trade_price" db:"candle_acc_trade_price"`
	CandleAccTradeVolume JSONFloat64 `json:"candle_acc_trade_volume" db:"candle_acc_trade_volume"`
	IsSynthetic          bool        `json:"is_synthetic,omitempty" db:"is_synthetic"`
}

// OpenTime parses the candle's UTC open time.
func (c Candle) OpenTime() (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, c.CandleDateTimeUTC, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing open time %q: %w", c.CandleDateTimeUTC, err)
	}
	return t, nil
}

// FormatUTC renders a time in the exchange's UTC datetime layout.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FormatKST renders a time in the exchange's KST datetime layout.
func FormatKST(t time.Time) string {
	return t.In(KST).Format(TimeLayout)
}

// JSONFloat64 exists only for the purpose of marshalling floats in a nicer way.
type JSONFloat64 float64

// MarshalJSON overrides the marshalling of floats in a nicer way.
func (jf JSONFloat64) MarshalJSON() ([]byte, error) {
	f := float64(jf)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, errors.New("unsupported value")
	}
	bs := []byte(fmt.Sprintf("%.12f", f))
	var i int
	for i = len(bs) - 1; i >= 0; i-- {
		if bs[i] == '0' {
			continue
		}
		if bs[i] == '.' {
			return bs[:i], nil
		}
		break
	}
	return bs[:i+1], nil
}

package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marianogappa/upbit-candles/candles/common"
)

type errorResponse struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// Docs: https://global-docs.upbit.com/reference/list-candles-seconds
// Upbit uses different endpoints for different intervals:
// - /v1/candles/seconds for second intervals
// - /v1/candles/minutes/{unit} for minute intervals (1, 3, 5, 10, 15, 30, 60, 240)
// - /v1/candles/days for daily intervals
// - /v1/candles/weeks for weekly intervals
// - /v1/candles/months for monthly intervals
// - /v1/candles/years for yearly intervals
var endpoints = map[common.Timeframe]string{
	common.Timeframe1s:   "candles/seconds",
	common.Timeframe1m:   "candles/minutes/1",
	common.Timeframe3m:   "candles/minutes/3",
	common.Timeframe5m:   "candles/minutes/5",
	common.Timeframe10m:  "candles/minutes/10",
	common.Timeframe15m:  "candles/minutes/15",
	common.Timeframe30m:  "candles/minutes/30",
	common.Timeframe60m:  "candles/minutes/60",
	common.Timeframe240m: "candles/minutes/240",
	common.Timeframe1d:   "candles/days",
	common.Timeframe1w:   "candles/weeks",
	common.Timeframe1Mo:  "candles/months",
	common.Timeframe1y:   "candles/years",
}

// FetchCandles requests up to count candles strictly before the exclusive
// anchor "to", for the given market and timeframe.
//
// IMPORTANT LIMITATIONS:
//   - Rate Limit: requests block on the client's token bucket; waiting honours
//     the context, so a cancelled request aborts with ErrCancelled.
//   - Maximum count: 200 candles per request.
//   - Seconds candles: data retention is 3 months from request time.
//   - Upbit returns candles in descending order (newest first); this method
//     reverses them to ascending before returning.
//   - Candles are created only when trades occur - gaps may exist in the response.
//
// Errors are returned as common.ReqError so the caller can decide retryability.
//
// * Fails with ErrOutOfCandles if the exchange has nothing before the anchor.
//
// * Fails with ErrUpstreamRateLimited on an explicit 429.
func (c *Client) FetchCandles(ctx context.Context, symbol string, tf common.Timeframe, to time.Time, count int) ([]common.Candle, error) {
	endpoint, ok := endpoints[tf]
	if !ok {
		return nil, common.ReqError{IsNotRetryable: true, Err: fmt.Errorf("%w: %q", common.ErrInvalidTimeframe, tf)}
	}
	if count <= 0 || count > common.MaxChunkSize {
		return nil, common.ReqError{IsNotRetryable: true, Err: fmt.Errorf("%w: count must be in [1, %d], got %d", common.ErrValidation, common.MaxChunkSize, count)}
	}

	// Guard: second candles are only retained for a few months.
	if tf == common.Timeframe1s && c.timeNowFunc().Sub(to) > SecondsDataRetentionDuration {
		return nil, common.ReqError{
			IsNotRetryable: true,
			Err:            fmt.Errorf("%w: seconds candles data retention is %d months", common.ErrDataTooFarBack, SecondsDataRetentionMonths),
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, common.ReqError{IsNotRetryable: true, Err: fmt.Errorf("%w: %v", common.ErrCancelled, err)}
	}

	req, _ := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%v%v", c.apiURL, endpoint), nil)
	q := req.URL.Query()
	q.Add("market", symbol)
	q.Add("count", fmt.Sprintf("%d", count))
	// Upbit's 'to' parameter is an exclusive upper bound: "Candles earlier
	// than the specified time will be retrieved".
	q.Add("to", to.UTC().Format(time.RFC3339))
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, common.ReqError{IsNotRetryable: true, Err: fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())}
		}
		return nil, common.ReqError{Err: fmt.Errorf("%w: %v", common.ErrExecutingRequest, err)}
	}
	defer resp.Body.Close()

	byts, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.ReqError{Err: common.ErrBrokenBodyResponse}
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, common.ReqError{Code: resp.StatusCode, Err: common.ErrUpstreamRateLimited, RetryAfter: time.Second}
		}
		maybeErrorResponse := errorResponse{}
		if err := json.Unmarshal(byts, &maybeErrorResponse); err == nil && maybeErrorResponse.Error.Name != "" {
			if strings.Contains(maybeErrorResponse.Error.Message, "market") || strings.Contains(maybeErrorResponse.Error.Name, "market") {
				return nil, common.ReqError{Code: resp.StatusCode, IsNotRetryable: true, Err: common.ErrInvalidSymbol}
			}
			return nil, common.ReqError{
				Code:           resp.StatusCode,
				IsNotRetryable: resp.StatusCode < 500,
				Err:            fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, maybeErrorResponse.Error.Message),
			}
		}
		return nil, common.ReqError{Code: resp.StatusCode, IsNotRetryable: resp.StatusCode < 500, Err: fmt.Errorf("%w: status %d", common.ErrUpstreamUnavailable, resp.StatusCode)}
	}

	var candles []common.Candle
	if err := json.Unmarshal(byts, &candles); err != nil {
		return nil, common.ReqError{Err: common.ErrInvalidJSONResponse}
	}

	if len(candles) == 0 {
		return nil, common.ReqError{IsNotRetryable: true, Err: common.ErrOutOfCandles}
	}

	if c.debug {
		log.Info().Str("exchange", "Upbit").Str("market", symbol).Str("timeframe", string(tf)).Int("candle_count", len(candles)).Msg("Candle request successful!")
	}

	// Reverse slice, because Upbit returns candles in descending order (newest first)
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

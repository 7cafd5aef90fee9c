// Package upbit implements the upstream candle fetcher against the Upbit
// REST API. It is a thin, rate-limited wrapper: it never deduplicates, merges
// or interprets OHLC values; its only timeframe concern is routing the
// request to the correct endpoint family.
package upbit

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTokensPerMinute matches the exchange's candle-group request cap.
	DefaultTokensPerMinute = 600

	// SecondsDataRetentionMonths is the data retention period for second candles
	// This is documented in the Upbit API: "The 1-second candle API provides data for up to 3 months"
	SecondsDataRetentionMonths = 3

	// SecondsDataRetentionDuration is the data retention duration for second candles
	SecondsDataRetentionDuration = SecondsDataRetentionMonths * 30 * 24 * time.Hour
)

// Client enables requesting candles from Upbit.
type Client struct {
	apiURL      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	timeNowFunc func() time.Time
	debug       bool
}

// NewClient is the constructor for an Upbit Client.
func NewClient(options ...func(*Client)) *Client {
	c := &Client{
		apiURL:      "https://api.upbit.com/v1/",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(float64(DefaultTokensPerMinute)/60.0), 10),
		timeNowFunc: time.Now,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// WithRateLimit configures the client's token bucket, in tokens per minute.
func WithRateLimit(tokensPerMinute int) func(*Client) {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), 10)
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) func(*Client) {
	return func(c *Client) { c.apiURL = url }
}

// WithTimeNowFunc injects the clock used for the seconds-retention guard.
func WithTimeNowFunc(fn func() time.Time) func(*Client) {
	return func(c *Client) { c.timeNowFunc = fn }
}

// SetDebug sets debug logging for the client. Useful to know how many times
// the exchange is being requested.
func (c *Client) SetDebug(debug bool) { c.debug = debug }

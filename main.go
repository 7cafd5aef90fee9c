package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/marianogappa/upbit-candles/candles"
	"github.com/marianogappa/upbit-candles/candles/common"
	"github.com/marianogappa/upbit-candles/candles/config"
)

func main() {
	var (
		flagSymbol    = flag.String("symbol", "", "Upbit market code e.g. KRW-BTC")
		flagTimeframe = flag.String("timeframe", "60m", "one of 1s|1m|3m|5m|10m|15m|30m|60m|240m|1d|1w|1M|1y")
		flagCount     = flag.Int("count", 0, "how many candles to return, newest last")
		flagStart     = flag.String("start", "", "ISO8601/RFC3339 start of the window e.g. 2024-03-10T00:00:00Z")
		flagEnd       = flag.String("end", "", "ISO8601/RFC3339 end of the window, inclusive")
		flagConfig    = flag.String("config", "", "path to a YAML config file; empty means defaults")
		flagDB        = flag.String("db", "", "SQLite database path, overrides the config file")
		flagEstimate  = flag.Bool("estimate", false, "print how many API calls the request would take and exit")
		flagDebug     = flag.Bool("debug", false, "verbose logging")
	)

	flag.Parse()

	if *flagSymbol == "" {
		exit("Empty symbol.", true)
	}
	if *flagCount <= 0 && *flagStart == "" {
		exit("Either count or start must be given.", true)
	}

	timeframe, err := common.ParseTimeframe(*flagTimeframe)
	if err != nil {
		exit(fmt.Sprintf("invalid timeframe '%v': %v.", *flagTimeframe, err), true)
	}
	req := common.Request{Symbol: *flagSymbol, Timeframe: timeframe, Count: *flagCount}
	if *flagStart != "" {
		if req.StartTime, err = time.Parse(time.RFC3339, *flagStart); err != nil {
			exit(fmt.Sprintf("invalid start '%v': %v.", *flagStart, err), true)
		}
	}
	if *flagEnd != "" {
		if req.EndTime, err = time.Parse(time.RFC3339, *flagEnd); err != nil {
			exit(fmt.Sprintf("invalid end '%v': %v.", *flagEnd, err), true)
		}
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		exit(fmt.Sprintf("error loading config: %v", err), true)
	}
	if *flagDB != "" {
		cfg.DatabasePath = *flagDB
	}
	if *flagDebug {
		cfg.Debug = true
	}

	provider, err := candles.NewProvider(candles.WithConfig(cfg))
	if err != nil {
		exit(fmt.Sprintf("error building provider: %v", err), true)
	}
	defer provider.Close()

	if *flagEstimate {
		calls, err := provider.EstimateCalls(context.Background(), req)
		if err != nil {
			exit(err.Error(), false)
		}
		fmt.Println(calls)
		return
	}

	resp, err := provider.GetCandles(context.Background(), req)
	if err != nil {
		bs, _ := json.Marshal(resp)
		fmt.Println(string(bs))
		os.Exit(1)
	}
	for _, candle := range resp.Candles {
		bs, _ := json.Marshal(candle)
		fmt.Println(string(bs))
	}
}

func exit(s string, showUsage bool) {
	log.Println(s)
	if showUsage {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(0)
}

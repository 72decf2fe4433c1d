package cmc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"FinPulse/internal/domain/models"
)

// GlobalMetrics is the subset of the global quote the history log needs.
type GlobalMetrics struct {
	BTCDominance float64     `json:"btc_dominance"`
	ETHDominance float64     `json:"eth_dominance"`
	LastUpdated  string      `json:"last_updated"`
	Quote        globalQuote `json:"quote"`
}

type globalQuote struct {
	USD struct {
		TotalMarketCap                          float64 `json:"total_market_cap"`
		TotalVolume24h                          float64 `json:"total_volume_24h"`
		TotalMarketCapYesterdayPercentageChange float64 `json:"total_market_cap_yesterday_percentage_change"`
	} `json:"USD"`
}

// Snapshot converts the metrics into a history row stamped at ts.
func (g GlobalMetrics) Snapshot(ts time.Time) models.MarketSnapshot {
	return models.MarketSnapshot{
		Timestamp:         ts,
		TotalMarketCap:    g.Quote.USD.TotalMarketCap,
		BTCDominance:      g.BTCDominance,
		TotalVolume24h:    g.Quote.USD.TotalVolume24h,
		MarketCapChange24: g.Quote.USD.TotalMarketCapYesterdayPercentageChange,
	}
}

// Quote is a single asset quote in USD.
type Quote struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	Volume24h        float64 `json:"volume_24h"`
	PercentChange1h  float64 `json:"percent_change_1h"`
	PercentChange24h float64 `json:"percent_change_24h"`
	MarketCap        float64 `json:"market_cap"`
}

type envelope[T any] struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data T `json:"data"`
}

// FetchGlobalMetrics returns the latest global market metrics.
func (c *Client) FetchGlobalMetrics(ctx context.Context) (*GlobalMetrics, error) {
	body, err := c.Fetch(ctx, EndpointGlobalMetrics, map[string]string{"convert": "USD"})
	if err != nil {
		return nil, err
	}
	var env envelope[GlobalMetrics]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode global metrics: %w", err)
	}
	if env.Status.ErrorCode != 0 {
		return nil, fmt.Errorf("global metrics: upstream error %d: %s", env.Status.ErrorCode, env.Status.ErrorMessage)
	}
	return &env.Data, nil
}

type quoteEntry struct {
	Symbol string `json:"symbol"`
	Quote  struct {
		USD Quote `json:"USD"`
	} `json:"quote"`
}

// FetchQuotes returns USD quotes keyed by symbol.
func (c *Client) FetchQuotes(ctx context.Context, symbols ...string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols")
	}
	body, err := c.Fetch(ctx, EndpointQuotes, map[string]string{
		"symbol":  strings.ToUpper(strings.Join(symbols, ",")),
		"convert": "USD",
	})
	if err != nil {
		return nil, err
	}
	var env envelope[map[string][]quoteEntry]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}
	out := make(map[string]Quote, len(env.Data))
	for sym, entries := range env.Data {
		if len(entries) == 0 {
			continue
		}
		q := entries[0].Quote.USD
		q.Symbol = sym
		out[sym] = q
	}
	return out, nil
}

// Health checks the upstream with a global metrics call.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.FetchGlobalMetrics(ctx)
	return err
}

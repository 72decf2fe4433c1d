package models

import (
	"fmt"
	"strings"
)

// Asset is one of the tracked crypto assets. The set is closed.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
	AssetSOL Asset = "SOL"
)

// QuoteSuffix is stripped from exchange symbols to get the asset.
const QuoteSuffix = "USDT"

// AssetSpec carries the per-asset detection defaults.
type AssetSpec struct {
	Asset        Asset
	ThresholdPct float64 // crash threshold in percent
	BufferSize   int     // rolling buffer capacity
}

var assetSpecs = map[Asset]AssetSpec{
	AssetBTC: {Asset: AssetBTC, ThresholdPct: 0.5, BufferSize: 300},
	AssetETH: {Asset: AssetETH, ThresholdPct: 1.0, BufferSize: 300},
	AssetSOL: {Asset: AssetSOL, ThresholdPct: 2.0, BufferSize: 300},
}

// Assets returns the tracked assets in a stable order.
func Assets() []Asset {
	return []Asset{AssetBTC, AssetETH, AssetSOL}
}

// ParseAsset accepts "BTC", "btc", "BTCUSDT" or "btcusdt".
func ParseAsset(s string) (Asset, error) {
	a := Asset(strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), QuoteSuffix))
	if _, ok := assetSpecs[a]; !ok {
		return "", fmt.Errorf("unknown asset %q", s)
	}
	return a, nil
}

// Spec returns the detection defaults for the asset.
func (a Asset) Spec() AssetSpec { return assetSpecs[a] }

// Valid reports whether a is part of the tracked set.
func (a Asset) Valid() bool {
	_, ok := assetSpecs[a]
	return ok
}

// Symbol is the exchange trading pair, e.g. BTCUSDT.
func (a Asset) Symbol() string { return string(a) + QuoteSuffix }

// StreamName is the lowercase trade stream name, e.g. btcusdt@trade.
func (a Asset) StreamName() string { return strings.ToLower(a.Symbol()) + "@trade" }

func (a Asset) String() string { return string(a) }

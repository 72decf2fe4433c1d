package binance

import (
	"errors"
	"testing"
	"time"

	"FinPulse/internal/domain/models"
)

func TestDecodeCombinedStreamFrame(t *testing.T) {
	b := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":1,"p":"37000.50","q":"0.012","T":1700000000000}}`)
	tick, err := DecodeTick(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.Asset != models.AssetBTC || tick.Price != 37000.50 || tick.Quantity != 0.012 {
		t.Fatalf("unexpected tick %+v", tick)
	}
	if !tick.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected timestamp %v", tick.Timestamp)
	}
}

func TestDecodeBareTrade(t *testing.T) {
	tick, err := DecodeTick([]byte(`{"e":"trade","s":"ETHUSDT","p":"2000","q":"1.5","T":1700000000000}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.Asset != models.AssetETH || tick.Price != 2000 {
		t.Fatalf("unexpected tick %+v", tick)
	}
}

func TestDecodeFlatFrame(t *testing.T) {
	tick, err := DecodeTick([]byte(`{"asset":"SOL","price":142.50,"quantity":3.1,"timestamp":"2024-05-01T12:00:00.500Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 500*int(time.Millisecond), time.UTC)
	if tick.Asset != models.AssetSOL || tick.Price != 142.50 || tick.Quantity != 3.1 || !tick.Timestamp.Equal(want) {
		t.Fatalf("unexpected tick %+v", tick)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"stream":`,
		"unknown asset":  `{"asset":"DOGE","price":1,"quantity":1,"timestamp":"2024-05-01T12:00:00Z"}`,
		"bad price":      `{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"abc","q":"1","T":1}}`,
		"negative price": `{"asset":"BTC","price":-1,"quantity":1,"timestamp":"2024-05-01T12:00:00Z"}`,
		"bad timestamp":  `{"asset":"BTC","price":1,"quantity":1,"timestamp":"yesterday"}`,
		"missing data":   `{"stream":"btcusdt@trade"}`,
		"unrecognised":   `{"hello":"world"}`,
	}
	for name, in := range cases {
		if _, err := DecodeTick([]byte(in)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}

func TestDecodeRejectsNonFiniteNumbers(t *testing.T) {
	for _, v := range []string{"NaN", "Inf", "+Inf", "-Inf"} {
		frames := map[string]string{
			"combined price": `{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"` + v + `","q":"1","T":1700000000000}}`,
			"combined qty":   `{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"100","q":"` + v + `","T":1700000000000}}`,
			"flat price":     `{"asset":"BTC","price":"` + v + `","quantity":1,"timestamp":"2024-05-01T12:00:00Z"}`,
			"flat qty":       `{"asset":"BTC","price":100,"quantity":"` + v + `","timestamp":"2024-05-01T12:00:00Z"}`,
		}
		for name, in := range frames {
			if tick, err := DecodeTick([]byte(in)); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("%s %s: expected ErrMalformedFrame, got tick=%+v err=%v", name, v, tick, err)
			}
		}
	}
}

func TestDecodeSubscribeAckIsNotTrade(t *testing.T) {
	if _, err := DecodeTick([]byte(`{"result":null,"id":1}`)); !errors.Is(err, ErrNotTrade) {
		t.Fatalf("expected ErrNotTrade, got %v", err)
	}
}

func TestStreamURL(t *testing.T) {
	got := StreamURL("wss://stream.binance.com:9443/", []models.Asset{models.AssetBTC, models.AssetETH, models.AssetSOL})
	want := "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade/solusdt@trade"
	if got != want {
		t.Fatalf("got %s", got)
	}
}

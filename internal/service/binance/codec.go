package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"FinPulse/internal/domain/models"
	"FinPulse/pkg/util"
)

var (
	// ErrMalformedFrame marks frames that cannot be decoded into a tick.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrNotTrade marks well-formed frames that carry no trade, e.g. subscribe acks.
	ErrNotTrade = errors.New("not a trade frame")
)

// rawFrame holds every top-level field any accepted frame may carry.
type rawFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`

	Asset     string          `json:"asset"`
	Price     json.RawMessage `json:"price"`
	Quantity  json.RawMessage `json:"quantity"`
	Timestamp json.RawMessage `json:"timestamp"`

	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
}

type tradeFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// DecodeTick parses one inbound frame. It accepts the exchange combined
// stream envelope, a bare trade payload, and the flat
// {"asset","price","quantity","timestamp"} form.
func DecodeTick(b []byte) (models.Tick, error) {
	var p rawFrame
	if err := json.Unmarshal(b, &p); err != nil {
		return models.Tick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch {
	case p.Stream != "" || len(p.Data) > 0:
		if len(p.Data) == 0 {
			return models.Tick{}, fmt.Errorf("%w: stream %q without data", ErrMalformedFrame, p.Stream)
		}
		return decodeTrade(p.Data)
	case p.Symbol != "":
		return decodeTrade(b)
	case p.Asset != "":
		return decodeFlat(p)
	case p.ID != nil:
		return models.Tick{}, ErrNotTrade
	default:
		return models.Tick{}, fmt.Errorf("%w: unrecognised frame", ErrMalformedFrame)
	}
}

func decodeTrade(raw json.RawMessage) (models.Tick, error) {
	var f tradeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return models.Tick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event != "" && f.Event != "trade" {
		return models.Tick{}, ErrNotTrade
	}
	asset, err := models.ParseAsset(f.Symbol)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	price, err := strconv.ParseFloat(f.Price, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: price %q", ErrMalformedFrame, f.Price)
	}
	qty, err := strconv.ParseFloat(f.Quantity, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: quantity %q", ErrMalformedFrame, f.Quantity)
	}
	ts := f.TradeTime
	if ts == 0 {
		ts = f.EventTime
	}
	if ts <= 0 {
		return models.Tick{}, fmt.Errorf("%w: missing trade time", ErrMalformedFrame)
	}
	return finish(models.Tick{Asset: asset, Price: price, Quantity: qty, Timestamp: util.FromUnixAuto(ts)})
}

func decodeFlat(p rawFrame) (models.Tick, error) {
	asset, err := models.ParseAsset(p.Asset)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	price, err := number(p.Price)
	if err != nil {
		return models.Tick{}, fmt.Errorf("%w: price: %v", ErrMalformedFrame, err)
	}
	qty := 0.0
	if len(p.Quantity) > 0 {
		if qty, err = number(p.Quantity); err != nil {
			return models.Tick{}, fmt.Errorf("%w: quantity: %v", ErrMalformedFrame, err)
		}
	}
	raw := strings.Trim(string(p.Timestamp), `"`)
	ts, ok := util.ParseTime(raw)
	if !ok {
		return models.Tick{}, fmt.Errorf("%w: timestamp %q", ErrMalformedFrame, raw)
	}
	return finish(models.Tick{Asset: asset, Price: price, Quantity: qty, Timestamp: ts.UTC()})
}

func finish(t models.Tick) (models.Tick, error) {
	if err := t.Validate(); err != nil {
		return models.Tick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return t, nil
}

// number accepts a JSON number or a quoted decimal string.
func number(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	return strconv.ParseFloat(s, 64)
}

// StreamURL builds the combined stream URL for the given assets.
func StreamURL(base string, assets []models.Asset) string {
	names := make([]string, len(assets))
	for i, a := range assets {
		names[i] = a.StreamName()
	}
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(names, "/")
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type windowRequest struct {
	Window string `query:"window" default:"1h" validate:"duration"`
	Limit  int    `query:"limit" default:"10" validate:"gte=1,lte=100"`
}

func bind(t *testing.T, target string) (*windowRequest, []ValidationError) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	out := &windowRequest{}
	return out, ReadAndValidateRequest(c, out)
}

func TestReadAndValidateRequestDefaults(t *testing.T) {
	req, verr := bind(t, "/x")
	if verr != nil {
		t.Fatalf("unexpected errors %+v", verr)
	}
	if req.Window != "1h" || req.Limit != 10 {
		t.Fatalf("defaults not applied: %+v", req)
	}
}

func TestReadAndValidateRequestReportsQueryNames(t *testing.T) {
	_, verr := bind(t, "/x?window=soon&limit=500")
	if len(verr) != 2 {
		t.Fatalf("want 2 errors, got %+v", verr)
	}
	byField := map[string]ValidationError{}
	for _, v := range verr {
		byField[v.Field] = v
	}
	if byField["window"].Code != "ERR_DURATION" {
		t.Fatalf("window error %+v", byField["window"])
	}
	if byField["limit"].Code != "ERR_LTE" || byField["limit"].Params["max"] != "100" {
		t.Fatalf("limit error %+v", byField["limit"])
	}

	if _, verr := bind(t, "/x?window=-5m"); len(verr) != 1 {
		t.Fatalf("negative window accepted")
	}
}

func TestAppErrorResponseUsesErrorStatus(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := ConflictError("refresh already running").WithError(errors.New("lock held"))
	if err := AppErrorResponse(c, err); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Status int        `json:"status"`
		Data   []AppError `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != http.StatusConflict || body.Data[0].Code != "ERR_CONFLICT" {
		t.Fatalf("body %+v", body)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	_ = AppErrorResponse(c, errors.New("plain"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("plain error status %d", rec.Code)
	}
}

func TestTooManyRequestsSetsRetryAfter(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	_ = TooManyRequestsResponse(c, 3, "slow down")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "3" {
		t.Fatalf("status %d retry-after %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestClientDoSendsQueryAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTC,ETH" || r.Header.Get("X-Key") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("User-Agent") != "finpulse/1.0" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(time.Second), WithMaxBody(4))
	resp, err := c.Do(context.Background(), &RequestOptions{
		URL:         srv.URL + "/v2/quotes",
		Headers:     map[string]string{"X-Key": "k"},
		QueryParams: map[string]string{"symbol": "BTC,ETH"},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "7" {
		t.Fatalf("resp %d %v", resp.StatusCode, resp.Header)
	}
	if string(resp.Body) != "0123" || !resp.Truncated {
		t.Fatalf("body %q truncated=%v", resp.Body, resp.Truncated)
	}
}

func TestClientGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price":42.5}`))
	}))
	defer srv.Close()

	var out struct {
		Price float64 `json:"price"`
	}
	if err := NewClient().GetJSON(context.Background(), srv.URL, nil, &out); err != nil || out.Price != 42.5 {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}

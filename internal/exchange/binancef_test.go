package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

const exchangeInfoBody = `{"symbols":[{"symbol":"BTCUSDT","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.10"},
	{"filterType":"LOT_SIZE","stepSize":"0.001"},
	{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`

// fakeFutures serves the REST endpoints the adapter touches and records the
// last signed order query.
func fakeFutures(t *testing.T, orderHandler http.HandlerFunc) (*httptest.Server, *url.Values) {
	t.Helper()
	var lastOrder url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/time", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
	})
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, exchangeInfoBody)
	})
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		lastOrder = r.URL.Query()
		orderHandler(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &lastOrder
}

func futuresConfig(restURL string) config.ExchangeConfig {
	return config.ExchangeConfig{
		Venue:        "binancef",
		RestURL:      restURL,
		APIKey:       "test-key",
		APISecret:    "test-secret",
		RecvWindowMs: 5000,
		RateLimitRPS: 100,
	}
}

func TestBinanceFutures_SubmitOrderSignedFlow(t *testing.T) {
	srv, lastOrder := fakeFutures(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"orderId":4212,"status":"FILLED","executedQty":"0.010","avgPrice":"65000.10"}`)
	})

	b, err := NewBinanceFutures(futuresConfig(srv.URL), clock.NewWall())
	require.NoError(t, err)
	defer b.Close()

	// Exchange info loaded at construction.
	f := b.Filters("BTCUSDT")
	assert.InDelta(t, 0.10, f.TickSize, 1e-12)
	assert.InDelta(t, 0.001, f.StepSize, 1e-12)
	assert.InDelta(t, 100.0, f.MinNotional, 1e-12)

	ack, err := b.SubmitOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          schema.SideBuy,
		Qty:           0.01,
		OrderType:     schema.OrderLimit,
		Price:         65000.1,
		ClientOrderID: "of-abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "4212", ack.ExchangeOrderID)
	assert.Equal(t, schema.StatusFilled, ack.Status)
	assert.InDelta(t, 0.01, ack.FilledQty, 1e-12)
	assert.InDelta(t, 65000.10, ack.AvgPrice, 1e-9)

	q := *lastOrder
	assert.Equal(t, "BTCUSDT", q.Get("symbol"))
	assert.Equal(t, "BUY", q.Get("side"))
	assert.Equal(t, "LIMIT", q.Get("type"))
	assert.Equal(t, "GTC", q.Get("timeInForce"))
	assert.Equal(t, "of-abc123", q.Get("newClientOrderId"))
	assert.Equal(t, "5000", q.Get("recvWindow"))
	assert.NotEmpty(t, q.Get("timestamp"))
	assert.Len(t, q.Get("signature"), 64, "hex-encoded hmac-sha256")
}

func TestBinanceFutures_RateLimitMapsRetryAfter(t *testing.T) {
	srv, _ := fakeFutures(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	b, err := NewBinanceFutures(futuresConfig(srv.URL), clock.NewWall())
	require.NoError(t, err)
	defer b.Close()

	_, err = b.SubmitOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Qty: 0.01,
		OrderType: schema.OrderMarket, ClientOrderID: "of-rl1",
	})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int64(3000), rl.RetryAfterMs)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, schema.ReasonRateLimited, RejectReason(err))
}

func TestBinanceFutures_SubmitHonorsCancelledContext(t *testing.T) {
	srv, lastOrder := fakeFutures(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"orderId":1,"status":"NEW","executedQty":"0","avgPrice":"0"}`)
	})

	b, err := NewBinanceFutures(futuresConfig(srv.URL), clock.NewWall())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.SubmitOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Qty: 0.01,
		OrderType: schema.OrderMarket, ClientOrderID: "of-ctx1",
	})
	var re *RetryableError
	require.ErrorAs(t, err, &re)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, *lastOrder, "no request leaves the process once the context is gone")
}

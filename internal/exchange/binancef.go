package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

// BinanceFutures implements Adapter against the USD-M futures API. The same
// adapter serves testnet and live; only the endpoints differ.
type BinanceFutures struct {
	venue   string
	cfg     config.ExchangeConfig
	rest    *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	tp      clock.TimeProvider

	wsMu    sync.RWMutex
	wsConns map[string]*websocket.Conn

	timeOffsetMs int64

	filtersMu sync.RWMutex
	filters   map[string]SymbolFilters
}

// NewBinanceFutures builds the adapter and syncs server time once.
func NewBinanceFutures(cfg config.ExchangeConfig, tp clock.TimeProvider) (*BinanceFutures, error) {
	b := &BinanceFutures{
		venue:   cfg.Venue,
		cfg:     cfg,
		tp:      tp,
		wsConns: make(map[string]*websocket.Conn),
		filters: make(map[string]SymbolFilters),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)+1),
	}
	b.rest = resty.New().
		SetBaseURL(cfg.RestURL).
		SetTimeout(10*time.Second).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Venue + "-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	if err := b.syncServerTime(context.Background()); err != nil {
		return nil, err
	}
	if err := b.loadExchangeInfo(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BinanceFutures) syncServerTime(ctx context.Context) error {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := b.rest.R().SetContext(ctx).SetResult(&out).Get("/fapi/v1/time")
	if err != nil {
		return &RetryableError{Venue: b.venue, Op: "time", Err: err}
	}
	if resp.IsError() {
		return b.classifyHTTP("time", resp)
	}
	b.timeOffsetMs = b.tp.NowMs() - out.ServerTime
	return nil
}

func (b *BinanceFutures) loadExchangeInfo(ctx context.Context) error {
	var out struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	resp, err := b.rest.R().SetContext(ctx).SetResult(&out).Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return &RetryableError{Venue: b.venue, Op: "exchangeInfo", Err: err}
	}
	if resp.IsError() {
		return b.classifyHTTP("exchangeInfo", resp)
	}

	b.filtersMu.Lock()
	defer b.filtersMu.Unlock()
	for _, s := range out.Symbols {
		var f SymbolFilters
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize, _ = strconv.ParseFloat(flt.TickSize, 64)
			case "LOT_SIZE":
				f.StepSize, _ = strconv.ParseFloat(flt.StepSize, 64)
			case "MIN_NOTIONAL":
				f.MinNotional, _ = strconv.ParseFloat(flt.Notional, 64)
			}
		}
		b.filters[s.Symbol] = f
	}
	return nil
}

// Subscribe opens one combined stream per symbol carrying depth and trades.
func (b *BinanceFutures) Subscribe(ctx context.Context, symbols []string, kinds []schema.RowKind) (<-chan StreamMessage, error) {
	wantBook, wantTrade := false, false
	for _, k := range kinds {
		switch k {
		case schema.KindOrderbook:
			wantBook = true
		case schema.KindTrade:
			wantTrade = true
		}
	}

	out := make(chan StreamMessage, 1024)
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		var streams []string
		lower := strings.ToLower(symbol)
		if wantBook {
			streams = append(streams, lower+"@depth20@100ms")
		}
		if wantTrade {
			streams = append(streams, lower+"@aggTrade")
		}
		u := fmt.Sprintf("%s/stream?streams=%s", b.cfg.WsURL, strings.Join(streams, "/"))

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err != nil {
			// Subscription rejected: fail fast, close what already opened.
			b.closeStreams()
			return nil, &RetryableError{Venue: b.venue, Op: "subscribe " + symbol, Err: err}
		}
		b.wsMu.Lock()
		b.wsConns[symbol] = conn
		b.wsMu.Unlock()

		wg.Add(1)
		go func(symbol string, conn *websocket.Conn) {
			defer wg.Done()
			b.readLoop(ctx, symbol, conn, out)
		}(symbol, conn)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (b *BinanceFutures) readLoop(ctx context.Context, symbol string, conn *websocket.Conn, out chan<- StreamMessage) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("ws read failed")
			}
			return
		}
		msg, ok := b.parseStream(symbol, data)
		if !ok {
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (b *BinanceFutures) parseStream(symbol string, data []byte) (StreamMessage, bool) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return StreamMessage{}, false
	}
	recv := b.tp.NowMs()

	switch {
	case strings.Contains(frame.Stream, "@depth"):
		var d struct {
			EventTime int64       `json:"E"`
			Bids      [][2]string `json:"b"`
			Asks      [][2]string `json:"a"`
		}
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return StreamMessage{}, false
		}
		return StreamMessage{
			Symbol: symbol, Kind: schema.KindOrderbook,
			TsMs: d.EventTime, RecvTsMs: recv,
			Bids: parseLevels(d.Bids), Asks: parseLevels(d.Asks),
		}, true
	case strings.Contains(frame.Stream, "@aggTrade"):
		var t struct {
			EventTime  int64  `json:"E"`
			TradeTime  int64  `json:"T"`
			Price      string `json:"p"`
			Qty        string `json:"q"`
			BuyerMaker bool   `json:"m"`
		}
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return StreamMessage{}, false
		}
		px, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Qty, 64)
		side := schema.SideBuy
		if t.BuyerMaker { // buyer was maker: taker sold
			side = schema.SideSell
		}
		return StreamMessage{
			Symbol: symbol, Kind: schema.KindTrade,
			TsMs: t.TradeTime, RecvTsMs: recv,
			Price: px, Qty: qty, Side: side, IsMaker: t.BuyerMaker,
		}, true
	}
	return StreamMessage{}, false
}

func parseLevels(raw [][2]string) []schema.BookLevel {
	out := make([]schema.BookLevel, 0, len(raw))
	for _, lvl := range raw {
		px, _ := strconv.ParseFloat(lvl[0], 64)
		qty, _ := strconv.ParseFloat(lvl[1], 64)
		out = append(out, schema.BookLevel{Price: px, Qty: qty})
	}
	return out
}

// sign appends timestamp, recvWindow, and the HMAC-SHA256 signature.
func (b *BinanceFutures) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(b.tp.NowMs()-b.timeOffsetMs, 10))
	params.Set("recvWindow", strconv.FormatInt(b.cfg.RecvWindowMs, 10))
	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

// signedCall runs one signed REST request through the limiter and breaker.
func (b *BinanceFutures) signedCall(ctx context.Context, op, method, path string, params url.Values, result any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &RetryableError{Venue: b.venue, Op: op, Err: err}
	}
	_, err := b.breaker.Execute(func() (any, error) {
		req := b.rest.R().SetContext(ctx).SetQueryParamsFromValues(b.sign(params))
		if result != nil {
			req.SetResult(result)
		}
		var resp *resty.Response
		var err error
		switch method {
		case "POST":
			resp, err = req.Post(path)
		case "DELETE":
			resp, err = req.Delete(path)
		default:
			resp, err = req.Get(path)
		}
		if err != nil {
			return nil, &RetryableError{Venue: b.venue, Op: op, Err: err}
		}
		if resp.IsError() {
			return nil, b.classifyHTTP(op, resp)
		}
		return nil, nil
	})
	return err
}

func (b *BinanceFutures) classifyHTTP(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code == 429 || code == 418:
		retryAfter := int64(2000)
		if v := resp.Header().Get("Retry-After"); v != "" {
			if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
				retryAfter = sec * 1000
			}
		}
		return &RateLimitError{Venue: b.venue, RetryAfterMs: retryAfter}
	case code >= 500:
		return &RetryableError{Venue: b.venue, Op: op, Err: fmt.Errorf("http %d: %s", code, resp.String())}
	default:
		return &AdapterError{Venue: b.venue, Op: op, Code: code, Msg: resp.String(), Reason: schema.ReasonExchangeRejected}
	}
}

// SubmitOrder sends a signed order and maps the ack.
func (b *BinanceFutures) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("quantity", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	if req.OrderType == schema.OrderLimit {
		params.Set("type", "LIMIT")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	} else {
		params.Set("type", "MARKET")
	}

	var out struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := b.signedCall(ctx, "order", "POST", "/fapi/v1/order", params, &out); err != nil {
		return nil, err
	}

	filled, _ := strconv.ParseFloat(out.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(out.AvgPrice, 64)
	return &OrderAck{
		ExchangeOrderID: strconv.FormatInt(out.OrderID, 10),
		Status:          mapOrderStatus(out.Status),
		FilledQty:       filled,
		AvgPrice:        avg,
	}, nil
}

func mapOrderStatus(s string) schema.ExecStatus {
	switch s {
	case "FILLED":
		return schema.StatusFilled
	case "PARTIALLY_FILLED":
		return schema.StatusPartial
	case "CANCELED", "EXPIRED":
		return schema.StatusCanceled
	case "REJECTED":
		return schema.StatusRejected
	default:
		return schema.StatusAccepted
	}
}

// CancelOrder cancels by client order id.
func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	return b.signedCall(ctx, "cancel", "DELETE", "/fapi/v1/order", params, nil)
}

// FetchFills returns user trades since the given time.
func (b *BinanceFutures) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]schema.Fill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(sinceTsMs, 10))

	var out []struct {
		Time    int64  `json:"time"`
		Price   string `json:"price"`
		Qty     string `json:"qty"`
		Fee     string `json:"commission"`
		IsBuyer bool   `json:"buyer"`
		IsMaker bool   `json:"maker"`
		OrderID int64  `json:"orderId"`
	}
	if err := b.signedCall(ctx, "userTrades", "GET", "/fapi/v1/userTrades", params, &out); err != nil {
		return nil, err
	}
	fills := make([]schema.Fill, 0, len(out))
	for _, f := range out {
		px, _ := strconv.ParseFloat(f.Price, 64)
		qty, _ := strconv.ParseFloat(f.Qty, 64)
		fee, _ := strconv.ParseFloat(f.Fee, 64)
		side := schema.SideSell
		if f.IsBuyer {
			side = schema.SideBuy
		}
		fills = append(fills, schema.Fill{
			TsMs: f.Time, Symbol: symbol, Side: side,
			Price: px, Qty: qty, Fee: fee, IsMaker: f.IsMaker,
			ClientOrderID: strconv.FormatInt(f.OrderID, 10),
		})
	}
	return fills, nil
}

// GetPosition returns the signed position for one symbol, nil when flat.
func (b *BinanceFutures) GetPosition(ctx context.Context, symbol string) (*schema.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out []struct {
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		Notional    string `json:"notional"`
		UpdateTime  int64  `json:"updateTime"`
	}
	if err := b.signedCall(ctx, "positionRisk", "GET", "/fapi/v2/positionRisk", params, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	qty, _ := strconv.ParseFloat(out[0].PositionAmt, 64)
	if qty == 0 {
		return nil, nil
	}
	entry, _ := strconv.ParseFloat(out[0].EntryPrice, 64)
	notional, _ := strconv.ParseFloat(out[0].Notional, 64)
	return &schema.Position{
		Symbol: symbol, Qty: qty, EntryPrice: entry,
		NotionalUSD: notional, OpenTsMs: out[0].UpdateTime,
	}, nil
}

// GetBalance returns one asset's futures wallet balance.
func (b *BinanceFutures) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	var out []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
		Balance          string `json:"balance"`
	}
	if err := b.signedCall(ctx, "balance", "GET", "/fapi/v2/balance", url.Values{}, &out); err != nil {
		return nil, err
	}
	for _, a := range out {
		if a.Asset != asset {
			continue
		}
		free, _ := strconv.ParseFloat(a.AvailableBalance, 64)
		total, _ := strconv.ParseFloat(a.Balance, 64)
		return &Balance{Asset: asset, Free: free, Locked: total - free}, nil
	}
	return &Balance{Asset: asset}, nil
}

// Filters returns the cached symbol constraints.
func (b *BinanceFutures) Filters(symbol string) SymbolFilters {
	b.filtersMu.RLock()
	defer b.filtersMu.RUnlock()
	return b.filters[symbol]
}

// NormalizeQuantity floors qty to the symbol's step size.
func (b *BinanceFutures) NormalizeQuantity(symbol string, qty float64) float64 {
	return AlignQty(qty, b.Filters(symbol).StepSize)
}

// ServerTimeOffsetMs returns local-minus-server clock offset.
func (b *BinanceFutures) ServerTimeOffsetMs() int64 { return b.timeOffsetMs }

func (b *BinanceFutures) closeStreams() {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	for symbol, conn := range b.wsConns {
		conn.Close()
		delete(b.wsConns, symbol)
	}
}

// Close shuts down streams and the REST client.
func (b *BinanceFutures) Close() error {
	b.closeStreams()
	return nil
}

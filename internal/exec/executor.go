package exec

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/exchange"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
)

// Executor is the order dispatch contract shared by live, testnet and
// backtest. Submit is idempotent on client_order_id: resubmitting the same
// order returns the original result without a second execution.
type Executor interface {
	Submit(ctx context.Context, octx *schema.OrderCtx) (*schema.ExecResult, error)
	Cancel(ctx context.Context, symbol, clientOrderID string) (*schema.CancelResult, error)
	FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]schema.Fill, error)
	GetPosition(ctx context.Context, symbol string) (*schema.Position, error)
	Flush() error
	Close() error
}

// AdapterExecutor dispatches through an exchange adapter with a local
// idempotency cache, bounded retries on transient failures, and full
// lifecycle logging through the outbox.
type AdapterExecutor struct {
	adapter exchange.Adapter
	outbox  *Outbox
	cfg     config.ExecConfig
	tp      clock.TimeProvider
	rng     *clock.RNG

	// idem holds terminal results keyed by client_order_id. TTL-bounded so
	// a long-running strategy does not grow without limit.
	idem *cache.Cache
}

// NewAdapterExecutor wires an executor over the given adapter and outbox.
func NewAdapterExecutor(adapter exchange.Adapter, outbox *Outbox, cfg config.ExecConfig, tp clock.TimeProvider, rng *clock.RNG) *AdapterExecutor {
	ttl := time.Duration(cfg.IdempotencyTTLSec) * time.Second
	return &AdapterExecutor{
		adapter: adapter,
		outbox:  outbox,
		cfg:     cfg,
		tp:      tp,
		rng:     rng,
		idem:    cache.New(ttl, ttl),
	}
}

// Submit sends one order. Transient failures retry with jittered exponential
// backoff under the same client_order_id, so a fill that happened before a
// lost response is recovered by the venue's own idempotency rather than
// duplicated.
func (e *AdapterExecutor) Submit(ctx context.Context, octx *schema.OrderCtx) (*schema.ExecResult, error) {
	if cached, ok := e.idem.Get(octx.ClientOrderID); ok {
		res := *cached.(*schema.ExecResult)
		metrics.Default().OrdersSubmitted.WithLabelValues(octx.Symbol, string(schema.ReasonIdempotentDup)).Inc()
		return &res, nil
	}

	sentMs := e.tp.NowMs()
	start := e.tp.Monotonic()
	if err := e.outbox.Log(&schema.ExecLogEvent{
		TsMs: sentMs, Symbol: octx.Symbol, Event: schema.EventSubmit,
		Status: schema.StatusAccepted, ClientOrderID: octx.ClientOrderID,
		Side: octx.Side, Qty: octx.Qty, PxIntent: octx.Price, PxSent: octx.Price,
	}); err != nil {
		return nil, err
	}

	req := exchange.OrderRequest{
		Symbol:        octx.Symbol,
		Side:          octx.Side,
		Qty:           octx.Qty,
		OrderType:     octx.OrderType,
		Price:         octx.Price,
		TimeInForce:   octx.TimeInForce,
		ClientOrderID: octx.ClientOrderID,
	}

	ack, err := e.submitWithRetry(ctx, req)
	latencyMs := int64((e.tp.Monotonic() - start) / time.Millisecond)
	if err != nil {
		reason := exchange.RejectReason(err)
		res := &schema.ExecResult{
			Status:        schema.StatusRejected,
			ClientOrderID: octx.ClientOrderID,
			RejectReason:  reason,
			LatencyMs:     latencyMs,
			SentTsMs:      sentMs,
		}
		if logErr := e.outbox.Log(&schema.ExecLogEvent{
			TsMs: e.tp.NowMs(), Symbol: octx.Symbol, Event: schema.EventRejected,
			Status: schema.StatusRejected, ClientOrderID: octx.ClientOrderID,
			RejectReason: reason, Side: octx.Side, Qty: octx.Qty, LatencyMs: latencyMs,
		}); logErr != nil {
			log.Error().Err(logErr).Msg("exec outbox reject log failed")
		}
		// Hard rejections are terminal: the same order id will never pass.
		if !exchange.IsRetryable(err) {
			e.idem.SetDefault(octx.ClientOrderID, res)
		}
		metrics.Default().OrdersSubmitted.WithLabelValues(octx.Symbol, string(reason)).Inc()
		return res, nil
	}

	res := &schema.ExecResult{
		Status:          ack.Status,
		ClientOrderID:   octx.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		LatencyMs:       latencyMs,
		FilledQty:       ack.FilledQty,
		AvgPrice:        ack.AvgPrice,
		Fee:             ack.Fee,
		SentTsMs:        sentMs,
		AckTsMs:         e.tp.NowMs(),
	}
	if octx.Price > 0 && ack.AvgPrice > 0 {
		res.SlippageBps = octx.Side.Sign() * (ack.AvgPrice - octx.Price) / octx.Price * 1e4
	}

	if err := e.outbox.Log(&schema.ExecLogEvent{
		TsMs: res.AckTsMs, Symbol: octx.Symbol, Event: schema.EventAck,
		Status: schema.StatusAccepted, ClientOrderID: octx.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID, Side: octx.Side, Qty: octx.Qty,
		PxIntent: octx.Price, PxSent: octx.Price, LatencyMs: latencyMs,
	}); err != nil {
		log.Error().Err(err).Msg("exec outbox ack log failed")
	}
	if ack.Status == schema.StatusFilled || ack.Status == schema.StatusPartial {
		ev := schema.EventFilled
		if ack.Status == schema.StatusPartial {
			ev = schema.EventPartial
		}
		res.FillTsMs = e.tp.NowMs()
		if err := e.outbox.Log(&schema.ExecLogEvent{
			TsMs: res.FillTsMs, Symbol: octx.Symbol, Event: ev,
			Status: ack.Status, ClientOrderID: octx.ClientOrderID,
			ExchangeOrderID: ack.ExchangeOrderID, Side: octx.Side,
			Qty: ack.FilledQty, PxFill: ack.AvgPrice, Fee: ack.Fee,
			SlippageBps: res.SlippageBps,
		}); err != nil {
			log.Error().Err(err).Msg("exec outbox fill log failed")
		}
	}

	if res.Status.Terminal() || res.Status == schema.StatusAccepted {
		e.idem.SetDefault(octx.ClientOrderID, res)
	}
	m := metrics.Default()
	m.OrdersSubmitted.WithLabelValues(octx.Symbol, string(schema.ReasonOK)).Inc()
	m.OrderLatency.WithLabelValues(octx.Symbol).Observe(float64(latencyMs))
	return res, nil
}

// submitWithRetry retries transient adapter failures with jittered
// exponential backoff, up to retry_max attempts past the first.
func (e *AdapterExecutor) submitWithRetry(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryMax; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMs)*time.Millisecond)
		ack, err := e.adapter.SubmitOrder(callCtx, req)
		cancel()
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !exchange.IsRetryable(err) || attempt == e.cfg.RetryMax {
			break
		}
		backoff := time.Duration(e.cfg.RetryBaseMs) * time.Millisecond << uint(attempt)
		var rl *exchange.RateLimitError
		if errors.As(err, &rl) && time.Duration(rl.RetryAfterMs)*time.Millisecond > backoff {
			backoff = time.Duration(rl.RetryAfterMs) * time.Millisecond
		}
		backoff += e.rng.Jitter(backoff / 2)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).
			Str("client_order_id", req.ClientOrderID).Msg("order submit retrying")
		e.tp.Sleep(backoff)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Cancel cancels an open order and logs the transition.
func (e *AdapterExecutor) Cancel(ctx context.Context, symbol, clientOrderID string) (*schema.CancelResult, error) {
	err := e.adapter.CancelOrder(ctx, symbol, clientOrderID)
	res := &schema.CancelResult{ClientOrderID: clientOrderID, Status: schema.StatusCanceled}
	if err != nil {
		res.Err = err.Error()
		return res, err
	}
	if logErr := e.outbox.Log(&schema.ExecLogEvent{
		TsMs: e.tp.NowMs(), Symbol: symbol, Event: schema.EventCanceled,
		Status: schema.StatusCanceled, ClientOrderID: clientOrderID,
	}); logErr != nil {
		log.Error().Err(logErr).Msg("exec outbox cancel log failed")
	}
	return res, nil
}

// FetchFills proxies to the adapter.
func (e *AdapterExecutor) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]schema.Fill, error) {
	return e.adapter.FetchFills(ctx, symbol, sinceTsMs)
}

// GetPosition proxies to the adapter.
func (e *AdapterExecutor) GetPosition(ctx context.Context, symbol string) (*schema.Position, error) {
	return e.adapter.GetPosition(ctx, symbol)
}

// Flush drains the outbox.
func (e *AdapterExecutor) Flush() error { return e.outbox.Flush() }

// Close flushes the outbox and releases the adapter.
func (e *AdapterExecutor) Close() error {
	if err := e.outbox.Close(); err != nil {
		return err
	}
	return e.adapter.Close()
}

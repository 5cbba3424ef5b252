package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/exchange"
	"github.com/v13quant/orderflow/internal/schema"
)

type memExecWriter struct {
	events []schema.ExecLogEvent
}

func (w *memExecWriter) WriteExecEvent(ev *schema.ExecLogEvent) error {
	w.events = append(w.events, *ev)
	return nil
}
func (w *memExecWriter) Flush() error { return nil }
func (w *memExecWriter) Close() error { return nil }

func testExecConfig() config.ExecConfig {
	return config.ExecConfig{
		Mode:              "testnet",
		RetryMax:          3,
		RetryBaseMs:       10,
		TimeoutMs:         1000,
		IdempotencyTTLSec: 60,
	}
}

func orderCtx(id string) *schema.OrderCtx {
	return &schema.OrderCtx{
		ClientOrderID: id,
		Symbol:        "BTCUSDT",
		Side:          schema.SideBuy,
		Qty:           0.1,
		OrderType:     schema.OrderMarket,
		Price:         100,
		SignalRowID:   "BTCUSDT-1000-000001",
		EventTsMs:     1000,
	}
}

func newTestExecutor(t *testing.T) (*AdapterExecutor, *exchange.Mock, *memExecWriter) {
	t.Helper()
	tp := clock.NewSimulated(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	mock := exchange.NewMock(tp, nil)
	mock.SetMark("BTCUSDT", 100)
	w := &memExecWriter{}
	e := NewAdapterExecutor(mock, NewOutbox(w), testExecConfig(), tp, clock.NewRNG(1))
	return e, mock, w
}

func TestOutbox_EnforcesStateMachine(t *testing.T) {
	o := NewOutbox(&memExecWriter{})

	ev := func(e schema.ExecEvent, s schema.ExecStatus) *schema.ExecLogEvent {
		return &schema.ExecLogEvent{TsMs: 1, Symbol: "BTCUSDT", Event: e, Status: s, ClientOrderID: "o1"}
	}

	require.NoError(t, o.Log(ev(schema.EventSubmit, schema.StatusAccepted)))
	require.NoError(t, o.Log(ev(schema.EventAck, schema.StatusAccepted)))
	require.NoError(t, o.Log(ev(schema.EventPartial, schema.StatusPartial)))
	require.NoError(t, o.Log(ev(schema.EventFilled, schema.StatusFilled)))

	// Terminal status releases the order id for a fresh lifecycle.
	require.NoError(t, o.Log(ev(schema.EventSubmit, schema.StatusAccepted)))

	// Fills cannot precede the ack.
	assert.Error(t, o.Log(ev(schema.EventFilled, schema.StatusFilled)))

	fresh := NewOutbox(&memExecWriter{})
	assert.Error(t, fresh.Log(ev(schema.EventAck, schema.StatusAccepted)), "first event must be submit")
}

func TestExecutor_SubmitFillsAndLogsLifecycle(t *testing.T) {
	e, mock, w := newTestExecutor(t)

	res, err := e.Submit(context.Background(), orderCtx("o1"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFilled, res.Status)
	assert.Equal(t, 100.0, res.AvgPrice)
	assert.Equal(t, 0.1, res.FilledQty)
	assert.Equal(t, 1, mock.SubmitCount())

	var kinds []schema.ExecEvent
	for _, ev := range w.events {
		kinds = append(kinds, ev.Event)
	}
	assert.Equal(t, []schema.ExecEvent{schema.EventSubmit, schema.EventAck, schema.EventFilled}, kinds)
}

func TestExecutor_IdempotentResubmit(t *testing.T) {
	e, mock, _ := newTestExecutor(t)

	first, err := e.Submit(context.Background(), orderCtx("o1"))
	require.NoError(t, err)
	second, err := e.Submit(context.Background(), orderCtx("o1"))
	require.NoError(t, err)

	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)
	assert.Equal(t, 1, mock.SubmitCount(), "resubmit must not double-execute")
}

func TestExecutor_RetryRecoversWithoutDoubleFill(t *testing.T) {
	e, mock, _ := newTestExecutor(t)
	mock.FailNextSubmits = 2

	res, err := e.Submit(context.Background(), orderCtx("o1"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFilled, res.Status)
	assert.Equal(t, 1, mock.SubmitCount(), "one fill across all retries")
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	e, mock, w := newTestExecutor(t)
	mock.FailNextSubmits = 10

	res, err := e.Submit(context.Background(), orderCtx("o1"))
	require.NoError(t, err, "exhaustion is a result, not an error")
	assert.Equal(t, schema.StatusRejected, res.Status)
	assert.Equal(t, schema.ReasonExchangeDown, res.RejectReason)

	last := w.events[len(w.events)-1]
	assert.Equal(t, schema.EventRejected, last.Event)
}

func TestExecutor_HardRejectIsTerminal(t *testing.T) {
	e, mock, _ := newTestExecutor(t)
	mock.RejectNextSubmit = true

	res, err := e.Submit(context.Background(), orderCtx("o1"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRejected, res.Status)
	assert.Equal(t, schema.ReasonExchangeRejected, res.RejectReason)

	// The rejection is cached: resubmitting never reaches the venue again.
	again, err := e.Submit(context.Background(), orderCtx("o1"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRejected, again.Status)
	assert.Equal(t, 0, mock.SubmitCount())
}

func TestShadow_TracksParity(t *testing.T) {
	primary, _, _ := newTestExecutor(t)

	tp := clock.NewSimulated(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	secondaryMock := exchange.NewMock(tp, nil)
	secondaryMock.SetMark("BTCUSDT", 100)
	secondary := NewAdapterExecutor(secondaryMock, NewOutbox(&memExecWriter{}), testExecConfig(), tp, clock.NewRNG(2))

	sh := NewShadow(primary, secondary, 0.99)
	_, err := sh.Submit(context.Background(), orderCtx("o1"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, sh.Ratio())

	// Diverging shadow fill price drops the ratio.
	secondaryMock.SetMark("BTCUSDT", 105)
	_, err = sh.Submit(context.Background(), orderCtx("o2"))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sh.Ratio(), 1e-9)
}

package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/schema"
)

// Mock is a deterministic in-memory adapter used by tests and by the
// backtest strategy mode. Orders fill immediately at the scripted mark
// price; the stream replays scripted messages.
type Mock struct {
	tp              clock.TimeProvider
	filtersBySymbol map[string]SymbolFilters

	mu        sync.Mutex
	marks     map[string]float64
	positions map[string]*schema.Position
	fills     []schema.Fill
	submitted map[string]*OrderAck // by client order id
	script    []StreamMessage

	// FailNextSubmits injects transient submit failures for retry tests.
	FailNextSubmits int
	// RejectNextSubmit injects one hard 4xx rejection.
	RejectNextSubmit bool

	seq int64
}

// NewMock creates the adapter with the given symbol filters.
func NewMock(tp clock.TimeProvider, filters map[string]SymbolFilters) *Mock {
	if filters == nil {
		filters = map[string]SymbolFilters{}
	}
	return &Mock{
		tp:              tp,
		filtersBySymbol: filters,
		marks:           make(map[string]float64),
		positions:       make(map[string]*schema.Position),
		submitted:       make(map[string]*OrderAck),
	}
}

// SetMark sets the current fill price for a symbol.
func (m *Mock) SetMark(symbol string, price float64) {
	m.mu.Lock()
	m.marks[symbol] = price
	m.mu.Unlock()
}

// Script queues stream messages for Subscribe to replay.
func (m *Mock) Script(msgs ...StreamMessage) {
	m.mu.Lock()
	m.script = append(m.script, msgs...)
	m.mu.Unlock()
}

// Subscribe replays scripted messages and closes the channel.
func (m *Mock) Subscribe(ctx context.Context, symbols []string, kinds []schema.RowKind) (<-chan StreamMessage, error) {
	m.mu.Lock()
	script := m.script
	m.script = nil
	m.mu.Unlock()

	out := make(chan StreamMessage, len(script))
	go func() {
		defer close(out)
		for _, msg := range script {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SubmitOrder fills immediately at the mark, tracking position.
func (m *Mock) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextSubmits > 0 {
		m.FailNextSubmits--
		return nil, &RetryableError{Venue: "mock", Op: "order", Err: fmt.Errorf("injected network failure")}
	}
	if m.RejectNextSubmit {
		m.RejectNextSubmit = false
		return nil, &AdapterError{Venue: "mock", Op: "order", Code: 400, Msg: "injected rejection", Reason: schema.ReasonExchangeRejected}
	}
	// The exchange's own idempotency: a resubmitted client order id returns
	// the original ack instead of double-filling.
	if ack, ok := m.submitted[req.ClientOrderID]; ok {
		return ack, nil
	}

	px := req.Price
	if req.OrderType == schema.OrderMarket {
		px = m.marks[req.Symbol]
	}
	if px == 0 {
		px = m.marks[req.Symbol]
	}

	m.seq++
	ack := &OrderAck{
		ExchangeOrderID: fmt.Sprintf("mock-%d", m.seq),
		Status:          schema.StatusFilled,
		FilledQty:       req.Qty,
		AvgPrice:        px,
	}
	m.submitted[req.ClientOrderID] = ack

	m.fills = append(m.fills, schema.Fill{
		TsMs: m.tp.NowMs(), Symbol: req.Symbol, ClientOrderID: req.ClientOrderID,
		Side: req.Side, Price: px, Qty: req.Qty,
	})
	m.applyFill(req.Symbol, req.Side, px, req.Qty)
	return ack, nil
}

func (m *Mock) applyFill(symbol string, side schema.Side, px, qty float64) {
	pos := m.positions[symbol]
	if pos == nil {
		pos = &schema.Position{Symbol: symbol, OpenTsMs: m.tp.NowMs()}
		m.positions[symbol] = pos
	}
	pos.Qty += side.Sign() * qty
	pos.EntryPrice = px
	pos.NotionalUSD = pos.Qty * px
	if pos.Qty == 0 {
		delete(m.positions, symbol)
	}
}

// CancelOrder is a no-op for already-filled mock orders.
func (m *Mock) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submitted[clientOrderID]; !ok {
		return &AdapterError{Venue: "mock", Op: "cancel", Code: 400, Msg: "unknown order"}
	}
	return nil
}

// FetchFills returns fills since the given time.
func (m *Mock) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]schema.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.Fill
	for _, f := range m.fills {
		if f.Symbol == symbol && f.TsMs >= sinceTsMs {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetPosition returns the current mock position, nil when flat.
func (m *Mock) GetPosition(ctx context.Context, symbol string) (*schema.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

// GetBalance returns a fixed balance.
func (m *Mock) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	return &Balance{Asset: asset, Free: 1_000_000}, nil
}

// Filters returns the configured symbol constraints.
func (m *Mock) Filters(symbol string) SymbolFilters {
	return m.filtersBySymbol[symbol]
}

// NormalizeQuantity floors qty to the step size.
func (m *Mock) NormalizeQuantity(symbol string, qty float64) float64 {
	return AlignQty(qty, m.Filters(symbol).StepSize)
}

// ServerTimeOffsetMs is zero for the mock.
func (m *Mock) ServerTimeOffsetMs() int64 { return 0 }

// SubmitCount reports how many distinct orders were accepted.
func (m *Mock) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

// Close is a no-op.
func (m *Mock) Close() error { return nil }

package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// OrderType is the exchange order flavor.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderCtx is the full context the risk precheck and executor receive for a
// single order attempt. It is immutable once built from a signal.
type OrderCtx struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	OrderType     OrderType `json:"order_type"`
	Price         float64   `json:"price,omitempty"`
	TimeInForce   string    `json:"time_in_force,omitempty"`

	// Upstream signal state
	SignalRowID        string   `json:"signal_row_id"`
	Regime             Regime   `json:"regime"`
	Scenario           Scenario `json:"scenario"`
	Warmup             bool     `json:"warmup"`
	GuardReason        string   `json:"guard_reason,omitempty"`
	Consistency        float64  `json:"consistency"`
	WeakSignalThrottle bool     `json:"weak_signal_throttle"`

	// Exchange constraints
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinNotional float64 `json:"min_notional"`

	// Cost hints. MarkPx is the reference mid the intent price is judged
	// against for the slippage cap.
	MarkPx    float64 `json:"mark_px,omitempty"`
	CostsBps  float64 `json:"costs_bps"`
	EventTsMs int64   `json:"event_ts_ms"`
}

// ClientOrderID derives the deterministic idempotency key for an order:
// hash of signal_row_id | ts_ms | side | qty | px.
func ClientOrderID(signalRowID string, tsMs int64, side Side, qty, px float64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%.10f|%.10f", signalRowID, tsMs, side, qty, px)))
	return hex.EncodeToString(h[:])[:24]
}

// ExecStatus is the order lifecycle status reported by an executor.
type ExecStatus string

const (
	StatusAccepted ExecStatus = "accepted"
	StatusRejected ExecStatus = "rejected"
	StatusFilled   ExecStatus = "filled"
	StatusPartial  ExecStatus = "partial"
	StatusCanceled ExecStatus = "canceled"
)

// Terminal reports whether the status is absorbing.
func (s ExecStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCanceled
}

// ExecResult is the executor's response to a submit.
type ExecResult struct {
	Status          ExecStatus `json:"status"`
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	RejectReason    Reason     `json:"reject_reason,omitempty"`
	LatencyMs       int64      `json:"latency_ms"`
	SlippageBps     float64    `json:"slippage_bps,omitempty"`
	RoundingApplied bool       `json:"rounding_applied,omitempty"`
	FilledQty       float64    `json:"filled_qty,omitempty"`
	AvgPrice        float64    `json:"avg_price,omitempty"`
	Fee             float64    `json:"fee,omitempty"`
	SentTsMs        int64      `json:"sent_ts_ms"`
	AckTsMs         int64      `json:"ack_ts_ms,omitempty"`
	FillTsMs        int64      `json:"fill_ts_ms,omitempty"`
}

// ExecEvent names an order lifecycle transition.
type ExecEvent string

const (
	EventSubmit   ExecEvent = "submit"
	EventAck      ExecEvent = "ack"
	EventPartial  ExecEvent = "partial"
	EventFilled   ExecEvent = "filled"
	EventRejected ExecEvent = "rejected"
	EventCanceled ExecEvent = "canceled"
)

// ExecLogEvent is one order-lifecycle transition written to the exec log.
type ExecLogEvent struct {
	TsMs            int64      `json:"ts_ms" db:"ts_ms"`
	Symbol          string     `json:"symbol" db:"symbol"`
	Event           ExecEvent  `json:"event" db:"event"`
	Status          ExecStatus `json:"status" db:"status"`
	ClientOrderID   string     `json:"client_order_id" db:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	RejectReason    Reason     `json:"reject_reason,omitempty" db:"reject_reason"`
	Side            Side       `json:"side,omitempty" db:"side"`
	Qty             float64    `json:"qty,omitempty" db:"qty"`
	PxIntent        float64    `json:"px_intent,omitempty" db:"px_intent"`
	PxSent          float64    `json:"px_sent,omitempty" db:"px_sent"`
	PxFill          float64    `json:"px_fill,omitempty" db:"px_fill"`
	Fee             float64    `json:"fee,omitempty" db:"fee"`
	LatencyMs       int64      `json:"latency_ms,omitempty" db:"latency_ms"`
	SlippageBps     float64    `json:"slippage_bps,omitempty" db:"slippage_bps"`
}

// Fill is a single execution fill reported by the exchange.
type Fill struct {
	TsMs          int64   `json:"ts_ms"`
	Symbol        string  `json:"symbol"`
	ClientOrderID string  `json:"client_order_id"`
	Side          Side    `json:"side"`
	Price         float64 `json:"price"`
	Qty           float64 `json:"qty"`
	Fee           float64 `json:"fee"`
	IsMaker       bool    `json:"is_maker"`
}

// Position is the current exposure on one symbol.
type Position struct {
	Symbol      string  `json:"symbol"`
	Qty         float64 `json:"qty"` // signed: >0 long, <0 short
	EntryPrice  float64 `json:"entry_price"`
	NotionalUSD float64 `json:"notional_usd"`
	OpenTsMs    int64   `json:"open_ts_ms"`
}

// CancelResult is the executor's response to a cancel.
type CancelResult struct {
	ClientOrderID string     `json:"client_order_id"`
	Status        ExecStatus `json:"status"`
	Err           string     `json:"err,omitempty"`
}

// ValidTransition encodes the per-order state machine
// NEW -> ACK -> (PARTIAL*) -> FILLED | CANCELED | REJECTED.
func ValidTransition(from, to ExecEvent) bool {
	switch from {
	case EventSubmit:
		return to == EventAck || to == EventRejected
	case EventAck, EventPartial:
		return to == EventPartial || to == EventFilled || to == EventCanceled || to == EventRejected
	}
	return false
}

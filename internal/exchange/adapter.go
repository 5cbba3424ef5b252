package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/v13quant/orderflow/internal/schema"
)

// StreamMessage is one normalized message off a market-data stream.
type StreamMessage struct {
	Symbol   string
	Kind     schema.RowKind
	TsMs     int64 // exchange event time
	RecvTsMs int64 // local receipt time

	Bids []schema.BookLevel
	Asks []schema.BookLevel

	Price   float64
	Qty     float64
	Side    schema.Side
	IsMaker bool
}

// OrderRequest is the submit payload the adapter signs and sends.
type OrderRequest struct {
	Symbol        string
	Side          schema.Side
	Qty           float64
	OrderType     schema.OrderType
	Price         float64
	TimeInForce   string
	ClientOrderID string
}

// OrderAck is the exchange's response to a submit.
type OrderAck struct {
	ExchangeOrderID string
	Status          schema.ExecStatus
	FilledQty       float64
	AvgPrice        float64
	Fee             float64
}

// SymbolFilters are the exchange constraints applied to every order.
type SymbolFilters struct {
	TickSize    float64
	StepSize    float64
	MinNotional float64
}

// Balance is one asset's account balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Adapter is the abstract exchange contract the pipeline consumes. One
// implementation per venue plus a deterministic mock.
type Adapter interface {
	// Subscribe opens depth and trade streams for the symbol set. Messages
	// arrive on the returned channel until ctx is cancelled; the channel is
	// closed on unrecoverable stream failure.
	Subscribe(ctx context.Context, symbols []string, kinds []schema.RowKind) (<-chan StreamMessage, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]schema.Fill, error)
	GetPosition(ctx context.Context, symbol string) (*schema.Position, error)
	GetBalance(ctx context.Context, asset string) (*Balance, error)

	// Filters returns the symbol's order constraints.
	Filters(symbol string) SymbolFilters
	// NormalizeQuantity floors qty to the symbol's step size.
	NormalizeQuantity(symbol string, qty float64) float64

	// ServerTimeOffsetMs is the local-minus-server clock offset used when
	// signing requests.
	ServerTimeOffsetMs() int64

	Close() error
}

// AdapterError is a non-retryable venue failure (explicit rejection, 4xx).
type AdapterError struct {
	Venue  string
	Op     string
	Code   int
	Msg    string
	Reason schema.Reason
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s %s: [%d] %s", e.Venue, e.Op, e.Code, e.Msg)
}

// RetryableError wraps a transient failure (timeout, absent response, 5xx).
type RetryableError struct {
	Venue string
	Op    string
	Err   error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s %s (retryable): %v", e.Venue, e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RateLimitError is retryable but demands a longer backoff.
type RateLimitError struct {
	Venue        string
	RetryAfterMs int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %dms", e.Venue, e.RetryAfterMs)
}

// IsRetryable classifies an adapter error for the retry policy: absent
// response / 5xx / rate limit retry, 4xx does not.
func IsRetryable(err error) bool {
	var re *RetryableError
	var rl *RateLimitError
	return errors.As(err, &re) || errors.As(err, &rl)
}

// RejectReason maps an adapter error to the closed reason set.
func RejectReason(err error) schema.Reason {
	var ae *AdapterError
	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		return schema.ReasonRateLimited
	case errors.As(err, &ae):
		if ae.Reason != "" {
			return ae.Reason
		}
		return schema.ReasonExchangeRejected
	case errors.Is(err, context.DeadlineExceeded):
		return schema.ReasonTimeout
	default:
		return schema.ReasonExchangeDown
	}
}

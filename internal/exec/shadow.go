package exec

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
)

// Shadow mirrors every submit to a secondary executor and compares the two
// results. The primary result is always returned untouched; the secondary
// path can never fail an order. Sustained disagreement below the warn ratio
// is logged so testnet drift is visible before a live cutover.
type Shadow struct {
	primary   Executor
	secondary Executor
	warnRatio float64

	mu      sync.Mutex
	total   int64
	matched int64
}

// NewShadow wraps the primary executor.
func NewShadow(primary, secondary Executor, warnRatio float64) *Shadow {
	return &Shadow{primary: primary, secondary: secondary, warnRatio: warnRatio}
}

func (s *Shadow) Submit(ctx context.Context, octx *schema.OrderCtx) (*schema.ExecResult, error) {
	res, err := s.primary.Submit(ctx, octx)
	if err != nil {
		return res, err
	}
	shadowRes, shadowErr := s.secondary.Submit(ctx, octx)
	s.compare(octx.Symbol, res, shadowRes, shadowErr)
	return res, nil
}

func (s *Shadow) compare(symbol string, primary, shadow *schema.ExecResult, shadowErr error) {
	match := shadowErr == nil && shadow != nil &&
		shadow.Status == primary.Status &&
		math.Abs(shadow.Fee-primary.Fee) < 1e-9 &&
		priceClose(shadow.AvgPrice, primary.AvgPrice)

	s.mu.Lock()
	s.total++
	if match {
		s.matched++
	}
	ratio := float64(s.matched) / float64(s.total)
	s.mu.Unlock()

	metrics.Default().ShadowParity.Set(ratio)
	if !match {
		log.Warn().Str("symbol", symbol).
			Str("primary_status", string(primary.Status)).
			Interface("shadow", shadow).AnErr("shadow_err", shadowErr).
			Msg("shadow execution mismatch")
	}
	if ratio < s.warnRatio {
		log.Warn().Float64("ratio", ratio).Float64("warn_below", s.warnRatio).
			Msg("shadow parity below threshold")
	}
}

// priceClose tolerates sub-bps differences between venues.
func priceClose(a, b float64) bool {
	if a == b {
		return true
	}
	if b == 0 {
		return false
	}
	return math.Abs(a-b)/math.Abs(b) < 1e-4
}

// Ratio reports the running match ratio.
func (s *Shadow) Ratio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return 1
	}
	return float64(s.matched) / float64(s.total)
}

func (s *Shadow) Cancel(ctx context.Context, symbol, clientOrderID string) (*schema.CancelResult, error) {
	return s.primary.Cancel(ctx, symbol, clientOrderID)
}

func (s *Shadow) FetchFills(ctx context.Context, symbol string, sinceTsMs int64) ([]schema.Fill, error) {
	return s.primary.FetchFills(ctx, symbol, sinceTsMs)
}

func (s *Shadow) GetPosition(ctx context.Context, symbol string) (*schema.Position, error) {
	return s.primary.GetPosition(ctx, symbol)
}

func (s *Shadow) Flush() error {
	if err := s.secondary.Flush(); err != nil {
		log.Warn().Err(err).Msg("shadow flush failed")
	}
	return s.primary.Flush()
}

func (s *Shadow) Close() error {
	if err := s.secondary.Close(); err != nil {
		log.Warn().Err(err).Msg("shadow close failed")
	}
	return s.primary.Close()
}

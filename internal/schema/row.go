package schema

// SchemaVersion is stamped into every canonical row so downstream readers
// can reject rows written by an incompatible harvester.
const SchemaVersion = "row/v1"

// SignalSchemaVersion identifies the signal record wire format.
const SignalSchemaVersion = "signal/v2"

// RowKind classifies a canonical row.
type RowKind string

const (
	KindPrice     RowKind = "price"
	KindOrderbook RowKind = "orderbook"
	KindTrade     RowKind = "trade"
	KindFeature   RowKind = "feature"
)

// Side is the taker direction of a trade or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideNone Side = "none"
)

// Sign returns +1 for buy, -1 for sell, 0 otherwise.
func (s Side) Sign() float64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}

// Opposite flips buy/sell and leaves none untouched.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return SideNone
}

// BookLevel is one price level of a depth snapshot.
type BookLevel struct {
	Price float64 `json:"px"`
	Qty   float64 `json:"qty"`
}

// CanonicalRow is the normalized record every exchange message becomes.
// ts_ms is exchange event time and must be non-decreasing per (symbol, kind);
// recv_ts_ms is local receipt time.
type CanonicalRow struct {
	TsMs          int64   `json:"ts_ms"`
	RecvTsMs      int64   `json:"recv_ts_ms"`
	Symbol        string  `json:"symbol"`
	Kind          RowKind `json:"kind"`
	RowID         int64   `json:"row_id"`
	SchemaVersion string  `json:"schema_version"`

	// Orderbook payload
	Bids []BookLevel `json:"bids,omitempty"`
	Asks []BookLevel `json:"asks,omitempty"`

	// Trade payload
	Price   float64 `json:"price,omitempty"`
	Qty     float64 `json:"qty,omitempty"`
	Side    Side    `json:"side,omitempty"`
	IsMaker bool    `json:"is_maker,omitempty"`

	// Feature payload
	Feature *FeatureRow `json:"feature,omitempty"`
}

// Scenario is the 2x2 market regime bucket: Active/Quiet x High/Low vol.
type Scenario string

const (
	ScenarioActiveHigh Scenario = "A_H"
	ScenarioActiveLow  Scenario = "A_L"
	ScenarioQuietHigh  Scenario = "Q_H"
	ScenarioQuietLow   Scenario = "Q_L"
)

// Active reports whether the bucket is on the active side of the grid.
func (s Scenario) Active() bool {
	return s == ScenarioActiveHigh || s == ScenarioActiveLow
}

// Regime is the coarse activity regime derived from the scenario bucket.
type Regime string

const (
	RegimeActive Regime = "active"
	RegimeQuiet  Regime = "quiet"
)

// Divergence classifies price-vs-flow slope disagreement.
type Divergence string

const (
	DivergenceBullish Divergence = "bullish_div"
	DivergenceBearish Divergence = "bearish_div"
	DivergenceNone    Divergence = "none"
)

// FeatureRow is the wide per-tick feature vector the signal engine consumes.
type FeatureRow struct {
	TsMs               int64      `json:"ts_ms"`
	Symbol             string     `json:"symbol"`
	Mid                float64    `json:"mid"`
	BestBid            float64    `json:"best_bid"`
	BestAsk            float64    `json:"best_ask"`
	SpreadBps          float64    `json:"spread_bps"`
	ZOFI               float64    `json:"z_ofi"`
	ZCVD               float64    `json:"z_cvd"`
	FusionScore        float64    `json:"fusion_score"`
	Consistency        float64    `json:"consistency"`
	Scenario           Scenario   `json:"scenario_2x2"`
	Divergence         Divergence `json:"divergence"`
	LagMsToTrade       int64      `json:"lag_ms_to_trade"`
	TradesPerMin       float64    `json:"trades_per_min"`
	QuoteUpdatesPerSec float64    `json:"quote_updates_per_sec"`
	Warmup             bool       `json:"warmup"`
	InputFingerprint   string     `json:"input_fingerprint"`
}

// Regime maps the scenario bucket onto the coarse regime.
func (f *FeatureRow) Regime() Regime {
	if f.Scenario.Active() {
		return RegimeActive
	}
	return RegimeQuiet
}

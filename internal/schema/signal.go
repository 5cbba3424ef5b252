package schema

// Strength buckets the absolute fusion score of a confirmed signal.
type Strength string

const (
	StrengthNone   Strength = "none"
	StrengthNormal Strength = "normal"
	StrengthStrong Strength = "strong"
)

// SignalType is the emitted trade intent.
type SignalType string

const (
	SignalBuy        SignalType = "buy"
	SignalStrongBuy  SignalType = "strong_buy"
	SignalSell       SignalType = "sell"
	SignalStrongSell SignalType = "strong_sell"
	SignalNone       SignalType = "none"
)

// MakeSignalType combines side and strength into the wire signal_type.
func MakeSignalType(side Side, strength Strength) SignalType {
	switch side {
	case SideBuy:
		if strength == StrengthStrong {
			return SignalStrongBuy
		}
		return SignalBuy
	case SideSell:
		if strength == StrengthStrong {
			return SignalStrongSell
		}
		return SignalSell
	}
	return SignalNone
}

// SignalRecord is the immutable output of the decision engine, one per
// feature row. Schema signal/v2.
type SignalRecord struct {
	// Identity
	TsMs        int64  `json:"ts_ms" db:"ts_ms"`
	Symbol      string `json:"symbol" db:"symbol"`
	SignalRowID string `json:"signal_row_id" db:"signal_row_id"`
	ConfigHash  string `json:"config_hash" db:"config_hash"`
	RulesVer    string `json:"rules_ver" db:"rules_ver"`
	FeaturesVer string `json:"features_ver" db:"features_ver"`

	// Decision
	Score        float64    `json:"score" db:"score"`
	Side         Side       `json:"side" db:"side"`
	Strength     Strength   `json:"strength" db:"strength"`
	SignalType   SignalType `json:"signal_type" db:"signal_type"`
	Confirm      bool       `json:"confirm" db:"confirm"`
	Gating       bool       `json:"gating" db:"gating"`
	DecisionCode Reason     `json:"decision_code" db:"decision_code"`
	GuardReason  string     `json:"guard_reason,omitempty" db:"guard_reason"`

	// Context
	Regime             Regime   `json:"regime" db:"regime"`
	Scenario           Scenario `json:"scenario" db:"scenario"`
	Consistency        float64  `json:"consistency" db:"consistency"`
	Warmup             bool     `json:"warmup" db:"warmup"`
	WeakSignalThrottle bool     `json:"weak_signal_throttle" db:"weak_signal_throttle"`

	SchemaVersion string `json:"schema_version" db:"schema_version"`
}

// DedupeKey identifies a signal for the dedupe window: identical
// (symbol, signal_type) within dedupe_ms collapse to one confirmed record.
func (s *SignalRecord) DedupeKey() string {
	return s.Symbol + "|" + string(s.SignalType)
}

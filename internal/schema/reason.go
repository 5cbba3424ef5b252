package schema

// Reason is the closed set of decision / rejection tags. Values are
// low-cardinality by construction so they are safe as metric labels.
type Reason string

const (
	ReasonOK                 Reason = "ok"
	ReasonSchemaInvalid      Reason = "schema_invalid"
	ReasonWarmup             Reason = "warmup"
	ReasonSpreadTooWide      Reason = "spread_too_wide"
	ReasonLagExceedsCap      Reason = "lag_exceeds_cap"
	ReasonMarketInactive     Reason = "market_inactive"
	ReasonLowConsistency     Reason = "low_consistency"
	ReasonWeakSignalThrottle Reason = "weak_signal_throttle"
	ReasonDeduped            Reason = "deduped"
	ReasonCooldown           Reason = "cooldown"
	ReasonFlipRearm          Reason = "flip_rearm"
	ReasonUnconfirmedDir     Reason = "unconfirmed_direction"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonIdempotentDup      Reason = "idempotent_duplicate"
	ReasonExchangeRejected   Reason = "exchange_rejected_4xx"
	ReasonExchangeDown       Reason = "exchange_unavailable_5xx"
	ReasonTimeout            Reason = "timeout"
	ReasonSlippageCap        Reason = "slippage_cap"
	ReasonMinNotional        Reason = "filter_min_notional"
	ReasonStepSize           Reason = "filter_step_size"
	ReasonRotateConflict     Reason = "io_rotate_conflict"
	ReasonPositionLimit      Reason = "position_limit"
	ReasonNoSignals          Reason = "no_signals"
)

// GuardReasons are the baseline-guard tags that must force rejection at the
// risk precheck regardless of anything else in the order context.
var GuardReasons = map[Reason]bool{
	ReasonWarmup:         true,
	ReasonSpreadTooWide:  true,
	ReasonLagExceedsCap:  true,
	ReasonMarketInactive: true,
}

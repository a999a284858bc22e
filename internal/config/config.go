// Package config holds the fairness and effort-model configuration that the
// allocation pipeline reads at the start of every run. One Fairness row is
// persisted as "active" in the store; when none exists the documented defaults
// below apply. The learning agent's bandit mutates which row is active over
// time, never the defaults.
package config

// Fairness is the tunable configuration for one allocation run.
// The first four fields are the bandit's knob space; the rest are fixed
// operational thresholds.
type Fairness struct {
	GiniThreshold           float64 `json:"gini_threshold"`
	StdDevThreshold         float64 `json:"stddev_threshold"`
	RecoveryLightening      float64 `json:"recovery_lightening_factor"`
	EVChargingPenaltyWeight float64 `json:"ev_charging_penalty_weight"`

	MaxGapThreshold        float64 `json:"max_gap_threshold"`
	EVSafetyMarginPct      float64 `json:"ev_safety_margin_pct"`
	RecoveryPenaltyWeight  float64 `json:"recovery_penalty_weight"`
	ComplexityDebtHard     float64 `json:"complexity_debt_hard_threshold"`
	RecoveryModeEnabled    bool    `json:"recovery_mode_enabled"`
	LLMRewriteEnabled      bool    `json:"llm_rewrite_enabled"`
}

// Default returns the documented default configuration, used when the store
// has no active Fairness row.
func Default() Fairness {
	return Fairness{
		GiniThreshold:           0.33,
		StdDevThreshold:         25.0,
		RecoveryLightening:      0.7,
		EVChargingPenaltyWeight: 0.3,
		MaxGapThreshold:         40.0,
		EVSafetyMarginPct:       10.0,
		RecoveryPenaltyWeight:   3.0,
		ComplexityDebtHard:      2.0,
		RecoveryModeEnabled:     true,
	}
}

// Weights are the effort-formula coefficients α, β, γ, δ, ε.
type Weights struct {
	Alpha   float64 `json:"alpha"`   // per package
	Beta    float64 `json:"beta"`    // per kg
	Gamma   float64 `json:"gamma"`   // per difficulty point
	Delta   float64 `json:"delta"`   // per estimated minute
	Epsilon float64 `json:"epsilon"` // capacity penalty scale
}

// DefaultWeights returns the default effort coefficients.
func DefaultWeights() Weights {
	return Weights{Alpha: 1.0, Beta: 0.5, Gamma: 10.0, Delta: 0.2, Epsilon: 15.0}
}

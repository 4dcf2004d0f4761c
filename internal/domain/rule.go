package domain

// RuleConfig defines an operator-supplied risk rule. Rules run after the
// built-in collectors and may contribute additional fraud signals.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CheckType restricts the rule to one check: "demo", "payment" or ""
	// for both.
	CheckType string `json:"checkType,omitempty"`

	// CEL expression evaluated against the check attributes. Must return
	// bool, int or double; the value is normalized to a score in [0,1].
	Expression string `json:"expression"`

	// Bands map the rule score to a risk level and signal score.
	Bands []RuleBand `json:"bands"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleBand maps a score range to an emitted signal.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`

	// RiskLevel and SignalScore define the signal emitted when the band
	// matches. A band with SignalScore 0 emits nothing (pass band).
	RiskLevel   RiskLevel `json:"riskLevel,omitempty"`
	SignalScore float64   `json:"signalScore"`
	Reason      string    `json:"reason"`
}

// Package rules provides the CEL-Go based operator rule engine. Operator
// rules run after the built-in signal collectors and contribute extra
// fraud signals without a redeploy.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment with the check attributes exposed to rules.
	env, err := cel.NewEnv(
		cel.Variable("check", cel.StringType),
		cel.Variable("account_id", cel.IntType),
		cel.Variable("ip_count", cel.IntType),
		cel.Variable("failed_count", cel.IntType),
		cel.Variable("signal_count", cel.IntType),
		cel.Variable("phone_hash", cel.BoolType),
		cel.Variable("device_hash", cel.BoolType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded
// engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones atomically.
// This enables hot-reloading of rules via the API.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// Evaluate runs all rules applicable to the check type in parallel and
// returns the emitted signals. Rule errors never abort the evaluation;
// a failing rule simply contributes nothing.
func (e *Engine) Evaluate(ctx context.Context, checkType string, attrs map[string]any) []domain.FraudSignal {
	e.mu.RLock()
	applicable := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		if rule.Config.CheckType == "" || rule.Config.CheckType == checkType {
			applicable = append(applicable, rule)
		}
	}
	e.mu.RUnlock()

	if len(applicable) == 0 {
		return nil
	}

	activation := map[string]any{
		"check":        checkType,
		"account_id":   int64(0),
		"ip_count":     int64(0),
		"failed_count": int64(0),
		"signal_count": int64(0),
		"phone_hash":   false,
		"device_hash":  false,
		"amount":       0.0,
		"currency":     "",
		"country":      "",
		"attrs":        attrs,
	}
	for k, v := range attrs {
		if _, known := activation[k]; known {
			activation[k] = normalize(v)
		}
	}

	// Parallel evaluation bounded by a semaphore.
	results := make([]*domain.FraudSignal, len(applicable))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range applicable {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = e.evaluateRule(r, activation)
		}(i, rule)
	}
	wg.Wait()

	var signals []domain.FraudSignal
	for _, sig := range results {
		if sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

// evaluateRule runs one rule and maps its score onto a signal via the
// configured bands. Returns nil when no band matches or the band is a
// pass band.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any) *domain.FraudSignal {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return nil
	}

	score := toScore(out)
	band := matchBand(score, rule.Config.Bands)
	if band == nil || band.SignalScore <= 0 {
		return nil
	}

	level := band.RiskLevel
	if level == "" {
		level = domain.RiskMedium
	}

	signalScore := band.SignalScore
	if signalScore > 1 {
		signalScore = 1
	}

	description := band.Reason
	if description == "" {
		description = rule.Config.Name
	}

	sig := domain.NewSignal(
		domain.SignalCustomRule,
		level,
		signalScore,
		description,
		map[string]any{"rule_id": rule.Config.ID, "rule_score": score},
	)
	return &sig
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the matching band for a score. Bands are evaluated in
// order: lower inclusive, upper exclusive, nil upper means infinity.
func matchBand(score float64, bands []domain.RuleBand) *domain.RuleBand {
	for i := range bands {
		band := &bands[i]

		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band
		}
	}
	return nil
}

// normalize coerces attribute values to the types the CEL variables
// declare.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

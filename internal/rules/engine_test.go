package rules

import (
	"context"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func floatPtr(f float64) *float64 { return &f }

func amountRule() *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:         "rule-large-amount",
		Name:       "Large payment amount",
		CheckType:  "payment",
		Expression: `amount > 1000.0`,
		Bands: []domain.RuleBand{
			{LowerLimit: floatPtr(0), UpperLimit: floatPtr(1), SignalScore: 0, Reason: "amount ok"},
			{LowerLimit: floatPtr(1), RiskLevel: domain.RiskHigh, SignalScore: 0.7, Reason: "Unusually large payment"},
		},
		Enabled: true,
	}
}

func TestEngineLoadAndEvaluate(t *testing.T) {
	engine, err := NewEngine(10)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer engine.Close()

	if err := engine.LoadRule(amountRule()); err != nil {
		t.Fatalf("LoadRule failed: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Fatalf("expected 1 rule, got %d", engine.RulesCount())
	}

	ctx := context.Background()

	t.Run("TriggeredRuleEmitsSignal", func(t *testing.T) {
		signals := engine.Evaluate(ctx, "payment", map[string]any{"amount": 5000.0})
		if len(signals) != 1 {
			t.Fatalf("expected 1 signal, got %d", len(signals))
		}
		sig := signals[0]
		if sig.Type != domain.SignalCustomRule {
			t.Errorf("unexpected signal type: %s", sig.Type)
		}
		if sig.RiskLevel != domain.RiskHigh {
			t.Errorf("expected HIGH, got %s", sig.RiskLevel)
		}
		if sig.Score != 0.7 {
			t.Errorf("expected score 0.7, got %f", sig.Score)
		}
		if sig.Description != "Unusually large payment" {
			t.Errorf("unexpected description: %s", sig.Description)
		}
	})

	t.Run("PassBandEmitsNothing", func(t *testing.T) {
		signals := engine.Evaluate(ctx, "payment", map[string]any{"amount": 10.0})
		if len(signals) != 0 {
			t.Errorf("expected no signals, got %d", len(signals))
		}
	})

	t.Run("CheckTypeFilter", func(t *testing.T) {
		signals := engine.Evaluate(ctx, "demo", map[string]any{"amount": 5000.0})
		if len(signals) != 0 {
			t.Errorf("payment rule must not fire on demo check, got %d signals", len(signals))
		}
	})
}

func TestEngineValidation(t *testing.T) {
	engine, err := NewEngine(10)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer engine.Close()

	t.Run("InvalidExpression", func(t *testing.T) {
		err := engine.ValidateRule(&domain.RuleConfig{
			ID:         "broken",
			Expression: `amount >`,
		})
		if err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("WrongOutputType", func(t *testing.T) {
		err := engine.ValidateRule(&domain.RuleConfig{
			ID:         "stringy",
			Expression: `currency`,
		})
		if err == nil {
			t.Error("expected output type error for string expression")
		}
	})

	t.Run("ValidateDoesNotLoad", func(t *testing.T) {
		_ = engine.ValidateRule(amountRule())
		if engine.RulesCount() != 0 {
			t.Errorf("ValidateRule must not load rules, count=%d", engine.RulesCount())
		}
	})
}

func TestEngineReload(t *testing.T) {
	engine, err := NewEngine(10)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer engine.Close()

	_ = engine.LoadRule(amountRule())

	replacement := &domain.RuleConfig{
		ID:         "rule-velocity",
		Name:       "IP reuse",
		CheckType:  "demo",
		Expression: `ip_count >= 3`,
		Bands: []domain.RuleBand{
			{LowerLimit: floatPtr(1), RiskLevel: domain.RiskMedium, SignalScore: 0.5, Reason: "IP reused heavily"},
		},
		Enabled: true,
	}
	if err := engine.ReloadRules([]*domain.RuleConfig{replacement}); err != nil {
		t.Fatalf("ReloadRules failed: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Fatalf("expected 1 rule after reload, got %d", engine.RulesCount())
	}

	signals := engine.Evaluate(context.Background(), "demo", map[string]any{"ip_count": 3})
	if len(signals) != 1 {
		t.Fatalf("expected reloaded rule to fire, got %d signals", len(signals))
	}

	// Old rule is gone.
	signals = engine.Evaluate(context.Background(), "payment", map[string]any{"amount": 5000.0})
	if len(signals) != 0 {
		t.Errorf("expected old rule removed, got %d signals", len(signals))
	}
}

func TestEngineDisabledRulesSkipped(t *testing.T) {
	engine, _ := NewEngine(10)
	defer engine.Close()

	disabled := amountRule()
	disabled.Enabled = false
	if err := engine.LoadRules([]*domain.RuleConfig{disabled}); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("disabled rule must not load, count=%d", engine.RulesCount())
	}
}

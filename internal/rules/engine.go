// Package rules evaluates PPE deliveries and requisitions against the
// built-in anomaly rules and administrator-authored CEL rules, raising
// alerts for consumption that falls outside policy.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensafety/vigia/internal/domain"
)

// Engine compiles and evaluates administrator-authored CEL rules.
// Matches surface as AnomalousPattern alerts.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a CEL engine with the delivery-context variables.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("quantity", cel.DoubleType),
		cel.Variable("unit_cost", cel.DoubleType),
		cel.Variable("total_cost", cel.DoubleType),
		// -1 when the employee has no prior delivery of the material.
		cel.Variable("days_since_last", cel.DoubleType),
		cel.Variable("monthly_qty", cel.DoubleType),
		cel.Variable("monthly_deliveries", cel.IntType),
		cel.Variable("material_id", cel.StringType),
		cel.Variable("material_group", cel.StringType),
		cel.Variable("project_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles a rule without mutating the loaded set.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required: %w", domain.ErrValidation)
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

// ReloadRules replaces the loaded set with the enabled configs.
// Enables hot-reloading after rule edits.
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

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// LoadedRules returns the currently loaded rule configurations.
func (e *Engine) LoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close clears the loaded rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

// Match is a custom rule whose band matched the evaluated score.
type Match struct {
	RuleID   string
	RuleName string
	Score    float64
	Severity domain.Severity
	Reason   string
}

// EvaluateAll runs every loaded rule against the activation variables and
// returns the band matches. A rule whose expression errors is skipped; the
// built-in rules must never be blocked by a bad custom expression.
func (e *Engine) EvaluateAll(activation map[string]any) []Match {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	var matches []Match
	for _, rule := range rules {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			continue
		}

		score := toScore(out)
		band, ok := matchBand(score, rule.Config.Bands)
		if !ok {
			continue
		}

		matches = append(matches, Match{
			RuleID:   rule.Config.ID,
			RuleName: rule.Config.Name,
			Score:    score,
			Severity: band.Severity,
			Reason:   band.Reason,
		})
	}
	return matches
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

// matchBand finds the band containing score. Lower inclusive, upper
// exclusive; a nil bound is unbounded on that side.
func matchBand(score float64, bands []domain.RuleBand) (domain.RuleBand, bool) {
	for _, band := range bands {
		if band.LowerLimit != nil && score < *band.LowerLimit {
			continue
		}
		if band.UpperLimit != nil && score >= *band.UpperLimit {
			continue
		}
		return band, true
	}
	return domain.RuleBand{}, false
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

	return &CompiledRule{Config: cfg, Program: program}, nil
}

package service

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Default classification rules, evaluated over `c` (the classification map).
// Every rule must hold for the classification to be accepted.
var defaultClassificationRules = []string{
	`"kind" in c && c["kind"] != ""`,
	`c.all(k, c[k] != "")`,
}

// ClassificationValidator enforces classification shape with CEL rules,
// compiled lazily and cached per expression
type ClassificationValidator struct {
	env   *cel.Env
	rules []string

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewClassificationValidator creates a validator; with no rules given the
// defaults apply
func NewClassificationValidator(rules ...string) (*ClassificationValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("c", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	if len(rules) == 0 {
		rules = defaultClassificationRules
	}

	return &ClassificationValidator{
		env:      env,
		rules:    rules,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate checks a factor's classification and values. Values must be a
// non-empty map of finite numbers; the classification must satisfy every
// configured rule.
func (v *ClassificationValidator) Validate(classification map[string]string, values map[string]float64) error {
	if len(values) == 0 {
		return fmt.Errorf("factor requires at least one value")
	}
	for key, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("value %q is not finite", key)
		}
	}

	if len(classification) == 0 {
		return fmt.Errorf("factor requires a classification")
	}

	for _, rule := range v.rules {
		program, err := v.getProgram(rule)
		if err != nil {
			return err
		}

		out, _, err := program.Eval(map[string]any{"c": classification})
		if err != nil {
			return fmt.Errorf("classification rule %q failed to evaluate: %w", rule, err)
		}
		if out != types.True {
			return fmt.Errorf("classification does not satisfy rule %q", rule)
		}
	}

	return nil
}

func (v *ClassificationValidator) getProgram(rule string) (cel.Program, error) {
	v.mu.RLock()
	program, cached := v.programs[rule]
	v.mu.RUnlock()
	if cached {
		return program, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if program, cached := v.programs[rule]; cached {
		return program, nil
	}

	ast, issues := v.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile classification rule %q: %w", rule, issues.Err())
	}

	program, err := v.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for rule %q: %w", rule, err)
	}

	v.programs[rule] = program
	return program, nil
}

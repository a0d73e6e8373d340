package methodology

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator decides whether a record's region is eligible under a
// methodology version. An explicit CEL expression takes precedence over the
// plain geographic scope list; an empty expression and empty scope admit
// every region. Compiled programs are cached per expression.
type Evaluator struct {
	mu       sync.Mutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEvaluator builds the CEL environment with the `region` variable.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(cel.Variable("region", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("methodology: cel env: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Eligible reports whether a region is in scope for the version.
func (e *Evaluator) Eligible(v Version, region string) (bool, error) {
	if v.EligibilityExpr == "" {
		if len(v.GeographicScope) == 0 {
			return true, nil
		}
		for _, r := range v.GeographicScope {
			if r == region {
				return true, nil
			}
		}
		return false, nil
	}

	prg, err := e.program(v.EligibilityExpr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{"region": region})
	if err != nil {
		return false, fmt.Errorf("methodology: eligibility eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("methodology: eligibility expression %q did not yield a bool", v.EligibilityExpr)
	}
	return b, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("methodology: eligibility compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("methodology: eligibility program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

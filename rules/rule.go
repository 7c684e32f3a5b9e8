package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/patrickmn/go-cache"
)

// Evaluator decides entry criteria and condition-wait predicates.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ValueEvaluator computes arbitrary expression values, used for formula
// field updates and script actions.
type ValueEvaluator interface {
	Eval(expression string, env map[string]interface{}) (interface{}, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached by source text.
type ExprEvaluator struct {
	programs *cache.Cache
}

// NewExprEvaluator creates a new ExprEvaluator. Unused programs are evicted
// after ttl; a zero ttl keeps them forever.
func NewExprEvaluator(ttl time.Duration) *ExprEvaluator {
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = 2 * ttl
	}
	return &ExprEvaluator{programs: cache.New(expiration, cleanup)}
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	if p, ok := e.programs.Get(expression); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.programs.SetDefault(expression, program)
	return program, nil
}

// Eval runs expression against env and returns its value.
func (e *ExprEvaluator) Eval(expression string, env map[string]interface{}) (interface{}, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = map[string]interface{}{}
	}
	return expr.Run(program, env)
}

// Evaluate evaluates the given expression against env. A blank expression
// is always true. The expression must evaluate to a boolean.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	result, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}
	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Env builds the evaluation environment for a record snapshot. Record fields
// are visible at top level and under "record"; the prior snapshot and flow
// variables are under "prior" and "vars".
func Env(record, prior, vars map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(record)+3)
	for k, v := range record {
		env[k] = v
	}
	if record == nil {
		record = map[string]interface{}{}
	}
	if prior == nil {
		prior = map[string]interface{}{}
	}
	if vars == nil {
		vars = map[string]interface{}{}
	}
	env["record"] = record
	env["prior"] = prior
	env["vars"] = vars
	return env
}

package policy

import (
	"context"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/pkg/errors"
)

// CELExpression is a named acceptance rule. The expression sees the
// verification report of one record as the variable `input` and must
// evaluate to a boolean; false is a violation carrying Message.
type CELExpression struct {
	Name    string `yaml:"name" json:"name"`
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message" json:"message"`
}

// CELEvaluator holds the compiled programs of a rule set.
type CELEvaluator struct {
	env      *cel.Env
	programs map[string]cel.Program
	names    []string
}

// NewCELEvaluator compiles every expression up front so a bad rule fails at
// load time rather than in the middle of a batch.
func NewCELEvaluator(exprs []CELExpression) (*CELEvaluator, error) {
	if len(exprs) == 0 {
		return nil, errors.New("no CEL expressions provided")
	}

	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create CEL environment")
	}

	programs := make(map[string]cel.Program, len(exprs))
	names := make([]string, 0, len(exprs))
	for _, expr := range exprs {
		if expr.Name == "" {
			return nil, errors.New("CEL expression missing name")
		}
		if expr.Expr == "" {
			return nil, errors.Errorf("CEL expression '%s' missing expr", expr.Name)
		}
		if _, dup := programs[expr.Name]; dup {
			return nil, errors.Errorf("duplicate CEL expression name '%s'", expr.Name)
		}

		ast, issues := env.Compile(expr.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, errors.Wrapf(issues.Err(), "compile CEL expression '%s'", expr.Name)
		}
		if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
			return nil, errors.Errorf("CEL expression '%s' must return boolean, got %v", expr.Name, ast.OutputType())
		}

		prg, err := env.Program(ast)
		if err != nil {
			return nil, errors.Wrapf(err, "create program for CEL expression '%s'", expr.Name)
		}
		programs[expr.Name] = prg
		names = append(names, expr.Name)
	}
	sort.Strings(names)

	return &CELEvaluator{env: env, programs: programs, names: names}, nil
}

// Evaluate runs every rule against input and returns the result per rule name.
func (e *CELEvaluator) Evaluate(ctx context.Context, input map[string]interface{}) (map[string]bool, error) {
	if e == nil || e.programs == nil {
		return nil, errors.New("CEL evaluator not initialized")
	}

	results := make(map[string]bool, len(e.programs))
	for _, name := range e.names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, _, err := e.programs[name].Eval(map[string]interface{}{"input": input})
		if err != nil {
			return nil, errors.Wrapf(err, "evaluate CEL expression '%s'", name)
		}
		b, err := extractBool(out)
		if err != nil {
			return nil, errors.Wrapf(err, "CEL expression '%s'", name)
		}
		results[name] = b
	}
	return results, nil
}

func extractBool(val ref.Val) (bool, error) {
	if types.IsBool(val) {
		return val.Value().(bool), nil
	}
	return false, errors.Errorf("expected boolean, got %v", val.Type())
}

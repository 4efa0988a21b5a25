package tx

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"txcore/internal/core/apperror"
)

// RuleEngine compiles declarative rollback rules — CEL boolean expressions
// over a failed scope's error — into a RollbackPredicate, so a caller can
// configure "roll back on this error" the same way it configures
// propagation or isolation: as data, not a hand-written Go closure.
//
// The CEL program sees two variables: `code` (the AppError code string, or
// "" for an error that isn't an *apperror.AppError) and `httpStatus` (its
// mapped HTTP status, or 0). A rule like `code == 'CONFLICT' || httpStatus
// >= 500` compiles once at construction and can be evaluated many times
// without re-parsing.
type RuleEngine struct {
	expression string
	program    cel.Program
}

// CompileRule compiles expression into a RuleEngine. expression must
// evaluate to a bool.
func CompileRule(expression string) (*RuleEngine, error) {
	if expression == "" {
		return nil, fmt.Errorf("tx: rollback rule expression must not be empty")
	}

	env, err := cel.NewEnv(
		cel.Variable("code", cel.StringType),
		cel.Variable("httpStatus", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("tx: creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("tx: compiling rollback rule %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("tx: rollback rule %q must evaluate to bool, got %s", expression, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("tx: building CEL program for %q: %w", expression, err)
	}

	return &RuleEngine{expression: expression, program: program}, nil
}

// Expression returns the source CEL expression this engine was compiled
// from.
func (e *RuleEngine) Expression() string { return e.expression }

// Evaluate runs the compiled rule against err, classified via
// apperror.AsAppError. A rule that fails to evaluate defaults to "roll
// back" — a misconfigured rule should never silently swallow a real
// failure.
func (e *RuleEngine) Evaluate(err error) bool {
	if err == nil {
		return false
	}

	code := ""
	httpStatus := int64(0)
	if ae, ok := apperror.AsAppError(err); ok {
		code = ae.Code
		httpStatus = int64(ae.HTTPStatus)
	}

	out, _, evalErr := e.program.Eval(map[string]any{
		"code":       code,
		"httpStatus": httpStatus,
	})
	if evalErr != nil {
		return true
	}

	result, ok := out.Value().(bool)
	if !ok {
		return true
	}
	return result
}

// Predicate adapts this RuleEngine to a RollbackPredicate for use with
// Definition.WithRollbackRules.
func (e *RuleEngine) Predicate() RollbackPredicate {
	return e.Evaluate
}

// MustCompileRule is CompileRule for callers building Definitions with
// rules known at init time; it panics on a bad expression instead of
// threading an error through package-level var initialization.
func MustCompileRule(expression string) *RuleEngine {
	engine, err := CompileRule(expression)
	if err != nil {
		panic(err)
	}
	return engine
}

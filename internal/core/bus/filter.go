package bus

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// filterEnv is shared by all subscriptions; CEL environments are immutable
// and safe for concurrent compilation.
var filterEnv = mustFilterEnv()

func mustFilterEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("aggregate_type", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("build filter environment: %v", err))
	}
	return env
}

// eventFilter is a compiled boolean CEL expression over an event envelope.
type eventFilter struct {
	expr string
	prg  cel.Program
}

func compileFilter(expr string) (*eventFilter, error) {
	ast, issues := filterEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := filterEnv.Program(ast)
	if err != nil {
		return nil, err
	}
	return &eventFilter{expr: expr, prg: prg}, nil
}

// matches evaluates the filter against one envelope.
func (f *eventFilter) matches(event Envelope) (bool, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := f.prg.Eval(map[string]any{
		"type":           event.Type,
		"aggregate_type": event.AggregateType,
		"payload":        payload,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate filter %q: %w", f.expr, err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned non-bool %T", f.expr, out.Value())
	}
	return match, nil
}

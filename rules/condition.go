package rules

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/cel-go/cel"
)

// conditionCostLimit bounds a single operator evaluation. Operands are small
// (a scalar against a scalar, a short list, or a range).
const conditionCostLimit = 10000

// operatorExpressions holds one CEL expression per operator over the resolved
// context value (lhs) and the condition value (rhs).
var operatorExpressions = map[Operator]string{
	OpEquals:             `lhs == rhs`,
	OpNotEquals:          `lhs != rhs`,
	OpGreaterThan:        `lhs > rhs`,
	OpLessThan:           `lhs < rhs`,
	OpGreaterThanOrEqual: `lhs >= rhs`,
	OpLessThanOrEqual:    `lhs <= rhs`,
	OpBetween:            `lhs >= rhs.min && lhs <= rhs.max`,
	OpNotBetween:         `lhs < rhs.min || lhs > rhs.max`,
	OpIn:                 `lhs in rhs`,
	OpNotIn:              `!(lhs in rhs)`,
	OpContains:           `lhs.contains(rhs)`,
	OpNotContains:        `!lhs.contains(rhs)`,
	OpStartsWith:         `lhs.startsWith(rhs)`,
	OpEndsWith:           `lhs.endsWith(rhs)`,
}

// ConditionEvaluator evaluates conditions against an execution context.
// Programs are compiled once and are safe for concurrent use.
type ConditionEvaluator struct {
	env      *cel.Env
	programs map[Operator]cel.Program
}

// NewConditionEvaluator compiles the operator programs.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("lhs", cel.DynType),
		cel.Variable("rhs", cel.DynType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}

	ce := &ConditionEvaluator{
		env:      env,
		programs: make(map[Operator]cel.Program, len(operatorExpressions)),
	}
	for op, expr := range operatorExpressions {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, errors.Wrapf(issues.Err(), "compile error for operator %s", op)
		}
		prog, err := env.Program(ast, cel.CostLimit(conditionCostLimit))
		if err != nil {
			return nil, errors.Wrapf(err, "program creation error for operator %s", op)
		}
		ce.programs[op] = prog
	}
	return ce, nil
}

// Evaluate evaluates one condition. Type mismatches and unresolvable fields are
// returned as errors marked ErrConditionEvaluation.
func (ce *ConditionEvaluator) Evaluate(cond Condition, execCtx *ExecutionContext) (bool, error) {
	prog, ok := ce.programs[cond.Operator]
	if !ok {
		return false, conditionError("unknown operator %q", cond.Operator)
	}

	field := cond.ResolvedField()
	if field == "" {
		return false, conditionError("condition type %q has no context field", cond.Type)
	}
	raw, ok := execCtx.Lookup(field)
	if !ok {
		return false, conditionError("context field %q is not resolvable", field)
	}

	lhs := normalizeOperand(raw)
	rhs, err := conditionOperand(cond.Operator, lhs, cond.Value)
	if err != nil {
		return false, errors.Wrapf(err, "field %q", field)
	}

	out, _, err := prog.Eval(map[string]any{"lhs": lhs, "rhs": rhs})
	if err != nil {
		return false, conditionError("%s on field %q: %v", cond.Operator, field, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, conditionError("%s on field %q produced %T, not bool", cond.Operator, field, out.Value())
	}
	return matched, nil
}

// EvaluateAll AND-combines the conditions, stopping at the first false or failing one.
func (ce *ConditionEvaluator) EvaluateAll(conds []Condition, execCtx *ExecutionContext) (bool, error) {
	for i, cond := range conds {
		matched, err := ce.Evaluate(cond, execCtx)
		if err != nil {
			return false, errors.Wrapf(err, "condition %d (%s)", i, cond.Type)
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// conditionOperand checks the operand shapes the operator requires and returns
// the right-hand side in the form the operator program expects.
func conditionOperand(op Operator, lhs any, v Value) (any, error) {
	switch {
	case op.isOrdering():
		if !isNumber(lhs) {
			return nil, conditionError("%s requires a numeric field, got %s", op, typeName(lhs))
		}
		if v.Kind != KindNumber {
			return nil, conditionError("%s requires a numeric value, got %s", op, v.Kind)
		}
	case op.isRange():
		if !isNumber(lhs) {
			return nil, conditionError("%s requires a numeric field, got %s", op, typeName(lhs))
		}
		lo, hi, err := rangeBounds(v)
		if err != nil {
			return nil, err
		}
		return map[string]any{"min": lo, "max": hi}, nil
	case op.isMembership():
		if v.Kind != KindList {
			return nil, conditionError("%s requires a list value, got %s", op, v.Kind)
		}
	case op.isString():
		if _, ok := lhs.(string); !ok {
			return nil, conditionError("%s requires a string field, got %s", op, typeName(lhs))
		}
		if v.Kind != KindString {
			return nil, conditionError("%s requires a string value, got %s", op, v.Kind)
		}
	default:
		if v.IsZero() {
			return nil, conditionError("%s requires a value", op)
		}
	}
	return v.Native(), nil
}

// rangeBounds accepts a {min, max} range or a two-element numeric list.
func rangeBounds(v Value) (float64, float64, error) {
	var lo, hi Value
	switch {
	case v.Kind == KindRange && v.Min != nil && v.Max != nil:
		lo, hi = *v.Min, *v.Max
	case v.Kind == KindList && len(v.List) == 2:
		lo, hi = v.List[0], v.List[1]
	default:
		return 0, 0, conditionError("range requires {min, max}, got %s", v.Kind)
	}
	if lo.Kind != KindNumber || hi.Kind != KindNumber {
		return 0, 0, conditionError("range bounds must be numeric")
	}
	return lo.Number.InexactFloat64(), hi.Number.InexactFloat64(), nil
}

// normalizeOperand widens integers to float64 so that CEL compares numbers by value.
func normalizeOperand(raw any) any {
	switch x := raw.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeOperand(item)
		}
		return out
	default:
		return raw
	}
}

func isNumber(v any) bool {
	_, ok := v.(float64)
	return ok
}

func typeName(v any) string {
	switch v.(type) {
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}

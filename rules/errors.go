package rules

import "github.com/cockroachdb/errors"

// Error kinds. Concrete errors wrap one of these so callers can use errors.Is.
var (
	// ErrValidation marks a malformed rule definition. It never reaches the engine.
	ErrValidation = errors.New("invalid rule definition")

	// ErrConditionEvaluation marks a condition that could not be evaluated
	// (type mismatch, unresolvable field). The owning rule is marked failed.
	ErrConditionEvaluation = errors.New("condition evaluation failed")

	// ErrActionApplication marks an action with an unusable value.
	ErrActionApplication = errors.New("action application failed")

	// ErrRuleFetch marks a store failure while loading rules. The engine fails open.
	ErrRuleFetch = errors.New("rule fetch failed")

	// ErrInvalidContext is returned by EvaluateRules when a required context field is missing.
	ErrInvalidContext = errors.New("invalid execution context")

	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
)

func conditionError(format string, args ...any) error {
	return errors.Wrapf(ErrConditionEvaluation, format, args...)
}

func actionError(format string, args ...any) error {
	return errors.Wrapf(ErrActionApplication, format, args...)
}

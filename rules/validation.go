package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	minRecommendedPriority = 1
	maxRecommendedPriority = 1000
	maxSuggestedConditions = 5
	maxSuggestedActions    = 3
)

var fieldIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidationReport is the outcome of validating a rule draft. Only Errors block a save.
type ValidationReport struct {
	IsValid     bool     `json:"isValid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

// Err returns the report's errors as one ErrValidation error, or nil.
func (r ValidationReport) Err() error {
	if r.IsValid {
		return nil
	}
	return errors.Wrap(ErrValidation, strings.Join(r.Errors, "; "))
}

// RuleValidator checks rule drafts before they are stored.
type RuleValidator struct {
	validate *validator.Validate
}

// NewRuleValidator creates a validator reporting fields by their JSON names.
func NewRuleValidator() *RuleValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &RuleValidator{validate: v}
}

// Validate checks a draft. It never returns early: every problem is reported.
func (rv *RuleValidator) Validate(draft *BusinessRule) ValidationReport {
	report := ValidationReport{Errors: []string{}, Warnings: []string{}, Suggestions: []string{}}
	if draft == nil {
		report.Errors = append(report.Errors, "rule is required")
		return report
	}

	if err := rv.validate.Struct(draft); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				report.Errors = append(report.Errors, describeFieldError(fe))
			}
		} else {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	if draft.Category != "" && !draft.Category.Valid() {
		report.Errors = append(report.Errors, fmt.Sprintf("category %q is not one of PRICING, AVAILABILITY, RESTRICTIONS", draft.Category))
	}

	for i, cond := range draft.Conditions {
		for _, msg := range validateCondition(cond) {
			report.Errors = append(report.Errors, fmt.Sprintf("conditions[%d]: %s", i, msg))
		}
	}
	for i, action := range draft.Actions {
		for _, msg := range validateAction(action) {
			report.Errors = append(report.Errors, fmt.Sprintf("actions[%d]: %s", i, msg))
		}
	}

	if draft.Priority < minRecommendedPriority || draft.Priority > maxRecommendedPriority {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("priority %d is outside the recommended range [%d, %d]", draft.Priority, minRecommendedPriority, maxRecommendedPriority))
	}
	if len(draft.Conditions) > maxSuggestedConditions {
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("rule has %d conditions; consider splitting it into simpler rules", len(draft.Conditions)))
	}
	if len(draft.Actions) > maxSuggestedActions {
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("rule has %d actions; consider splitting it into focused rules", len(draft.Actions)))
	}

	report.IsValid = len(report.Errors) == 0
	return report
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s item(s)", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// validateCondition checks the condition's type and operator and that its value
// has the shape the operator needs.
func validateCondition(cond Condition) []string {
	var errs []string
	if cond.Type != "" && !cond.Type.Valid() {
		errs = append(errs, fmt.Sprintf("unknown condition type %q", cond.Type))
	}
	if cond.Operator != "" && !cond.Operator.Valid() {
		errs = append(errs, fmt.Sprintf("unknown operator %q", cond.Operator))
	}
	if cond.Field != "" {
		if !fieldIdentifier.MatchString(cond.Field) {
			errs = append(errs, fmt.Sprintf("field %q must match %s", cond.Field, fieldIdentifier))
		} else if !KnownField(cond.Field) {
			errs = append(errs, fmt.Sprintf("field %q is not a context field", cond.Field))
		}
	}

	v := cond.Value
	if v.IsZero() {
		return append(errs, "value is required")
	}
	switch {
	case cond.Operator.isOrdering():
		if v.Kind != KindNumber {
			errs = append(errs, fmt.Sprintf("%s requires a number, got %s", cond.Operator, v.Kind))
		}
	case cond.Operator.isRange():
		lo, hi, err := rangeBounds(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s requires {min, max} numbers", cond.Operator))
		} else if lo > hi {
			errs = append(errs, fmt.Sprintf("%s range min %v is greater than max %v", cond.Operator, lo, hi))
		}
	case cond.Operator.isMembership():
		if v.Kind != KindList {
			errs = append(errs, fmt.Sprintf("%s requires a list, got %s", cond.Operator, v.Kind))
		}
	case cond.Operator.isString():
		if v.Kind != KindString {
			errs = append(errs, fmt.Sprintf("%s requires a string, got %s", cond.Operator, v.Kind))
		}
	}
	return errs
}

func validateAction(action Action) []string {
	var errs []string
	if action.Type != "" && !action.Type.Valid() {
		return append(errs, fmt.Sprintf("unknown action type %q", action.Type))
	}

	v := action.Value
	if v.IsZero() {
		return append(errs, "value is required")
	}

	switch action.Type {
	case ActionMultiplyPrice, ActionSetPrice, ActionSetMinimumPrice, ActionSetMaximumPrice:
		n, ok := v.Decimal()
		if !ok {
			errs = append(errs, fmt.Sprintf("%s requires a number, got %s", action.Type, v.Kind))
		} else if n.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s value %s must not be negative", action.Type, n))
		}
	case ActionAddAmount, ActionSubtractAmount:
		if _, ok := v.Decimal(); !ok {
			errs = append(errs, fmt.Sprintf("%s requires a number, got %s", action.Type, v.Kind))
		}
	case ActionSetAvailability, ActionAddAvailability, ActionSubtractAvailability:
		if n, ok := v.Decimal(); !ok || !n.IsInteger() {
			errs = append(errs, fmt.Sprintf("%s requires an integer, got %s", action.Type, v))
		} else if n.IsNegative() || n.GreaterThan(decimal.NewFromInt(MaxAvailability)) {
			errs = append(errs, fmt.Sprintf("%s value %s must be between 0 and %d", action.Type, n, MaxAvailability))
		}
	case ActionSetRestriction:
		if _, err := restrictionsFromAction(action); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

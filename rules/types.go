package rules

import (
	"time"

	"github.com/guregu/null/v5"
	"github.com/shopspring/decimal"
)

// Category groups rules by the part of the working state they adjust.
type Category string

const (
	CategoryPricing      Category = "PRICING"
	CategoryAvailability Category = "AVAILABILITY"
	CategoryRestrictions Category = "RESTRICTIONS"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryPricing, CategoryAvailability, CategoryRestrictions:
		return true
	}
	return false
}

// Origin records who authored a rule.
const (
	OriginUser   = "user"
	OriginSystem = "system"
)

type ConditionType string

const (
	ConditionOccupancy       ConditionType = "occupancy"
	ConditionAdvanceBooking  ConditionType = "advance_booking"
	ConditionDayOfWeek       ConditionType = "day_of_week"
	ConditionSeason          ConditionType = "season"
	ConditionDemand          ConditionType = "demand"
	ConditionCompetitorPrice ConditionType = "competitor_price"
	ConditionWeather         ConditionType = "weather"
	ConditionEvent           ConditionType = "event"
	ConditionRoomType        ConditionType = "room_type"
	ConditionBookingSource   ConditionType = "booking_source"
	ConditionGuestType       ConditionType = "guest_type"
	ConditionLengthOfStay    ConditionType = "length_of_stay"
	ConditionTimeOfDay       ConditionType = "time_of_day"
	ConditionMarketSegment   ConditionType = "market_segment"
)

// defaultFields maps each condition type to the context field it reads
// when the condition carries no explicit field.
var defaultFields = map[ConditionType]string{
	ConditionOccupancy:       FieldOccupancyRate,
	ConditionAdvanceBooking:  FieldAdvanceBookingDays,
	ConditionDayOfWeek:       FieldDayOfWeek,
	ConditionSeason:          FieldSeason,
	ConditionDemand:          FieldDemandScore,
	ConditionCompetitorPrice: FieldCompetitorPrice,
	ConditionWeather:         FieldWeather,
	ConditionEvent:           FieldLocalEvent,
	ConditionRoomType:        FieldRoomTypeID,
	ConditionBookingSource:   FieldBookingSource,
	ConditionGuestType:       FieldGuestType,
	ConditionLengthOfStay:    FieldLengthOfStay,
	ConditionTimeOfDay:       FieldHourOfDay,
	ConditionMarketSegment:   FieldMarketSegment,
}

func (t ConditionType) Valid() bool {
	_, ok := defaultFields[t]
	return ok
}

type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpBetween            Operator = "between"
	OpNotBetween         Operator = "not_between"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
)

func (o Operator) Valid() bool {
	_, ok := operatorExpressions[o]
	return ok
}

func (o Operator) isOrdering() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		return true
	}
	return false
}

func (o Operator) isRange() bool { return o == OpBetween || o == OpNotBetween }

func (o Operator) isMembership() bool { return o == OpIn || o == OpNotIn }

func (o Operator) isString() bool {
	switch o {
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

type ActionType string

const (
	ActionMultiplyPrice        ActionType = "multiply_price"
	ActionAddAmount            ActionType = "add_amount"
	ActionSubtractAmount       ActionType = "subtract_amount"
	ActionSetPrice             ActionType = "set_price"
	ActionSetMinimumPrice      ActionType = "set_minimum_price"
	ActionSetMaximumPrice      ActionType = "set_maximum_price"
	ActionSetAvailability      ActionType = "set_availability"
	ActionAddAvailability      ActionType = "add_availability"
	ActionSubtractAvailability ActionType = "subtract_availability"
	ActionSetRestriction       ActionType = "set_restriction"
	ActionSendNotification     ActionType = "send_notification"
	ActionTriggerAutomation    ActionType = "trigger_automation"
	ActionLogEvent             ActionType = "log_event"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionMultiplyPrice, ActionAddAmount, ActionSubtractAmount, ActionSetPrice,
		ActionSetMinimumPrice, ActionSetMaximumPrice,
		ActionSetAvailability, ActionAddAvailability, ActionSubtractAvailability,
		ActionSetRestriction,
		ActionSendNotification, ActionTriggerAutomation, ActionLogEvent:
		return true
	}
	return false
}

// sideEffect reports whether the action is handed to the dispatcher instead of
// mutating the working state.
func (a ActionType) sideEffect() bool {
	switch a {
	case ActionSendNotification, ActionTriggerAutomation, ActionLogEvent:
		return true
	}
	return false
}

// Condition is a predicate over one context field.
type Condition struct {
	Type     ConditionType `json:"type" validate:"required"`
	Operator Operator      `json:"operator" validate:"required"`
	Value    Value         `json:"value"`
	// Field overrides the context field implied by Type.
	Field string `json:"field,omitempty"`
}

// ResolvedField returns the context field the condition reads.
func (c Condition) ResolvedField() string {
	if c.Field != "" {
		return c.Field
	}
	return defaultFields[c.Type]
}

// Action is a mutation of the working state, or a side effect.
type Action struct {
	Type   ActionType `json:"type" validate:"required"`
	Value  Value      `json:"value"`
	Target string     `json:"target,omitempty"`
}

// BusinessRule is a prioritized set of AND-combined conditions and ordered actions.
type BusinessRule struct {
	ID             string         `json:"id"`
	Name           string         `json:"name" validate:"required"`
	Description    null.String    `json:"description"`
	Category       Category       `json:"category" validate:"required"`
	Priority       int            `json:"priority"`
	IsActive       bool           `json:"isActive"`
	Origin         null.String    `json:"origin"`
	OrganizationID string         `json:"organizationId" validate:"required"`
	PropertyID     null.String    `json:"propertyId"`
	Conditions     []Condition    `json:"conditions" validate:"min=1,dive"`
	Actions        []Action       `json:"actions" validate:"min=1,dive"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedBy      string         `json:"createdBy" validate:"required"`
	UpdatedBy      null.String    `json:"updatedBy"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy of the rule, including every condition and
// action value and the metadata tree.
func (r *BusinessRule) Clone() *BusinessRule {
	if r == nil {
		return nil
	}
	c := *r
	if r.Conditions != nil {
		c.Conditions = make([]Condition, len(r.Conditions))
		for i, cond := range r.Conditions {
			cond.Value = cond.Value.Clone()
			c.Conditions[i] = cond
		}
	}
	if r.Actions != nil {
		c.Actions = make([]Action, len(r.Actions))
		for i, action := range r.Actions {
			action.Value = action.Value.Clone()
			c.Actions[i] = action
		}
	}
	if r.Metadata != nil {
		c.Metadata = cloneMetadata(r.Metadata).(map[string]any)
	}
	return &c
}

// cloneMetadata copies the map and slice nodes of a decoded JSON tree.
func cloneMetadata(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, item := range v {
			m[k] = cloneMetadata(item)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, item := range v {
			s[i] = cloneMetadata(item)
		}
		return s
	default:
		return v
	}
}

// AppliesTo reports whether the rule is in scope for the organization and property.
// A rule without a property applies organization-wide.
func (r *BusinessRule) AppliesTo(orgID string, propertyID null.String) bool {
	if r.OrganizationID != orgID {
		return false
	}
	if !r.PropertyID.Valid {
		return true
	}
	return propertyID.Valid && r.PropertyID.String == propertyID.String
}

// Restrictions are stay controls; unset fields are null.
type Restrictions struct {
	ClosedToArrival   null.Bool `json:"closedToArrival"`
	ClosedToDeparture null.Bool `json:"closedToDeparture"`
	MinLengthOfStay   null.Int  `json:"minLengthOfStay"`
	MaxLengthOfStay   null.Int  `json:"maxLengthOfStay"`
}

// merge overwrites every field set in other.
func (r *Restrictions) merge(other Restrictions) {
	if other.ClosedToArrival.Valid {
		r.ClosedToArrival = other.ClosedToArrival
	}
	if other.ClosedToDeparture.Valid {
		r.ClosedToDeparture = other.ClosedToDeparture
	}
	if other.MinLengthOfStay.Valid {
		r.MinLengthOfStay = other.MinLengthOfStay
	}
	if other.MaxLengthOfStay.Valid {
		r.MaxLengthOfStay = other.MaxLengthOfStay
	}
}

// ActionResult is the outcome of one action.
type ActionResult struct {
	Type          ActionType `json:"type"`
	OriginalValue any        `json:"originalValue,omitempty"`
	NewValue      any        `json:"newValue,omitempty"`
	Success       bool       `json:"success"`
	Error         string     `json:"error,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
}

// RuleExecutionResult is the outcome of evaluating one rule.
type RuleExecutionResult struct {
	ExecutionID       string            `json:"executionId"`
	RuleID            string            `json:"ruleId"`
	RuleName          string            `json:"ruleName"`
	OrganizationID    string            `json:"organizationId"`
	Executed          bool              `json:"executed"`
	Success           bool              `json:"success"`
	ConditionsMatched bool              `json:"conditionsMatched"`
	ExecutionTime     time.Duration     `json:"-"`
	ExecutionTimeMs   float64           `json:"executionTimeMs"`
	ActionResults     []ActionResult    `json:"actionResults"`
	Error             string            `json:"error,omitempty"`
	Err               error             `json:"-"`
	RevenueImpact     decimal.Decimal   `json:"revenueImpact"`
	ExecutedAt        time.Time         `json:"executedAt"`
	Context           *ExecutionContext `json:"context,omitempty"`
}

// Counted reports whether the result updates the rule's performance aggregate:
// rules that ran their actions, or that failed while trying.
func (r *RuleExecutionResult) Counted() bool {
	return r.Executed || r.Err != nil || r.Error != ""
}

// AppliedRule is a trace entry for a rule whose conditions matched.
type AppliedRule struct {
	RuleID      string          `json:"ruleId"`
	RuleName    string          `json:"ruleName"`
	Priority    int             `json:"priority"`
	Category    Category        `json:"category"`
	Success     bool            `json:"success"`
	PriceBefore decimal.Decimal `json:"priceBefore"`
	PriceAfter  decimal.Decimal `json:"priceAfter"`
}

// PricingResult is the engine's answer for one context.
type PricingResult struct {
	OriginalPrice         decimal.Decimal       `json:"originalPrice"`
	FinalPrice            decimal.Decimal       `json:"finalPrice"`
	PriceChange           decimal.Decimal       `json:"priceChange"`
	PriceChangePercentage decimal.Decimal       `json:"priceChangePercentage"`
	FinalAvailability     int                   `json:"finalAvailability"`
	Restrictions          Restrictions          `json:"restrictions"`
	AppliedRules          []AppliedRule         `json:"appliedRules"`
	RuleResults           []RuleExecutionResult `json:"ruleResults,omitempty"`
	Warnings              []string              `json:"warnings,omitempty"`
	TotalExecutionTime    time.Duration         `json:"-"`
	TotalExecutionTimeMs  float64               `json:"totalExecutionTimeMs"`
	Context               ExecutionContext      `json:"context"`
}

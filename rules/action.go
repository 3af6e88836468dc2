package rules

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/shopspring/decimal"

	"github.com/propertyhub/rules/internal/logger"
	"github.com/propertyhub/rules/internal/metrics"
)

const defaultDispatchTimeout = 5 * time.Second

// Restriction keys accepted by set_restriction.
const (
	RestrictionClosedToArrival   = "closedToArrival"
	RestrictionClosedToDeparture = "closedToDeparture"
	RestrictionMinLengthOfStay   = "minLengthOfStay"
	RestrictionMaxLengthOfStay   = "maxLengthOfStay"
)

// WorkingState is threaded through the actions of a rule run.
// Floor and Ceiling are set by set_minimum_price / set_maximum_price and clamp
// the price actions that follow them within the same rule.
type WorkingState struct {
	Price        decimal.Decimal
	Availability int
	Restrictions Restrictions
	Floor        decimal.NullDecimal
	Ceiling      decimal.NullDecimal
}

// NewWorkingState initializes the state from a context.
func NewWorkingState(execCtx *ExecutionContext) *WorkingState {
	return &WorkingState{
		Price:        execCtx.CurrentPrice,
		Availability: execCtx.AvailableRooms,
	}
}

func (s *WorkingState) clamp() {
	if s.Floor.Valid && s.Price.LessThan(s.Floor.Decimal) {
		s.Price = s.Floor.Decimal
	}
	if s.Ceiling.Valid && s.Price.GreaterThan(s.Ceiling.Decimal) {
		s.Price = s.Ceiling.Decimal
	}
}

// ActionApplier applies actions to a working state. Side-effecting actions are
// handed to the dispatcher in the background; their delivery never affects
// pricing.
type ActionApplier struct {
	dispatcher      Dispatcher
	dispatchTimeout time.Duration
	inflight        sync.WaitGroup
}

// NewActionApplier returns an applier. A nil dispatcher logs side effects.
func NewActionApplier(dispatcher Dispatcher) *ActionApplier {
	if dispatcher == nil {
		dispatcher = LogDispatcher{}
	}
	return &ActionApplier{dispatcher: dispatcher, dispatchTimeout: defaultDispatchTimeout}
}

// Apply applies one action. A failed action leaves the state untouched and
// reports its error in the result.
func (a *ActionApplier) Apply(action Action, state *WorkingState, rule *BusinessRule, execCtx *ExecutionContext) ActionResult {
	res := ActionResult{Type: action.Type}

	var err error
	switch action.Type {
	case ActionMultiplyPrice, ActionAddAmount, ActionSubtractAmount, ActionSetPrice,
		ActionSetMinimumPrice, ActionSetMaximumPrice:
		res.OriginalValue = state.Price
		err = applyPrice(action, state)
		res.NewValue = state.Price
	case ActionSetAvailability, ActionAddAvailability, ActionSubtractAvailability:
		res.OriginalValue = state.Availability
		err = applyAvailability(action, state)
		res.NewValue = state.Availability
	case ActionSetRestriction:
		res.OriginalValue = state.Restrictions
		var r Restrictions
		if r, err = restrictionsFromAction(action); err == nil {
			state.Restrictions.merge(r)
		}
		res.NewValue = state.Restrictions
	case ActionSendNotification, ActionTriggerAutomation, ActionLogEvent:
		res.CorrelationID = a.dispatch(action, rule, execCtx)
		res.NewValue = "queued"
	default:
		err = actionError("unknown action type %q", action.Type)
	}

	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

// Wait blocks until all in-flight dispatches have finished.
func (a *ActionApplier) Wait() {
	a.inflight.Wait()
}

func (a *ActionApplier) dispatch(action Action, rule *BusinessRule, execCtx *ExecutionContext) string {
	req := DispatchRequest{
		CorrelationID:  uuid.NewString(),
		ActionType:     action.Type,
		Target:         action.Target,
		Payload:        action.Value.Native(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		OrganizationID: execCtx.OrganizationID,
		PropertyID:     execCtx.PropertyID,
		RoomTypeID:     execCtx.RoomTypeID,
		StayDate:       execCtx.Date.Format(time.DateOnly),
		RequestedAt:    time.Now(),
	}

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.dispatchTimeout)
		defer cancel()
		if _, err := a.dispatcher.Dispatch(ctx, req); err != nil {
			metrics.DispatchFailures.WithLabelValues(string(req.ActionType)).Inc()
			logger.Error("rule side effect dispatch failed",
				"correlationId", req.CorrelationID,
				"actionType", string(req.ActionType),
				"ruleId", req.RuleID,
				"error", err,
			)
		}
	}()

	return req.CorrelationID
}

func applyPrice(action Action, state *WorkingState) error {
	n, ok := action.Value.Decimal()
	if !ok {
		return actionError("%s requires a numeric value, got %s", action.Type, action.Value.Kind)
	}

	switch action.Type {
	case ActionMultiplyPrice:
		if n.IsNegative() {
			return actionError("multiplier %s is negative", n)
		}
		state.Price = state.Price.Mul(n)
	case ActionAddAmount:
		state.Price = state.Price.Add(n)
	case ActionSubtractAmount:
		state.Price = state.Price.Sub(n)
	case ActionSetPrice:
		if n.IsNegative() {
			return actionError("price %s is negative", n)
		}
		state.Price = n
	case ActionSetMinimumPrice:
		if n.IsNegative() {
			return actionError("minimum price %s is negative", n)
		}
		state.Floor = decimal.NewNullDecimal(n)
	case ActionSetMaximumPrice:
		if n.IsNegative() {
			return actionError("maximum price %s is negative", n)
		}
		state.Ceiling = decimal.NewNullDecimal(n)
	}
	state.clamp()
	return nil
}

// MaxAvailability bounds the operand of an availability action.
const MaxAvailability = 1_000_000

func applyAvailability(action Action, state *WorkingState) error {
	n, ok := action.Value.Decimal()
	if !ok || !n.IsInteger() {
		return actionError("%s requires an integer value, got %s", action.Type, action.Value)
	}
	if n.IsNegative() || n.GreaterThan(decimal.NewFromInt(MaxAvailability)) {
		return actionError("%s value %s is outside 0..%d", action.Type, n, MaxAvailability)
	}
	delta := int(n.IntPart())

	switch action.Type {
	case ActionSetAvailability:
		state.Availability = delta
	case ActionAddAvailability:
		state.Availability += delta
	case ActionSubtractAvailability:
		state.Availability -= delta
	}
	if state.Availability < 0 {
		state.Availability = 0
	}
	return nil
}

// restrictionsFromAction reads either an object of restriction fields, or a
// single field named by the action target.
func restrictionsFromAction(action Action) (Restrictions, error) {
	var r Restrictions
	switch {
	case action.Value.Kind == KindObject:
		for _, key := range action.Value.objectKeys() {
			if err := setRestriction(&r, key, action.Value.Object[key]); err != nil {
				return Restrictions{}, err
			}
		}
	case action.Target != "":
		if err := setRestriction(&r, action.Target, action.Value); err != nil {
			return Restrictions{}, err
		}
	default:
		return Restrictions{}, actionError("set_restriction requires an object value or a target field")
	}
	return r, nil
}

func setRestriction(r *Restrictions, key string, v Value) error {
	switch key {
	case RestrictionClosedToArrival, RestrictionClosedToDeparture:
		if v.Kind != KindBool {
			return actionError("restriction %s requires a bool, got %s", key, v.Kind)
		}
		if key == RestrictionClosedToArrival {
			r.ClosedToArrival = null.BoolFrom(v.Bool)
		} else {
			r.ClosedToDeparture = null.BoolFrom(v.Bool)
		}
	case RestrictionMinLengthOfStay, RestrictionMaxLengthOfStay:
		n, ok := v.Decimal()
		if !ok || !n.IsInteger() || n.IsNegative() {
			return actionError("restriction %s requires a non-negative integer, got %s", key, v)
		}
		if key == RestrictionMinLengthOfStay {
			r.MinLengthOfStay = null.IntFrom(n.IntPart())
		} else {
			r.MaxLengthOfStay = null.IntFrom(n.IntPart())
		}
	default:
		return actionError("unknown restriction field %q", key)
	}
	return nil
}

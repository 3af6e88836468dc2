package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/shopspring/decimal"
)

var (
	saturday = time.Date(2025, time.March, 8, 0, 0, 0, 0, time.UTC)
	tuesday  = time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC)
)

func newRule(name string, priority int, conds []Condition, actions ...Action) *BusinessRule {
	return &BusinessRule{
		Name:           name,
		Category:       CategoryPricing,
		Priority:       priority,
		IsActive:       true,
		OrganizationID: "org-1",
		Conditions:     conds,
		Actions:        actions,
		CreatedBy:      "tester",
	}
}

func when(t ConditionType, op Operator, v Value) []Condition {
	return []Condition{{Type: t, Operator: op, Value: v}}
}

func do(t ActionType, v Value) Action {
	return Action{Type: t, Value: v}
}

func newTestEngine(t *testing.T, rules ...*BusinessRule) (*Engine, *InMemoryRuleStore) {
	t.Helper()
	store := NewInMemoryRuleStore()
	for _, r := range rules {
		if err := store.CreateRule(context.Background(), r); err != nil {
			t.Fatalf("CreateRule(%s) failed: %v", r.Name, err)
		}
	}
	engine, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, store
}

func pricingContext(date time.Time, price int64) ExecutionContext {
	return NewExecutionContext("org-1", date, decimal.NewFromInt(price))
}

func evaluate(t *testing.T, engine *Engine, execCtx ExecutionContext, category Category) *PricingResult {
	t.Helper()
	result, err := engine.EvaluateRules(context.Background(), execCtx, category)
	if err != nil {
		t.Fatalf("EvaluateRules() failed: %v", err)
	}
	return result
}

func assertPrice(t *testing.T, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("price = %s, want %s", got, want)
	}
}

func TestEvaluateRules_OccupancySurge(t *testing.T) {
	engine, _ := newTestEngine(t,
		newRule("surge", 1, when(ConditionOccupancy, OpGreaterThan, NumberValue(90)), do(ActionMultiplyPrice, NumberValue(1.2))),
	)

	execCtx := pricingContext(tuesday, 100)
	execCtx.OccupancyRate = 95

	result := evaluate(t, engine, execCtx, CategoryPricing)
	assertPrice(t, result.FinalPrice, "120")
	assertPrice(t, result.PriceChange, "20")
	assertPrice(t, result.PriceChangePercentage, "20")
	if len(result.AppliedRules) != 1 || result.AppliedRules[0].RuleName != "surge" {
		t.Errorf("AppliedRules = %+v, want [surge]", result.AppliedRules)
	}
}

func TestEvaluateRules_PriorityOrder(t *testing.T) {
	engine, _ := newTestEngine(t,
		newRule("advance discount", 2, when(ConditionAdvanceBooking, OpGreaterThan, NumberValue(30)), do(ActionSubtractAmount, NumberValue(10))),
		newRule("weekend surge", 1, when(ConditionDayOfWeek, OpIn, StringList("saturday", "sunday")), do(ActionMultiplyPrice, NumberValue(1.15))),
	)

	execCtx := pricingContext(saturday, 100)
	execCtx.AdvanceBookingDays = 45

	result := evaluate(t, engine, execCtx, "")
	assertPrice(t, result.FinalPrice, "105")

	if len(result.AppliedRules) != 2 {
		t.Fatalf("AppliedRules = %d, want 2", len(result.AppliedRules))
	}
	first, second := result.AppliedRules[0], result.AppliedRules[1]
	if first.RuleName != "weekend surge" || second.RuleName != "advance discount" {
		t.Errorf("order = [%s, %s], want [weekend surge, advance discount]", first.RuleName, second.RuleName)
	}
	assertPrice(t, first.PriceAfter, "115")
	assertPrice(t, second.PriceBefore, "115")
	assertPrice(t, second.PriceAfter, "105")
}

func TestEvaluateRules_LaterSetPriceWins(t *testing.T) {
	always := when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1))
	engine, _ := newTestEngine(t,
		newRule("double", 1, always, do(ActionMultiplyPrice, NumberValue(2))),
		newRule("fixed", 2, always, do(ActionSetPrice, NumberValue(150))),
	)

	result := evaluate(t, engine, pricingContext(tuesday, 100), CategoryPricing)
	assertPrice(t, result.FinalPrice, "150")
}

func TestEvaluateRules_InactiveRulesNeverApply(t *testing.T) {
	inactive := newRule("inactive", 1, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionSetPrice, NumberValue(1)))
	inactive.IsActive = false
	engine, _ := newTestEngine(t, inactive)

	result := evaluate(t, engine, pricingContext(tuesday, 100), "")
	assertPrice(t, result.FinalPrice, "100")
	if len(result.RuleResults) != 0 {
		t.Errorf("RuleResults = %d, want 0", len(result.RuleResults))
	}
}

func TestEvaluateRules_AllConditionsMustMatch(t *testing.T) {
	engine, _ := newTestEngine(t,
		newRule("weekend and busy", 1, []Condition{
			{Type: ConditionDayOfWeek, Operator: OpIn, Value: StringList("saturday", "sunday")},
			{Type: ConditionOccupancy, Operator: OpGreaterThan, Value: NumberValue(80)},
		}, do(ActionAddAmount, NumberValue(25))),
	)

	execCtx := pricingContext(saturday, 100)
	execCtx.OccupancyRate = 50

	result := evaluate(t, engine, execCtx, "")
	assertPrice(t, result.FinalPrice, "100")
	if len(result.AppliedRules) != 0 {
		t.Errorf("AppliedRules = %+v, want none", result.AppliedRules)
	}
	if res := result.RuleResults[0]; res.ConditionsMatched || res.Executed || res.Error != "" {
		t.Errorf("partial match result = %+v, want unmatched without error", res)
	}
}

func TestEvaluateRules_PriceNeverNegative(t *testing.T) {
	engine, _ := newTestEngine(t,
		newRule("giveaway", 1, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionSubtractAmount, NumberValue(500))),
	)

	result := evaluate(t, engine, pricingContext(tuesday, 100), "")
	assertPrice(t, result.FinalPrice, "0")
}

func TestEvaluateRules_FloorAndCeiling(t *testing.T) {
	always := when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1))

	tests := []struct {
		name  string
		rules []*BusinessRule
		want  string
	}{
		{
			name: "floor clamps later actions of the same rule",
			rules: []*BusinessRule{
				newRule("floor", 1, always, do(ActionSetMinimumPrice, NumberValue(90)), do(ActionSubtractAmount, NumberValue(50))),
			},
			want: "90",
		},
		{
			name: "last floor clamps the final price",
			rules: []*BusinessRule{
				newRule("floor", 1, always, do(ActionSetMinimumPrice, NumberValue(90))),
				newRule("discount", 2, always, do(ActionSubtractAmount, NumberValue(30))),
			},
			want: "90",
		},
		{
			name: "ceiling clamps",
			rules: []*BusinessRule{
				newRule("ceiling", 1, always, do(ActionSetMaximumPrice, NumberValue(120)), do(ActionMultiplyPrice, NumberValue(2))),
			},
			want: "120",
		},
		{
			name: "a later floor replaces an earlier one",
			rules: []*BusinessRule{
				newRule("high floor", 1, always, do(ActionSetMinimumPrice, NumberValue(90))),
				newRule("low floor", 2, always, do(ActionSetMinimumPrice, NumberValue(70))),
				newRule("discount", 3, always, do(ActionSetPrice, NumberValue(50))),
			},
			want: "70",
		},
		{
			name: "ceiling wins over a higher floor",
			rules: []*BusinessRule{
				newRule("floor", 1, always, do(ActionSetMinimumPrice, NumberValue(200))),
				newRule("ceiling", 2, always, do(ActionSetMaximumPrice, NumberValue(150))),
			},
			want: "150",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newTestEngine(t, tt.rules...)
			result := evaluate(t, engine, pricingContext(tuesday, 100), "")
			assertPrice(t, result.FinalPrice, tt.want)
		})
	}
}

func TestEvaluateRules_ConditionErrorFailsOnlyThatRule(t *testing.T) {
	engine, _ := newTestEngine(t,
		newRule("broken", 1, when(ConditionOccupancy, OpContains, StringValue("high")), do(ActionSetPrice, NumberValue(1))),
		newRule("healthy", 2, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionAddAmount, NumberValue(10))),
	)

	result := evaluate(t, engine, pricingContext(tuesday, 100), "")
	assertPrice(t, result.FinalPrice, "110")

	broken := result.RuleResults[0]
	if broken.Success || broken.Error == "" {
		t.Errorf("broken rule result = %+v, want failure", broken)
	}
	if !errors.Is(broken.Err, ErrConditionEvaluation) {
		t.Errorf("broken rule error = %v, want ErrConditionEvaluation", broken.Err)
	}
	if !broken.Counted() {
		t.Error("a failed rule should count toward performance")
	}
}

func TestEvaluateRules_ActionErrorContinuesWithNextAction(t *testing.T) {
	engine, _ := newTestEngine(t,
		newRule("half broken", 1, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)),
			do(ActionMultiplyPrice, StringValue("lots")),
			do(ActionAddAmount, NumberValue(10)),
		),
	)

	result := evaluate(t, engine, pricingContext(tuesday, 100), "")
	assertPrice(t, result.FinalPrice, "110")

	res := result.RuleResults[0]
	if res.Success {
		t.Error("rule with a failed action should not succeed")
	}
	if !errors.Is(res.Err, ErrActionApplication) {
		t.Errorf("error = %v, want ErrActionApplication", res.Err)
	}
	if len(res.ActionResults) != 2 || res.ActionResults[0].Success || !res.ActionResults[1].Success {
		t.Errorf("ActionResults = %+v, want [failed, succeeded]", res.ActionResults)
	}
	assertPrice(t, res.RevenueImpact, "10")
	if len(result.AppliedRules) != 1 || result.AppliedRules[0].Success {
		t.Errorf("AppliedRules = %+v, want one unsuccessful entry", result.AppliedRules)
	}
}

func TestEvaluateRules_RecoversFromPanickingRule(t *testing.T) {
	// a range without bounds cannot be converted for dispatch
	engine, _ := newTestEngine(t,
		newRule("panics", 1, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)),
			Action{Type: ActionSendNotification, Value: Value{Kind: KindRange}}),
		newRule("after", 2, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionAddAmount, NumberValue(5))),
	)

	result := evaluate(t, engine, pricingContext(tuesday, 100), "")
	assertPrice(t, result.FinalPrice, "105")
	if res := result.RuleResults[0]; res.Success || res.Err == nil {
		t.Errorf("panicking rule result = %+v, want failure", res)
	}
}

type failingStore struct {
	*InMemoryRuleStore
}

func (failingStore) GetRulesByScope(context.Context, string, null.String, Category, bool) ([]*BusinessRule, error) {
	return nil, errors.New("connection refused")
}

func TestEvaluateRules_FailsOpenWhenStoreIsDown(t *testing.T) {
	engine, err := NewEngine(failingStore{NewInMemoryRuleStore()})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	result := evaluate(t, engine, pricingContext(tuesday, 100), CategoryPricing)
	assertPrice(t, result.FinalPrice, "100")
	if len(result.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one warning", result.Warnings)
	}

	_, err = engine.GetApplicableRules(context.Background(), "org-1", null.String{}, CategoryPricing)
	if !errors.Is(err, ErrRuleFetch) {
		t.Errorf("GetApplicableRules() error = %v, want ErrRuleFetch", err)
	}
}

// pausingStore holds the first scope fetch after it has read the store,
// until release is closed.
type pausingStore struct {
	*InMemoryRuleStore
	once    sync.Once
	fetched chan struct{}
	release chan struct{}
}

func (s *pausingStore) GetRulesByScope(ctx context.Context, orgID string, propertyID null.String, category Category, activeOnly bool) ([]*BusinessRule, error) {
	list, err := s.InMemoryRuleStore.GetRulesByScope(ctx, orgID, propertyID, category, activeOnly)
	s.once.Do(func() {
		close(s.fetched)
		<-s.release
	})
	return list, err
}

func TestEngine_ToggleDuringFetchIsNotCachedStale(t *testing.T) {
	surcharge := newRule("surcharge", 1, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionMultiplyPrice, NumberValue(1.2)))
	store := &pausingStore{
		InMemoryRuleStore: NewInMemoryRuleStore(),
		fetched:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	if err := store.CreateRule(context.Background(), surcharge); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	engine, err := NewEngine(store, WithFetchTimeout(time.Minute))
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	t.Cleanup(engine.Close)

	inFlight := make(chan *PricingResult, 1)
	go func() {
		result, _ := engine.EvaluateRules(context.Background(), pricingContext(tuesday, 100), CategoryPricing)
		inFlight <- result
	}()

	<-store.fetched
	if _, err := engine.ToggleRule(context.Background(), surcharge.ID, false); err != nil {
		t.Fatalf("ToggleRule() failed: %v", err)
	}
	close(store.release)

	// the in-flight evaluation keeps the snapshot it fetched
	if result := <-inFlight; result == nil || !result.FinalPrice.Equal(decimal.NewFromInt(120)) {
		t.Errorf("in-flight evaluation = %+v, want 120", result)
	}

	for i := 0; i < 3; i++ {
		result := evaluate(t, engine, pricingContext(tuesday, 100), CategoryPricing)
		assertPrice(t, result.FinalPrice, "100")
		if len(result.AppliedRules) != 0 {
			t.Errorf("evaluation %d applied %d rules after deactivation, want 0", i, len(result.AppliedRules))
		}
	}
}

func TestEvaluateRules_InvalidContext(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name     string
		execCtx  ExecutionContext
		category Category
	}{
		{"missing organization", NewExecutionContext("", tuesday, decimal.NewFromInt(100)), ""},
		{"missing date", NewExecutionContext("org-1", time.Time{}, decimal.NewFromInt(100)), ""},
		{"negative price", pricingContext(tuesday, -5), ""},
		{"unknown category", pricingContext(tuesday, 100), Category("TAXES")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.EvaluateRules(context.Background(), tt.execCtx, tt.category)
			if !errors.Is(err, ErrInvalidContext) {
				t.Errorf("EvaluateRules() error = %v, want ErrInvalidContext", err)
			}
		})
	}
}

func TestEvaluateRules_Idempotent(t *testing.T) {
	engine, _ := newTestEngine(t,
		newRule("weekend", 1, when(ConditionDayOfWeek, OpEquals, StringValue("saturday")), do(ActionMultiplyPrice, NumberValue(1.1))),
	)

	execCtx := pricingContext(saturday, 100)
	first := evaluate(t, engine, execCtx, "")
	second := evaluate(t, engine, execCtx, "")

	if !first.FinalPrice.Equal(second.FinalPrice) {
		t.Errorf("repeated evaluation differs: %s vs %s", first.FinalPrice, second.FinalPrice)
	}
	assertPrice(t, execCtx.CurrentPrice, "100")
}

func TestEvaluateRules_Scope(t *testing.T) {
	orgWide := newRule("org wide", 1, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionAddAmount, NumberValue(10)))
	ownProperty := newRule("own property", 2, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionAddAmount, NumberValue(5)))
	ownProperty.PropertyID = null.StringFrom("prop-1")
	otherProperty := newRule("other property", 3, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionAddAmount, NumberValue(1000)))
	otherProperty.PropertyID = null.StringFrom("prop-2")
	otherOrg := newRule("other org", 4, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionAddAmount, NumberValue(1000)))
	otherOrg.OrganizationID = "org-2"
	availability := newRule("availability", 5, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionSubtractAvailability, NumberValue(1)))
	availability.Category = CategoryAvailability

	engine, _ := newTestEngine(t, orgWide, ownProperty, otherProperty, otherOrg, availability)

	execCtx := pricingContext(tuesday, 100)
	execCtx.PropertyID = "prop-1"
	execCtx.AvailableRooms = 4

	result := evaluate(t, engine, execCtx, CategoryPricing)
	assertPrice(t, result.FinalPrice, "115")
	if result.FinalAvailability != 4 {
		t.Errorf("FinalAvailability = %d, want 4 (availability rules filtered out)", result.FinalAvailability)
	}

	result = evaluate(t, engine, execCtx, "")
	assertPrice(t, result.FinalPrice, "115")
	if result.FinalAvailability != 3 {
		t.Errorf("FinalAvailability = %d, want 3", result.FinalAvailability)
	}

	execCtx.PropertyID = ""
	result = evaluate(t, engine, execCtx, CategoryPricing)
	assertPrice(t, result.FinalPrice, "110")
}

func TestEvaluateRules_AvailabilityAndRestrictions(t *testing.T) {
	always := when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1))
	closeOut := newRule("close out", 1, always,
		do(ActionSetAvailability, NumberValue(2)),
		do(ActionSubtractAvailability, NumberValue(5)),
	)
	closeOut.Category = CategoryAvailability
	minStay := newRule("min stay", 2, always,
		do(ActionSetRestriction, ObjectValue(map[string]Value{
			RestrictionMinLengthOfStay: NumberValue(3),
			RestrictionClosedToArrival: BoolValue(true),
		})),
	)
	minStay.Category = CategoryRestrictions

	engine, _ := newTestEngine(t, closeOut, minStay)
	execCtx := pricingContext(tuesday, 100)
	execCtx.AvailableRooms = 10

	result := evaluate(t, engine, execCtx, "")
	if result.FinalAvailability != 0 {
		t.Errorf("FinalAvailability = %d, want 0", result.FinalAvailability)
	}
	if got := result.Restrictions.MinLengthOfStay; !got.Valid || got.Int64 != 3 {
		t.Errorf("MinLengthOfStay = %v, want 3", got)
	}
	if got := result.Restrictions.ClosedToArrival; !got.Valid || !got.Bool {
		t.Errorf("ClosedToArrival = %v, want true", got)
	}
	if result.Restrictions.MaxLengthOfStay.Valid {
		t.Error("MaxLengthOfStay should stay unset")
	}
}

func TestEvaluateRules_OutOfRangeAvailabilityFailsTheAction(t *testing.T) {
	always := when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1))
	flood := newRule("flood", 1, always, do(ActionAddAvailability, NumberValue(1e18)))
	flood.Category = CategoryAvailability

	engine, _ := newTestEngine(t, flood)
	execCtx := pricingContext(tuesday, 100)
	execCtx.AvailableRooms = 10

	result := evaluate(t, engine, execCtx, CategoryAvailability)
	if result.FinalAvailability != 10 {
		t.Errorf("FinalAvailability = %d, want 10", result.FinalAvailability)
	}
	if len(result.RuleResults) != 1 || result.RuleResults[0].Success {
		t.Fatalf("RuleResults = %+v, want one failed rule", result.RuleResults)
	}
}

func TestEvaluateRules_RestrictionsLastWriterWinsPerField(t *testing.T) {
	always := when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1))
	first := newRule("three nights", 1, always,
		do(ActionSetRestriction, ObjectValue(map[string]Value{
			RestrictionMinLengthOfStay: NumberValue(3),
			RestrictionClosedToArrival: BoolValue(true),
		})),
	)
	first.Category = CategoryRestrictions
	second := newRule("five nights", 2, always,
		do(ActionSetRestriction, ObjectValue(map[string]Value{
			RestrictionMinLengthOfStay: NumberValue(5),
		})),
	)
	second.Category = CategoryRestrictions

	engine, _ := newTestEngine(t, first, second)
	result := evaluate(t, engine, pricingContext(tuesday, 100), CategoryRestrictions)

	if got := result.Restrictions.MinLengthOfStay; !got.Valid || got.Int64 != 5 {
		t.Errorf("MinLengthOfStay = %v, want 5", got)
	}
	if got := result.Restrictions.ClosedToArrival; !got.Valid || !got.Bool {
		t.Errorf("ClosedToArrival = %v, want true from the earlier rule", got)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	results []RuleExecutionResult
}

func (s *recordingSink) Submit(res RuleExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []DispatchRequest
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req DispatchRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return req.CorrelationID, nil
}

func TestEvaluateRules_SinkAndDispatcher(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()
	for _, r := range []*BusinessRule{
		newRule("notify", 1, when(ConditionOccupancy, OpGreaterThan, NumberValue(90)),
			do(ActionMultiplyPrice, NumberValue(1.2)),
			Action{Type: ActionSendNotification, Target: "revenue-team", Value: StringValue("sold out soon")},
		),
		newRule("quiet", 2, when(ConditionOccupancy, OpLessThan, NumberValue(10)), do(ActionSubtractAmount, NumberValue(5))),
	} {
		if err := store.CreateRule(ctx, r); err != nil {
			t.Fatalf("CreateRule() failed: %v", err)
		}
	}

	sink := &recordingSink{}
	dispatcher := &recordingDispatcher{}
	engine, err := NewEngine(store, WithResultSink(sink), WithDispatcher(dispatcher))
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	execCtx := pricingContext(tuesday, 100)
	execCtx.OccupancyRate = 95
	result := evaluate(t, engine, execCtx, "")
	engine.Close()

	assertPrice(t, result.FinalPrice, "120")
	if len(sink.results) != 2 {
		t.Fatalf("sink received %d results, want 2", len(sink.results))
	}
	if !sink.results[0].Executed || sink.results[1].Executed {
		t.Errorf("sink results executed = [%v, %v], want [true, false]", sink.results[0].Executed, sink.results[1].Executed)
	}

	if len(dispatcher.requests) != 1 {
		t.Fatalf("dispatched %d requests, want 1", len(dispatcher.requests))
	}
	req := dispatcher.requests[0]
	if req.Target != "revenue-team" || req.Payload != "sold out soon" {
		t.Errorf("dispatch request = %+v", req)
	}
	notify := result.RuleResults[0].ActionResults[1]
	if notify.CorrelationID != req.CorrelationID {
		t.Errorf("CorrelationID = %q, want %q", notify.CorrelationID, req.CorrelationID)
	}
}

func TestEngine_RuleChangesInvalidateCache(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	execCtx := pricingContext(tuesday, 100)

	assertPrice(t, evaluate(t, engine, execCtx, "").FinalPrice, "100")

	rule := newRule("surcharge", 1, when(ConditionLengthOfStay, OpGreaterThanOrEqual, NumberValue(1)), do(ActionAddAmount, NumberValue(20)))
	if _, err := engine.AddRule(ctx, rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	assertPrice(t, evaluate(t, engine, execCtx, "").FinalPrice, "120")

	rule.Actions = []Action{do(ActionAddAmount, NumberValue(30))}
	if _, err := engine.UpdateRule(ctx, rule); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	assertPrice(t, evaluate(t, engine, execCtx, "").FinalPrice, "130")

	if _, err := engine.ToggleRule(ctx, rule.ID, false); err != nil {
		t.Fatalf("ToggleRule() failed: %v", err)
	}
	assertPrice(t, evaluate(t, engine, execCtx, "").FinalPrice, "100")

	if _, err := engine.ToggleRule(ctx, rule.ID, true); err != nil {
		t.Fatalf("ToggleRule() failed: %v", err)
	}
	assertPrice(t, evaluate(t, engine, execCtx, "").FinalPrice, "130")

	if err := engine.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	assertPrice(t, evaluate(t, engine, execCtx, "").FinalPrice, "100")
}

func TestEngine_AddRuleRejectsInvalidRule(t *testing.T) {
	engine, store := newTestEngine(t)

	invalid := newRule("", 1, nil, do(ActionMultiplyPrice, StringValue("x")))
	report, err := engine.AddRule(context.Background(), invalid)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("AddRule() error = %v, want ErrValidation", err)
	}
	if report.IsValid || len(report.Errors) != 3 {
		t.Errorf("report errors = %v, want 3 (name, conditions, action value)", report.Errors)
	}

	list, _ := store.ListRules(context.Background(), "org-1")
	if len(list) != 0 {
		t.Errorf("invalid rule was stored: %+v", list)
	}
}

func TestEngine_ConcurrentEvaluateAndToggle(t *testing.T) {
	ctx := context.Background()
	rule := newRule("surge", 1, when(ConditionOccupancy, OpGreaterThan, NumberValue(50)), do(ActionMultiplyPrice, NumberValue(1.5)))
	engine, _ := newTestEngine(t, rule)

	execCtx := pricingContext(tuesday, 100)
	execCtx.OccupancyRate = 80

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			result, err := engine.EvaluateRules(ctx, execCtx, "")
			if err != nil {
				errs <- err
				return
			}
			// each evaluation sees the rule either fully on or fully off
			if p := result.FinalPrice.String(); p != "150" && p != "100" {
				errs <- errors.Newf("unexpected price %s", p)
			}
		}()
		go func(i int) {
			defer wg.Done()
			if _, err := engine.ToggleRule(ctx, rule.ID, i%2 == 0); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

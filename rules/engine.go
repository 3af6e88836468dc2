package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/propertyhub/rules/internal/logger"
	"github.com/propertyhub/rules/internal/metrics"
)

const defaultFetchTimeout = 2 * time.Second

// ResultSink receives every per-rule result of an evaluation.
// Submit must not block; the engine calls it on the request path.
type ResultSink interface {
	Submit(result RuleExecutionResult)
}

// Engine evaluates the business rules of a scope against an execution context.
// It is safe for concurrent use; every evaluation works on its own rule snapshot
// and working state.
type Engine struct {
	store        RuleStore
	cache        RulesCache
	validator    *RuleValidator
	conditions   *ConditionEvaluator
	actions      *ActionApplier
	sink         ResultSink
	fetchTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache replaces the default in-memory rules cache.
func WithCache(cache RulesCache) Option {
	return func(en *Engine) { en.cache = cache }
}

// WithResultSink forwards per-rule results, typically to an asynchronous recorder.
func WithResultSink(sink ResultSink) Option {
	return func(en *Engine) { en.sink = sink }
}

// WithDispatcher sets the collaborator for notification, automation and log_event actions.
func WithDispatcher(d Dispatcher) Option {
	return func(en *Engine) { en.actions = NewActionApplier(d) }
}

// WithFetchTimeout bounds the rule fetch of each evaluation.
func WithFetchTimeout(d time.Duration) Option {
	return func(en *Engine) {
		if d > 0 {
			en.fetchTimeout = d
		}
	}
}

// NewEngine creates a new rules engine on top of a store
func NewEngine(store RuleStore, opts ...Option) (*Engine, error) {
	conditions, err := NewConditionEvaluator()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create condition evaluator")
	}

	en := &Engine{
		store:        store,
		cache:        NewInMemoryRulesCache(DefaultCacheConfig()),
		validator:    NewRuleValidator(),
		conditions:   conditions,
		actions:      NewActionApplier(nil),
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(en)
	}
	return en, nil
}

// GetApplicableRules returns the active rules of the scope in evaluation order.
// An empty category matches every category. Store failures are returned wrapped
// in ErrRuleFetch.
func (en *Engine) GetApplicableRules(ctx context.Context, orgID string, propertyID null.String, category Category) ([]*BusinessRule, error) {
	key := ScopeKey(orgID, propertyID, category)
	if cached, ok := en.cache.Get(ctx, key); ok {
		return cached, nil
	}

	// the generation is taken before the fetch, so an invalidation racing this
	// fetch makes the fill below a no-op
	gen, cacheable := en.cache.Generation(ctx)

	fetchCtx, cancel := context.WithTimeout(ctx, en.fetchTimeout)
	defer cancel()

	fetched, err := en.store.GetRulesByScope(fetchCtx, orgID, propertyID, category, true)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "scope %s", key), ErrRuleFetch)
	}

	// only active, in-scope rules are ever cached or evaluated
	applicable := make([]*BusinessRule, 0, len(fetched))
	for _, rule := range fetched {
		if !rule.IsActive || !rule.AppliesTo(orgID, propertyID) {
			continue
		}
		if category != "" && rule.Category != category {
			continue
		}
		applicable = append(applicable, rule)
	}
	SortByPriority(applicable)

	if cacheable {
		en.cache.Set(ctx, key, gen, applicable)
	}
	return applicable, nil
}

// EvaluateRules runs the applicable rules against the context and returns the
// adjusted price, availability and restrictions.
//
// Only an invalid context is an error. Rule failures are reported per rule in
// RuleResults, and an unavailable store yields the unmodified price with a warning.
func (en *Engine) EvaluateRules(ctx context.Context, execCtx ExecutionContext, category Category) (*PricingResult, error) {
	start := time.Now()
	if err := execCtx.Validate(); err != nil {
		return nil, err
	}
	if category != "" && !category.Valid() {
		return nil, errors.Wrapf(ErrInvalidContext, "unknown category %q", category)
	}

	result := &PricingResult{
		OriginalPrice: execCtx.CurrentPrice,
		AppliedRules:  []AppliedRule{},
		RuleResults:   []RuleExecutionResult{},
		Context:       execCtx,
	}

	propertyID := null.NewString(execCtx.PropertyID, execCtx.PropertyID != "")
	rules, err := en.GetApplicableRules(ctx, execCtx.OrganizationID, propertyID, category)
	if err != nil {
		metrics.RuleFetchFailures.Inc()
		logger.Error("rule fetch failed, pricing without rules",
			"organizationId", execCtx.OrganizationID,
			"propertyId", execCtx.PropertyID,
			"category", string(category),
			"error", err,
		)
		result.Warnings = append(result.Warnings, "business rules are unavailable; price was not adjusted")
		rules = nil
	}

	state := NewWorkingState(&execCtx)
	var lastFloor, lastCeiling decimal.NullDecimal

	for _, rule := range rules {
		priceBefore := state.Price
		res := en.evaluateRule(rule, state, &execCtx)

		if state.Floor.Valid {
			lastFloor = state.Floor
		}
		if state.Ceiling.Valid {
			lastCeiling = state.Ceiling
		}

		outcome := "skipped"
		switch {
		case res.Err != nil || res.Error != "":
			outcome = "failed"
		case res.Executed:
			outcome = "matched"
		}
		metrics.RuleOutcomes.With(prometheus.Labels{"category": string(rule.Category), "outcome": outcome}).Inc()

		if res.ConditionsMatched {
			result.AppliedRules = append(result.AppliedRules, AppliedRule{
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				Priority:    rule.Priority,
				Category:    rule.Category,
				Success:     res.Success,
				PriceBefore: priceBefore,
				PriceAfter:  state.Price,
			})
		}
		result.RuleResults = append(result.RuleResults, res)
	}

	result.FinalPrice = finalClamp(state.Price, lastFloor, lastCeiling)
	result.FinalAvailability = state.Availability
	result.Restrictions = state.Restrictions
	result.PriceChange = result.FinalPrice.Sub(result.OriginalPrice)
	if !result.OriginalPrice.IsZero() {
		result.PriceChangePercentage = result.PriceChange.
			Div(result.OriginalPrice).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
	result.TotalExecutionTime = time.Since(start)
	result.TotalExecutionTimeMs = durationMs(result.TotalExecutionTime)

	label := prometheus.Labels{"category": categoryLabel(category)}
	metrics.EvaluationCount.With(label).Inc()
	metrics.EvaluationLatency.With(label).Observe(result.TotalExecutionTime.Seconds())

	if en.sink != nil {
		for _, res := range result.RuleResults {
			en.sink.Submit(res)
		}
	}

	return result, nil
}

// evaluateRule evaluates one rule against the working state. Floor and ceiling
// only clamp the rule's own actions; the caller carries them forward.
func (en *Engine) evaluateRule(rule *BusinessRule, state *WorkingState, execCtx *ExecutionContext) (res RuleExecutionResult) {
	start := time.Now()
	res = RuleExecutionResult{
		ExecutionID:    uuid.NewString(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		OrganizationID: execCtx.OrganizationID,
		ActionResults:  []ActionResult{},
		RevenueImpact:  decimal.Zero,
		ExecutedAt:     start.UTC(),
		Context:        execCtx,
	}
	priceBefore := state.Price
	state.Floor = decimal.NullDecimal{}
	state.Ceiling = decimal.NullDecimal{}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = errors.Newf("rule panicked: %v", r)
			res.Error = res.Err.Error()
			logger.Error("rule evaluation panicked", "ruleId", rule.ID, "panic", fmt.Sprint(r))
		}
		res.RevenueImpact = state.Price.Sub(priceBefore)
		res.ExecutionTime = time.Since(start)
		res.ExecutionTimeMs = durationMs(res.ExecutionTime)
	}()

	matched, err := en.conditions.EvaluateAll(rule.Conditions, execCtx)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		logger.Debug("rule conditions failed", "ruleId", rule.ID, "error", err)
		return res
	}
	if !matched {
		return res
	}

	res.ConditionsMatched = true
	res.Executed = true
	res.Success = true

	var failed []string
	for _, action := range rule.Actions {
		ar := en.actions.Apply(action, state, rule, execCtx)
		if !ar.Success {
			res.Success = false
			failed = append(failed, ar.Error)
		}
		res.ActionResults = append(res.ActionResults, ar)
	}
	if len(failed) > 0 {
		res.Err = errors.Wrapf(ErrActionApplication, "%d of %d actions failed: %s",
			len(failed), len(rule.Actions), strings.Join(failed, "; "))
		res.Error = res.Err.Error()
		logger.Debug("rule actions failed", "ruleId", rule.ID, "failures", len(failed))
	}
	return res
}

// finalClamp applies the last floor, then the last ceiling, then zero.
func finalClamp(price decimal.Decimal, floor, ceiling decimal.NullDecimal) decimal.Decimal {
	if floor.Valid && price.LessThan(floor.Decimal) {
		price = floor.Decimal
	}
	if ceiling.Valid && price.GreaterThan(ceiling.Decimal) {
		price = ceiling.Decimal
	}
	if price.IsNegative() {
		price = decimal.Zero
	}
	return price
}

// ValidateRule checks a rule draft without storing it.
func (en *Engine) ValidateRule(rule *BusinessRule) ValidationReport {
	return en.validator.Validate(rule)
}

// AddRule validates and stores a new rule.
// The report is returned on success too, for its warnings and suggestions.
func (en *Engine) AddRule(ctx context.Context, rule *BusinessRule) (ValidationReport, error) {
	report := en.validator.Validate(rule)
	if err := report.Err(); err != nil {
		return report, err
	}

	if err := en.store.CreateRule(ctx, rule); err != nil {
		return report, err
	}

	// Invalidate cache since the scope's rule list changed
	en.cache.Invalidate(ctx)
	return report, nil
}

// UpdateRule validates and replaces an existing rule.
func (en *Engine) UpdateRule(ctx context.Context, rule *BusinessRule) (ValidationReport, error) {
	report := en.validator.Validate(rule)
	if err := report.Err(); err != nil {
		return report, err
	}

	if err := en.store.UpdateRule(ctx, rule); err != nil {
		return report, err
	}

	en.cache.Invalidate(ctx)
	return report, nil
}

// DeleteRule removes a rule. Evaluations already holding it are unaffected.
func (en *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := en.store.DeleteRule(ctx, id); err != nil {
		return err
	}

	en.cache.Invalidate(ctx)
	return nil
}

// ToggleRule activates or deactivates a rule; repeating a toggle is a no-op.
func (en *Engine) ToggleRule(ctx context.Context, id string, isActive bool) (*BusinessRule, error) {
	rule, err := en.store.ToggleRule(ctx, id, isActive)
	if err != nil {
		return nil, err
	}

	en.cache.Invalidate(ctx)
	return rule, nil
}

// InvalidateCache drops every cached scope.
func (en *Engine) InvalidateCache(ctx context.Context) {
	en.cache.Invalidate(ctx)
}

// Close waits for in-flight side effect dispatches.
func (en *Engine) Close() {
	en.actions.Wait()
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func categoryLabel(c Category) string {
	if c == "" {
		return "ALL"
	}
	return string(c)
}

package pricing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/propertyhub/rules/rules"
)

// maxParallelScenarios bounds concurrent engine runs of one scenario battery.
const maxParallelScenarios = 4

// Evaluator is the part of the rules engine the service needs.
type Evaluator interface {
	EvaluateRules(ctx context.Context, execCtx rules.ExecutionContext, category rules.Category) (*rules.PricingResult, error)
}

// Service quotes room prices through the rules engine.
type Service struct {
	engine Evaluator
	market MarketDataSource
	now    func() time.Time
}

func NewService(engine Evaluator, market MarketDataSource) *Service {
	return &Service{engine: engine, market: market, now: time.Now}
}

// ComparisonParams identifies the room type, stay and booking to quote.
type ComparisonParams struct {
	OrganizationID string    `json:"organizationId" validate:"required"`
	RoomTypeID     string    `json:"roomTypeId" validate:"required"`
	RoomID         string    `json:"roomId,omitempty"`
	Date           time.Time `json:"date" validate:"required"`
	// BookingDate defaults to now; it sets the advance booking window.
	BookingDate   time.Time `json:"bookingDate,omitempty"`
	LengthOfStay  int       `json:"lengthOfStay,omitempty"`
	GuestType     string    `json:"guestType,omitempty"`
	BookingSource string    `json:"bookingSource,omitempty"`
	MarketSegment string    `json:"marketSegment,omitempty"`
}

// PricingComparison is the base against the rule-adjusted price of one quote.
type PricingComparison struct {
	RoomTypeID        string              `json:"roomTypeId"`
	Date              string              `json:"date"`
	BasePrice         decimal.Decimal     `json:"basePrice"`
	AdjustedPrice     decimal.Decimal     `json:"adjustedPrice"`
	PriceDifference   decimal.Decimal     `json:"priceDifference"`
	PercentageChange  decimal.Decimal     `json:"percentageChange"`
	FinalAvailability int                 `json:"finalAvailability"`
	Restrictions      rules.Restrictions  `json:"restrictions"`
	AppliedRules      []rules.AppliedRule `json:"appliedRules"`
	Warnings          []string            `json:"warnings,omitempty"`
}

// BuildContext turns a market snapshot and booking parameters into an execution context.
func BuildContext(snap MarketSnapshot, p ComparisonParams, bookedAt time.Time) rules.ExecutionContext {
	execCtx := rules.NewExecutionContext(snap.OrganizationID, snap.Date, snap.BasePrice)
	execCtx.PropertyID = snap.PropertyID
	execCtx.RoomTypeID = snap.RoomTypeID
	execCtx.RoomID = p.RoomID
	execCtx.HourOfDay = bookedAt.Hour()
	execCtx.AdvanceBookingDays = advanceDays(bookedAt, snap.Date)
	if p.LengthOfStay > 0 {
		execCtx.LengthOfStay = p.LengthOfStay
	}
	execCtx.GuestType = p.GuestType
	execCtx.BookingSource = p.BookingSource
	execCtx.MarketSegment = p.MarketSegment
	execCtx.OccupancyRate = snap.OccupancyRate
	execCtx.DemandScore = snap.DemandScore
	execCtx.CompetitorPrices = append([]float64(nil), snap.CompetitorPrices...)
	execCtx.Weather = snap.Weather
	execCtx.LocalEvent = snap.LocalEvent
	execCtx.AvailableRooms = snap.AvailableRooms
	return execCtx
}

// GetPricingComparison quotes one room type and date from current market data.
func (s *Service) GetPricingComparison(ctx context.Context, p ComparisonParams) (*PricingComparison, error) {
	snap, err := s.market.Snapshot(ctx, p.OrganizationID, p.RoomTypeID, p.Date)
	if err != nil {
		return nil, err
	}

	bookedAt := p.BookingDate
	if bookedAt.IsZero() {
		bookedAt = s.now()
	}

	result, err := s.engine.EvaluateRules(ctx, BuildContext(snap, p, bookedAt), rules.CategoryPricing)
	if err != nil {
		return nil, errors.Wrap(err, "failed to evaluate pricing rules")
	}

	return &PricingComparison{
		RoomTypeID:        p.RoomTypeID,
		Date:              p.Date.Format(time.DateOnly),
		BasePrice:         result.OriginalPrice,
		AdjustedPrice:     result.FinalPrice,
		PriceDifference:   result.PriceChange,
		PercentageChange:  result.PriceChangePercentage,
		FinalAvailability: result.FinalAvailability,
		Restrictions:      result.Restrictions,
		AppliedRules:      result.AppliedRules,
		Warnings:          result.Warnings,
	}, nil
}

// Scenario is a synthetic variation of a room type's market conditions.
type Scenario struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	apply       func(execCtx *rules.ExecutionContext, now time.Time)
}

// ScenarioResult is the engine's answer for one scenario, per-rule trace included.
type ScenarioResult struct {
	Scenario string               `json:"scenario"`
	Summary  string               `json:"description"`
	Result   *rules.PricingResult `json:"result"`
}

// Scenarios is the battery run by TestRulesWithScenarios.
var Scenarios = []Scenario{
	{
		Name:        "high_occupancy_weekend",
		Description: "Saturday stay two weeks out at 95% occupancy",
		apply: func(c *rules.ExecutionContext, now time.Time) {
			c.SetDate(nextWeekday(now.AddDate(0, 0, 14), time.Saturday))
			c.OccupancyRate = 95
		},
	},
	{
		Name:        "low_occupancy_weekday",
		Description: "Tuesday stay two weeks out at 30% occupancy",
		apply: func(c *rules.ExecutionContext, now time.Time) {
			c.SetDate(nextWeekday(now.AddDate(0, 0, 14), time.Tuesday))
			c.OccupancyRate = 30
		},
	},
	{
		Name:        "last_minute",
		Description: "Stay tomorrow, booked today",
		apply: func(c *rules.ExecutionContext, now time.Time) {
			c.SetDate(now.AddDate(0, 0, 1))
		},
	},
	{
		Name:        "early_bird",
		Description: "Stay 60 days out",
		apply: func(c *rules.ExecutionContext, now time.Time) {
			c.SetDate(now.AddDate(0, 0, 60))
		},
	},
	{
		Name:        "peak_season",
		Description: "Mid-July stay at high demand",
		apply: func(c *rules.ExecutionContext, now time.Time) {
			c.SetDate(nextMonthDay(now, time.July, 15))
			c.DemandScore = 0.9
		},
	},
	{
		Name:        "off_season",
		Description: "Mid-January stay at low demand",
		apply: func(c *rules.ExecutionContext, now time.Time) {
			c.SetDate(nextMonthDay(now, time.January, 15))
			c.DemandScore = 0.2
			c.OccupancyRate = 25
		},
	},
	{
		Name:        "local_event",
		Description: "Local event with competitors pricing high",
		apply: func(c *rules.ExecutionContext, now time.Time) {
			c.SetDate(now.AddDate(0, 0, 21))
			c.LocalEvent = "conference"
			c.DemandScore = 0.85
			for i := range c.CompetitorPrices {
				c.CompetitorPrices[i] *= 1.3
			}
		},
	},
	{
		Name:        "long_stay",
		Description: "Seven night stay booked a month ahead",
		apply: func(c *rules.ExecutionContext, now time.Time) {
			c.SetDate(now.AddDate(0, 0, 30))
			c.LengthOfStay = 7
		},
	},
}

// TestRulesWithScenarios runs the active rule set against every scenario,
// for acceptance testing before activation. Results keep the battery order.
// propertyID is optional; when given it must own the room type.
func (s *Service) TestRulesWithScenarios(ctx context.Context, orgID, propertyID, roomTypeID string) ([]ScenarioResult, error) {
	now := s.now()
	snap, err := s.market.Snapshot(ctx, orgID, roomTypeID, now)
	if err != nil {
		return nil, err
	}
	if propertyID != "" && propertyID != snap.PropertyID {
		return nil, errors.Wrapf(ErrRoomTypeNotFound, "room type %s does not belong to property %s", roomTypeID, propertyID)
	}

	results := make([]ScenarioResult, len(Scenarios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelScenarios)

	for i, sc := range Scenarios {
		g.Go(func() error {
			execCtx := BuildContext(snap, ComparisonParams{}, now)
			sc.apply(&execCtx, now)
			execCtx.AdvanceBookingDays = advanceDays(now, execCtx.Date)

			result, err := s.engine.EvaluateRules(gctx, execCtx, "")
			if err != nil {
				return errors.Wrapf(err, "scenario %s", sc.Name)
			}
			results[i] = ScenarioResult{Scenario: sc.Name, Summary: sc.Description, Result: result}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// advanceDays counts whole calendar days between booking and stay, never negative.
func advanceDays(bookedAt, stay time.Time) int {
	b := time.Date(bookedAt.Year(), bookedAt.Month(), bookedAt.Day(), 0, 0, 0, 0, time.UTC)
	d := time.Date(stay.Year(), stay.Month(), stay.Day(), 0, 0, 0, 0, time.UTC)
	days := int(d.Sub(b).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// nextWeekday returns the first date on or after from that falls on wd.
func nextWeekday(from time.Time, wd time.Weekday) time.Time {
	return from.AddDate(0, 0, (int(wd)-int(from.Weekday())+7)%7)
}

// nextMonthDay returns the next occurrence of month/day after from.
func nextMonthDay(from time.Time, month time.Month, day int) time.Time {
	d := time.Date(from.Year(), month, day, 12, 0, 0, 0, from.Location())
	if !d.After(from) {
		d = d.AddDate(1, 0, 0)
	}
	return d
}

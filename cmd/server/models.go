package main

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/shopspring/decimal"

	"github.com/propertyhub/rules/rules"
)

// API request and response models

// RuleRequest is the body of rule create and update calls
type RuleRequest struct {
	Name           string            `json:"name"`
	Description    null.String       `json:"description"`
	Category       rules.Category    `json:"category"`
	Priority       int               `json:"priority"`
	IsActive       bool              `json:"isActive"`
	Origin         null.String       `json:"origin"`
	OrganizationID string            `json:"organizationId"`
	PropertyID     null.String       `json:"propertyId"`
	Conditions     []rules.Condition `json:"conditions"`
	Actions        []rules.Action    `json:"actions"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	// Author is recorded as createdBy on create and updatedBy on update
	Author string `json:"author"`
}

func (r RuleRequest) toRule(id string, creating bool) *rules.BusinessRule {
	rule := &rules.BusinessRule{
		ID:             id,
		Name:           r.Name,
		Description:    r.Description,
		Category:       r.Category,
		Priority:       r.Priority,
		IsActive:       r.IsActive,
		Origin:         r.Origin,
		OrganizationID: r.OrganizationID,
		PropertyID:     r.PropertyID,
		Conditions:     r.Conditions,
		Actions:        r.Actions,
		Metadata:       r.Metadata,
		// on update the store keeps the original creator
		CreatedBy: r.Author,
	}
	if !creating {
		rule.UpdatedBy = null.NewString(r.Author, r.Author != "")
	}
	return rule
}

// RuleResponse wraps a stored rule with its validation feedback
type RuleResponse struct {
	Rule        *rules.BusinessRule `json:"rule"`
	Warnings    []string            `json:"warnings,omitempty"`
	Suggestions []string            `json:"suggestions,omitempty"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.BusinessRule `json:"rules"`
}

// ToggleRequest sets a rule's active flag
type ToggleRequest struct {
	IsActive *bool `json:"isActive"`
}

// EvaluateRequest describes a pricing context. Day of week, weekend and season
// are derived from the date.
type EvaluateRequest struct {
	OrganizationID     string           `json:"organizationId"`
	PropertyID         string           `json:"propertyId,omitempty"`
	RoomTypeID         string           `json:"roomTypeId,omitempty"`
	RoomID             string           `json:"roomId,omitempty"`
	Date               string           `json:"date"`
	HourOfDay          *int             `json:"hourOfDay,omitempty"`
	AdvanceBookingDays int              `json:"advanceBookingDays"`
	LengthOfStay       int              `json:"lengthOfStay"`
	GuestType          string           `json:"guestType,omitempty"`
	BookingSource      string           `json:"bookingSource,omitempty"`
	MarketSegment      string           `json:"marketSegment,omitempty"`
	OccupancyRate      float64          `json:"occupancyRate"`
	DemandScore        float64          `json:"demandScore"`
	CompetitorPrices   []float64        `json:"competitorPrices,omitempty"`
	Weather            string           `json:"weather,omitempty"`
	LocalEvent         string           `json:"localEvent,omitempty"`
	AvailableRooms     int              `json:"availableRooms"`
	BasePrice          *decimal.Decimal `json:"basePrice,omitempty"`
	CurrentPrice       decimal.Decimal  `json:"currentPrice"`
	Category           rules.Category   `json:"category,omitempty"`
	// IncludeTrace keeps per-rule results in the response
	IncludeTrace bool `json:"includeTrace,omitempty"`
}

func (r EvaluateRequest) toContext(now time.Time) (rules.ExecutionContext, error) {
	date, err := parseDate(r.Date)
	if err != nil {
		return rules.ExecutionContext{}, errors.Wrap(rules.ErrInvalidContext, err.Error())
	}

	execCtx := rules.NewExecutionContext(r.OrganizationID, date, r.CurrentPrice)
	if r.BasePrice != nil {
		execCtx.BasePrice = *r.BasePrice
	}
	execCtx.HourOfDay = now.Hour()
	if r.HourOfDay != nil {
		execCtx.HourOfDay = *r.HourOfDay
	}
	execCtx.PropertyID = r.PropertyID
	execCtx.RoomTypeID = r.RoomTypeID
	execCtx.RoomID = r.RoomID
	execCtx.AdvanceBookingDays = r.AdvanceBookingDays
	if r.LengthOfStay > 0 {
		execCtx.LengthOfStay = r.LengthOfStay
	}
	execCtx.GuestType = r.GuestType
	execCtx.BookingSource = r.BookingSource
	execCtx.MarketSegment = r.MarketSegment
	execCtx.OccupancyRate = r.OccupancyRate
	execCtx.DemandScore = r.DemandScore
	execCtx.CompetitorPrices = r.CompetitorPrices
	execCtx.Weather = r.Weather
	execCtx.LocalEvent = r.LocalEvent
	execCtx.AvailableRooms = r.AvailableRooms
	return execCtx, nil
}

// CompareRequest asks for a quote of one room type and date
type CompareRequest struct {
	OrganizationID string `json:"organizationId" validate:"required"`
	RoomTypeID     string `json:"roomTypeId" validate:"required"`
	RoomID         string `json:"roomId,omitempty"`
	Date           string `json:"date" validate:"required"`
	BookingDate    string `json:"bookingDate,omitempty"`
	LengthOfStay   int    `json:"lengthOfStay,omitempty" validate:"gte=0"`
	GuestType      string `json:"guestType,omitempty"`
	BookingSource  string `json:"bookingSource,omitempty"`
	MarketSegment  string `json:"marketSegment,omitempty"`
}

// ScenariosRequest asks for the scenario battery of one room type
type ScenariosRequest struct {
	OrganizationID string `json:"organizationId" validate:"required"`
	PropertyID     string `json:"propertyId,omitempty"`
	RoomTypeID     string `json:"roomTypeId" validate:"required"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details string   `json:"details,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("date is required")
	}
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d, nil
	}
	d, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Newf("invalid date %q", s)
	}
	return d, nil
}

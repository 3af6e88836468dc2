package rules

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// Context field names, as used by condition field overrides.
const (
	FieldDate               = "date"
	FieldDayOfWeek          = "dayOfWeek"
	FieldIsWeekend          = "isWeekend"
	FieldSeason             = "season"
	FieldHourOfDay          = "hourOfDay"
	FieldOrganizationID     = "organizationId"
	FieldPropertyID         = "propertyId"
	FieldRoomTypeID         = "roomTypeId"
	FieldRoomID             = "roomId"
	FieldAdvanceBookingDays = "advanceBookingDays"
	FieldLengthOfStay       = "lengthOfStay"
	FieldGuestType          = "guestType"
	FieldBookingSource      = "bookingSource"
	FieldMarketSegment      = "marketSegment"
	FieldOccupancyRate      = "occupancyRate"
	FieldDemandScore        = "demandScore"
	FieldCompetitorPrices   = "competitorPrices"
	FieldCompetitorPrice    = "competitorPrice"
	FieldWeather            = "weather"
	FieldLocalEvent         = "localEvent"
	FieldAvailableRooms     = "availableRooms"
	FieldBasePrice          = "basePrice"
	FieldCurrentPrice       = "currentPrice"
)

const (
	SeasonWinter = "winter"
	SeasonSpring = "spring"
	SeasonSummer = "summer"
	SeasonFall   = "fall"
)

// ExecutionContext is the immutable snapshot a rule set is evaluated against.
// It is built fresh for every pricing request.
type ExecutionContext struct {
	Date      time.Time `json:"date"`
	DayOfWeek string    `json:"dayOfWeek"`
	IsWeekend bool      `json:"isWeekend"`
	Season    string    `json:"season"`
	HourOfDay int       `json:"hourOfDay"`

	OrganizationID string `json:"organizationId"`
	PropertyID     string `json:"propertyId,omitempty"`
	RoomTypeID     string `json:"roomTypeId,omitempty"`
	RoomID         string `json:"roomId,omitempty"`

	AdvanceBookingDays int    `json:"advanceBookingDays"`
	LengthOfStay       int    `json:"lengthOfStay"`
	GuestType          string `json:"guestType,omitempty"`
	BookingSource      string `json:"bookingSource,omitempty"`
	MarketSegment      string `json:"marketSegment,omitempty"`

	OccupancyRate    float64   `json:"occupancyRate"`
	DemandScore      float64   `json:"demandScore"`
	CompetitorPrices []float64 `json:"competitorPrices,omitempty"`
	Weather          string    `json:"weather,omitempty"`
	LocalEvent       string    `json:"localEvent,omitempty"`
	AvailableRooms   int       `json:"availableRooms"`

	BasePrice    decimal.Decimal `json:"basePrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
}

// NewExecutionContext returns a context for the given stay date with the
// temporal fields derived from it.
func NewExecutionContext(orgID string, date time.Time, price decimal.Decimal) ExecutionContext {
	c := ExecutionContext{
		OrganizationID: orgID,
		BasePrice:      price,
		CurrentPrice:   price,
		LengthOfStay:   1,
	}
	c.SetDate(date)
	return c
}

// SetDate sets the stay date and recomputes day of week, weekend flag and season.
func (c *ExecutionContext) SetDate(date time.Time) {
	c.Date = date
	c.DayOfWeek = DayName(date.Weekday())
	c.IsWeekend = date.Weekday() == time.Saturday || date.Weekday() == time.Sunday
	c.Season = SeasonFor(date)
}

// DayName returns the lowercase English name of the weekday.
func DayName(d time.Weekday) string {
	return strings.ToLower(d.String())
}

// SeasonFor maps a date to its meteorological season (northern hemisphere).
func SeasonFor(date time.Time) string {
	switch date.Month() {
	case time.December, time.January, time.February:
		return SeasonWinter
	case time.March, time.April, time.May:
		return SeasonSpring
	case time.June, time.July, time.August:
		return SeasonSummer
	default:
		return SeasonFall
	}
}

// Validate checks the fields evaluation cannot proceed without.
func (c *ExecutionContext) Validate() error {
	if c.OrganizationID == "" {
		return errors.Wrap(ErrInvalidContext, "organizationId is required")
	}
	if c.Date.IsZero() {
		return errors.Wrap(ErrInvalidContext, "date is required")
	}
	if c.CurrentPrice.IsNegative() {
		return errors.Wrapf(ErrInvalidContext, "currentPrice %s is negative", c.CurrentPrice)
	}
	return nil
}

// Lookup resolves a context field by name. The second result is false when the
// field is unknown or holds no value in this context.
func (c *ExecutionContext) Lookup(field string) (any, bool) {
	switch field {
	case FieldDate:
		return c.Date.Format(time.DateOnly), !c.Date.IsZero()
	case FieldDayOfWeek:
		return c.DayOfWeek, c.DayOfWeek != ""
	case FieldIsWeekend:
		return c.IsWeekend, true
	case FieldSeason:
		return c.Season, c.Season != ""
	case FieldHourOfDay:
		return c.HourOfDay, true
	case FieldOrganizationID:
		return c.OrganizationID, c.OrganizationID != ""
	case FieldPropertyID:
		return c.PropertyID, c.PropertyID != ""
	case FieldRoomTypeID:
		return c.RoomTypeID, c.RoomTypeID != ""
	case FieldRoomID:
		return c.RoomID, c.RoomID != ""
	case FieldAdvanceBookingDays:
		return c.AdvanceBookingDays, true
	case FieldLengthOfStay:
		return c.LengthOfStay, true
	case FieldGuestType:
		return c.GuestType, c.GuestType != ""
	case FieldBookingSource:
		return c.BookingSource, c.BookingSource != ""
	case FieldMarketSegment:
		return c.MarketSegment, c.MarketSegment != ""
	case FieldOccupancyRate:
		return c.OccupancyRate, true
	case FieldDemandScore:
		return c.DemandScore, true
	case FieldCompetitorPrices:
		prices := make([]any, len(c.CompetitorPrices))
		for i, p := range c.CompetitorPrices {
			prices[i] = p
		}
		return prices, len(prices) > 0
	case FieldCompetitorPrice:
		if len(c.CompetitorPrices) == 0 {
			return nil, false
		}
		var sum float64
		for _, p := range c.CompetitorPrices {
			sum += p
		}
		return sum / float64(len(c.CompetitorPrices)), true
	case FieldWeather:
		return c.Weather, c.Weather != ""
	case FieldLocalEvent:
		return c.LocalEvent, c.LocalEvent != ""
	case FieldAvailableRooms:
		return c.AvailableRooms, true
	case FieldBasePrice:
		return c.BasePrice.InexactFloat64(), true
	case FieldCurrentPrice:
		return c.CurrentPrice.InexactFloat64(), true
	default:
		return nil, false
	}
}

// KnownField reports whether field names a context field.
func KnownField(field string) bool {
	switch field {
	case FieldDate, FieldDayOfWeek, FieldIsWeekend, FieldSeason, FieldHourOfDay,
		FieldOrganizationID, FieldPropertyID, FieldRoomTypeID, FieldRoomID,
		FieldAdvanceBookingDays, FieldLengthOfStay, FieldGuestType, FieldBookingSource,
		FieldMarketSegment, FieldOccupancyRate, FieldDemandScore, FieldCompetitorPrices,
		FieldCompetitorPrice, FieldWeather, FieldLocalEvent, FieldAvailableRooms,
		FieldBasePrice, FieldCurrentPrice:
		return true
	}
	return false
}

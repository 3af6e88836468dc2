// Package pricing builds execution contexts from property market data and
// runs the rules engine for single quotes and scenario batteries.
package pricing

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ErrRoomTypeNotFound is returned when no market data exists for a room type.
var ErrRoomTypeNotFound = errors.New("room type not found")

// MarketSnapshot is the domain data of one room type on one stay date.
type MarketSnapshot struct {
	OrganizationID   string
	PropertyID       string
	RoomTypeID       string
	Date             time.Time
	BasePrice        decimal.Decimal
	TotalRooms       int
	AvailableRooms   int
	OccupancyRate    float64
	DemandScore      float64
	CompetitorPrices []float64
	Weather          string
	LocalEvent       string
}

// MarketDataSource supplies market snapshots.
type MarketDataSource interface {
	Snapshot(ctx context.Context, orgID, roomTypeID string, date time.Time) (MarketSnapshot, error)
}

// PostgresMarketData reads room types, their daily stats and competitor rates.
type PostgresMarketData struct {
	db *sql.DB
}

func NewPostgresMarketData(db *sql.DB) *PostgresMarketData {
	return &PostgresMarketData{db: db}
}

func (m *PostgresMarketData) Snapshot(ctx context.Context, orgID, roomTypeID string, date time.Time) (MarketSnapshot, error) {
	day := date.Format(time.DateOnly)
	snap := MarketSnapshot{OrganizationID: orgID, RoomTypeID: roomTypeID, Date: date}

	var (
		propertyID       string
		booked           sql.NullInt64
		demand           sql.NullFloat64
		weather, event   null.String
		competitorPrices pq.Float64Array
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT rt.property_id, rt.base_price, rt.total_rooms,
		       s.booked_rooms, s.demand_score, s.weather, s.local_event,
		       COALESCE((
		           SELECT array_agg(c.price::float8 ORDER BY c.competitor)
		           FROM competitor_rates c
		           WHERE c.room_type_id = rt.id AND c.stay_date = $3::date
		       ), '{}')
		FROM room_types rt
		LEFT JOIN room_type_daily_stats s
		       ON s.room_type_id = rt.id AND s.stay_date = $3::date
		WHERE rt.organization_id = $1 AND rt.id = $2
	`, orgID, roomTypeID, day).Scan(&propertyID, &snap.BasePrice, &snap.TotalRooms,
		&booked, &demand, &weather, &event, &competitorPrices)
	if errors.Is(err, sql.ErrNoRows) {
		return MarketSnapshot{}, errors.Wrapf(ErrRoomTypeNotFound, "room type %s", roomTypeID)
	}
	if err != nil {
		return MarketSnapshot{}, errors.Wrap(err, "failed to query market data")
	}

	snap.PropertyID = propertyID
	snap.AvailableRooms = snap.TotalRooms - int(booked.Int64)
	if snap.AvailableRooms < 0 {
		snap.AvailableRooms = 0
	}
	if snap.TotalRooms > 0 {
		snap.OccupancyRate = float64(booked.Int64) / float64(snap.TotalRooms) * 100
	}
	snap.DemandScore = demand.Float64
	snap.Weather = weather.String
	snap.LocalEvent = event.String
	snap.CompetitorPrices = competitorPrices
	return snap, nil
}

// StaticMarketData serves fixed snapshots keyed by room type, whatever the date.
type StaticMarketData struct {
	mu        sync.RWMutex
	snapshots map[string]MarketSnapshot
}

func NewStaticMarketData(snapshots ...MarketSnapshot) *StaticMarketData {
	m := &StaticMarketData{snapshots: make(map[string]MarketSnapshot, len(snapshots))}
	for _, s := range snapshots {
		m.Put(s)
	}
	return m
}

// Put adds or replaces the snapshot of a room type.
func (m *StaticMarketData) Put(s MarketSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.RoomTypeID] = s
}

func (m *StaticMarketData) Snapshot(_ context.Context, orgID, roomTypeID string, date time.Time) (MarketSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[roomTypeID]
	if !ok || s.OrganizationID != orgID {
		return MarketSnapshot{}, errors.Wrapf(ErrRoomTypeNotFound, "room type %s", roomTypeID)
	}
	s.Date = date
	s.CompetitorPrices = append([]float64(nil), s.CompetitorPrices...)
	return s, nil
}

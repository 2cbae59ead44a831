package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sitecast/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx, so the
// same source works inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource reads history from the sites and site_readings tables.
// Unlike MemorySource it queries on demand, so it suits live serving where
// readings keep arriving; the availability cut is pushed into SQL.
type PostgresSource struct {
	db  DBTX
	lag time.Duration
	cut time.Time // zero = uncut
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource creates a Postgres-backed history source with the given
// reporting lag.
func NewPostgresSource(db DBTX, lag time.Duration) *PostgresSource {
	return &PostgresSource{db: db, lag: lag}
}

// tsOrNil maps a zero time to a NULL query parameter.
func tsOrNil(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	return &ts
}

// Get implements Source.
func (p *PostgresSource) Get(ctx context.Context, ids []types.SiteID, start, end time.Time) (*Result, error) {
	out := &Result{Series: make(map[types.SiteID][]Reading, len(ids))}
	if len(ids) == 0 {
		return out, nil
	}
	for _, id := range ids {
		out.Series[id] = []Reading{}
	}
	end = types.MinTime(p.cut, end)

	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = string(id)
	}
	rows, err := p.db.Query(ctx, `
		SELECT site_id, ts, power_kw
		FROM site_readings
		WHERE site_id = ANY($1)
		  AND ($2::timestamptz IS NULL OR ts >= $2)
		  AND ($3::timestamptz IS NULL OR ts <= $3)
		ORDER BY site_id, ts`,
		idStrs, tsOrNil(start), tsOrNil(end))
	if err != nil {
		return nil, types.NewError(types.ErrCodeStore, "querying site readings", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			r  Reading
		)
		if err := rows.Scan(&id, &r.TS, &r.PowerKW); err != nil {
			return nil, types.NewError(types.ErrCodeStore, "scanning site reading", err)
		}
		out.Series[types.SiteID(id)] = append(out.Series[types.SiteID(id)], r)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewError(types.ErrCodeStore, "iterating site readings", err)
	}
	return out, nil
}

// ListSiteIDs implements Source.
func (p *PostgresSource) ListSiteIDs(ctx context.Context) ([]types.SiteID, error) {
	rows, err := p.db.Query(ctx, `SELECT site_id FROM sites ORDER BY site_id`)
	if err != nil {
		return nil, types.NewError(types.ErrCodeStore, "listing sites", err)
	}
	defer rows.Close()

	var ids []types.SiteID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewError(types.ErrCodeStore, "scanning site id", err)
		}
		ids = append(ids, types.SiteID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewError(types.ErrCodeStore, "iterating sites", err)
	}
	return ids, nil
}

// MinTS implements Source.
func (p *PostgresSource) MinTS(ctx context.Context) (time.Time, error) {
	return p.boundTS(ctx, "min")
}

// MaxTS implements Source.
func (p *PostgresSource) MaxTS(ctx context.Context) (time.Time, error) {
	return p.boundTS(ctx, "max")
}

func (p *PostgresSource) boundTS(ctx context.Context, agg string) (time.Time, error) {
	// agg is one of the literals "min"/"max", never user input.
	query := fmt.Sprintf(`
		SELECT %s(ts)
		FROM site_readings
		WHERE ($1::timestamptz IS NULL OR ts <= $1)`, agg)

	var ts *time.Time
	if err := p.db.QueryRow(ctx, query, tsOrNil(p.cut)).Scan(&ts); err != nil {
		return time.Time{}, types.NewError(types.ErrCodeStore, "querying history bounds", err)
	}
	if ts == nil {
		return time.Time{}, types.NewError(types.ErrCodeDataUnavailable, "history source has no visible readings", nil)
	}
	return *ts, nil
}

// Site implements Source. Optional metadata columns come back as NaN (or
// empty for the inverter reference) when NULL, matching the convention that
// missing metadata degrades rather than fails.
func (p *PostgresSource) Site(ctx context.Context, id types.SiteID) (types.Site, error) {
	var (
		site          types.Site
		capacity      *float64
		tilt, azimuth *float64
		inverter      *string
	)
	err := p.db.QueryRow(ctx, `
		SELECT latitude, longitude, capacity_kw, tilt_deg, azimuth_deg, inverter_ref
		FROM sites
		WHERE site_id = $1`,
		string(id)).Scan(&site.Latitude, &site.Longitude, &capacity, &tilt, &azimuth, &inverter)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Site{}, types.NewError(types.ErrCodeDataUnavailable,
			fmt.Sprintf("unknown site %q", id), err)
	}
	if err != nil {
		return types.Site{}, types.NewError(types.ErrCodeStore, "querying site metadata", err)
	}

	site.ID = id
	site.CapacityKW = floatOrNaN(capacity)
	site.TiltDeg = floatOrNaN(tilt)
	site.AzimuthDeg = floatOrNaN(azimuth)
	if inverter != nil {
		site.InverterRef = *inverter
	}
	return site, nil
}

func floatOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// AsAvailableAt implements Source.
func (p *PostgresSource) AsAvailableAt(ts time.Time) Source {
	view := *p
	view.cut = cutFrom(p.cut, ts, p.lag)
	return &view
}

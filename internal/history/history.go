// Package history provides access to per-site PV generation history with
// "as available at" semantics: every source can be projected onto the data
// that had actually been reported by a given point in time, so that training
// can never look into the future.
package history

import (
	"context"
	"time"

	"sitecast/internal/types"
)

// Reading is one power observation for a site.
type Reading struct {
	TS      time.Time
	PowerKW float64
}

// Result is a slice of history: one ordered reading series per requested
// site. Sites without data in the requested window map to empty series.
type Result struct {
	Series map[types.SiteID][]Reading
}

// Readings returns the series for a site (nil when absent).
func (r *Result) Readings(id types.SiteID) []Reading {
	if r == nil {
		return nil
	}
	return r.Series[id]
}

// Empty reports whether the result contains no readings at all.
func (r *Result) Empty() bool {
	if r == nil {
		return true
	}
	for _, s := range r.Series {
		if len(s) > 0 {
			return false
		}
	}
	return true
}

// Source is the capability set shared by all history variants.
//
// An availability cut, once set through AsAvailableAt, bounds everything the
// source reports: Get clips its window to the cut, and MinTS/MaxTS describe
// the visible range only.
type Source interface {
	// Get returns the readings for the given sites inside the closed interval
	// [start, end]. A zero start or end means unbounded on that side. An
	// empty id list or a window outside the data yields an empty result,
	// never an error.
	Get(ctx context.Context, ids []types.SiteID, start, end time.Time) (*Result, error)

	// ListSiteIDs returns every known site id, sorted.
	ListSiteIDs(ctx context.Context) ([]types.SiteID, error)

	// MinTS and MaxTS report the visible timestamp range. They fail with a
	// data_unavailable error when the source holds no visible readings.
	MinTS(ctx context.Context) (time.Time, error)
	MaxTS(ctx context.Context) (time.Time, error)

	// Site returns the static metadata for a site.
	Site(ctx context.Context, id types.SiteID) (types.Site, error)

	// AsAvailableAt returns a view of the same data restricted to what had
	// been reported by ts, honoring the source's reporting lag: readings
	// with timestamp > ts - lag - 1s become invisible. The receiver is never
	// mutated; repeated projections compose, the tightest cut winning.
	AsAvailableAt(ts time.Time) Source
}

// cutFrom derives the new visibility cut for AsAvailableAt(ts) on a source
// with the given lag and existing cut (zero means uncut).
func cutFrom(existing, ts time.Time, lag time.Duration) time.Time {
	return types.MinTime(existing, ts.Add(-lag).Add(-time.Second))
}

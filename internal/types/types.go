// Package types defines the core domain types shared across the sitecast
// forecasting pipeline: query points, prediction targets, horizon sets,
// feature tables and the error taxonomy. It deliberately has no dependencies
// outside the standard library so that every other package can build on it.
package types

import (
	"fmt"
	"math"
	"time"
)

// SiteID identifies a single PV installation.
type SiteID string

// minutesPerDay is the number of minutes in a calendar day. Horizon durations
// must divide this evenly so that per-horizon history aggregation is stable
// across day boundaries.
const minutesPerDay = 24 * 60

// X is a query point: the site and the timestamp at which a forecast is
// requested. The timestamp defines "now" for all availability filtering.
type X struct {
	SiteID SiteID
	TS     time.Time
}

// Y is the prediction target: one mean power value (kW) per horizon.
// NaN means no observation existed in that horizon window.
type Y struct {
	Powers []float64
}

// Valid reports whether at least one horizon has a usable (non-NaN) value.
// A target that is NaN across all horizons must be dropped before training.
func (y Y) Valid() bool {
	for _, p := range y.Powers {
		if !math.IsNaN(p) {
			return true
		}
	}
	return false
}

// Horizons is an ordered set of contiguous, non-overlapping future time
// intervals relative to a query timestamp. Horizon i covers
// [i*duration, (i+1)*duration) minutes from "now".
type Horizons struct {
	duration int
	count    int
}

// NewHorizons builds a horizon set of count intervals of duration minutes
// each. The duration must divide a calendar day evenly; this is relied upon
// when bucketing historical samples by time-of-day.
func NewHorizons(durationMinutes, count int) (Horizons, error) {
	if durationMinutes <= 0 || count <= 0 {
		return Horizons{}, NewError(ErrCodeHorizonConfig,
			fmt.Sprintf("horizons require positive duration and count, got %d/%d", durationMinutes, count), nil)
	}
	if minutesPerDay%durationMinutes != 0 {
		return Horizons{}, NewError(ErrCodeHorizonConfig,
			fmt.Sprintf("horizon duration %dm does not divide a day", durationMinutes), nil)
	}
	return Horizons{duration: durationMinutes, count: count}, nil
}

// MustHorizons is NewHorizons that panics on error. For tests and static
// configuration where the values are compile-time constants.
func MustHorizons(durationMinutes, count int) Horizons {
	h, err := NewHorizons(durationMinutes, count)
	if err != nil {
		panic(err)
	}
	return h
}

// Duration returns the duration of a single horizon in minutes.
func (h Horizons) Duration() int { return h.duration }

// Len returns the number of horizons.
func (h Horizons) Len() int { return h.count }

// At returns the i-th horizon as (start, end) minute offsets from the query
// timestamp.
func (h Horizons) At(i int) (start, end int) {
	if i < 0 || i >= h.count {
		panic(fmt.Sprintf("horizon index %d out of range [0,%d)", i, h.count))
	}
	return h.duration * i, h.duration * (i + 1)
}

// Midpoints returns the middle timestamp of every horizon window relative to
// now. These are the timestamps at which NWP values and irradiance are
// evaluated per horizon.
func (h Horizons) Midpoints(now time.Time) []time.Time {
	out := make([]time.Time, h.count)
	for i := 0; i < h.count; i++ {
		start, end := h.At(i)
		mid := float64(start+end) / 2
		out[i] = now.Add(time.Duration(mid * float64(time.Minute)))
	}
	return out
}

// MinStart returns the start offset (minutes) of the first horizon.
func (h Horizons) MinStart() int { return 0 }

// MaxEnd returns the end offset (minutes) of the last horizon.
func (h Horizons) MaxEnd() int { return h.duration * h.count }

// Sample is one training/evaluation example: a query point, its ground-truth
// target and the assembled feature table.
type Sample struct {
	X        X
	Y        Y
	Features *Features
}

// Site holds the static metadata of a PV installation. It is immutable once
// a forecast query begins.
type Site struct {
	ID          SiteID
	Latitude    float64
	Longitude   float64
	CapacityKW  float64
	TiltDeg     float64
	AzimuthDeg  float64
	InverterRef string
}

// Package gridded implements the gridded NWP forecast source: a labeled 5-D
// array of weather-variable forecasts (x, y, init-time, lead-step, variable)
// with availability-aware "as of" slicing, per-axis nearest location
// selection and nearest lead-step time selection.
//
// Grids are loaded either directly from memory or from a chunked,
// zstd-compressed archive in an object store (see store.go). Sources are
// read-only after construction and safe for concurrent use.
package gridded

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// Grid is an immutable labeled 5-D array of forecast values. The value
// layout is row-major over (x, y, init-time, lead-step, variable).
type Grid struct {
	xs        []float64
	ys        []float64
	initTimes []time.Time
	leadSteps []time.Duration
	variables []string
	values    []float64
}

// NewGrid builds a Grid from its coordinate labels and flat values. The
// values slice must have exactly len(xs)*len(ys)*len(initTimes)*
// len(leadSteps)*len(variables) entries, row-major over (x, y, init-time,
// lead-step, variable). Init times must be strictly ascending; spatial axes
// may be ascending or descending.
func NewGrid(
	xs, ys []float64,
	initTimes []time.Time,
	leadSteps []time.Duration,
	variables []string,
	values []float64,
) (*Grid, error) {
	want := len(xs) * len(ys) * len(initTimes) * len(leadSteps) * len(variables)
	if len(values) != want {
		return nil, fmt.Errorf("grid has %d values, want %d for dims (%d,%d,%d,%d,%d)",
			len(values), want, len(xs), len(ys), len(initTimes), len(leadSteps), len(variables))
	}
	if len(xs) == 0 || len(ys) == 0 || len(initTimes) == 0 || len(leadSteps) == 0 || len(variables) == 0 {
		return nil, fmt.Errorf("grid dimensions must all be non-empty")
	}
	if !sort.SliceIsSorted(initTimes, func(i, j int) bool { return initTimes[i].Before(initTimes[j]) }) {
		return nil, fmt.Errorf("grid init times must be sorted ascending")
	}
	return &Grid{
		xs:        xs,
		ys:        ys,
		initTimes: initTimes,
		leadSteps: leadSteps,
		variables: variables,
		values:    values,
	}, nil
}

// Variables returns the variable names, in storage order.
func (g *Grid) Variables() []string {
	out := make([]string, len(g.variables))
	copy(out, g.variables)
	return out
}

// InitTimes returns the init-time axis, ascending.
func (g *Grid) InitTimes() []time.Time {
	out := make([]time.Time, len(g.initTimes))
	copy(out, g.initTimes)
	return out
}

// Fingerprint returns a stable content hash covering the grid's dimensions,
// labels and every value. Two grids share a fingerprint only when queries
// against them are interchangeable, which makes it safe as a namespace for
// caches shared between sources.
func (g *Grid) Fingerprint() string {
	h := sha1.New()
	buf := make([]byte, 8)
	writeU := func(v uint64) {
		binary.LittleEndian.PutUint64(buf, v)
		h.Write(buf)
	}
	writeU(uint64(len(g.xs)))
	writeU(uint64(len(g.ys)))
	writeU(uint64(len(g.initTimes)))
	writeU(uint64(len(g.leadSteps)))
	writeU(uint64(len(g.variables)))
	for _, v := range g.xs {
		writeU(math.Float64bits(v))
	}
	for _, v := range g.ys {
		writeU(math.Float64bits(v))
	}
	for _, ts := range g.initTimes {
		writeU(uint64(ts.UnixNano()))
	}
	for _, d := range g.leadSteps {
		writeU(uint64(d))
	}
	for _, name := range g.variables {
		io.WriteString(h, name)
		h.Write([]byte{0})
	}
	for _, v := range g.values {
		writeU(math.Float64bits(v))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// At reads one value by index along each axis.
func (g *Grid) At(xi, yi, ti, si, vi int) float64 {
	idx := ((((xi*len(g.ys))+yi)*len(g.initTimes)+ti)*len(g.leadSteps)+si)*len(g.variables) + vi
	return g.values[idx]
}

// latestInitAt returns the index of the latest init time <= cutoff, or -1
// when every init time is after the cutoff (forward-fill semantics: we only
// ever look backwards).
func (g *Grid) latestInitAt(cutoff time.Time) int {
	// First index with initTime > cutoff; the answer is the one before it.
	i := sort.Search(len(g.initTimes), func(i int) bool {
		return g.initTimes[i].After(cutoff)
	})
	return i - 1
}

// nearestLeadStep returns the index of the lead step closest to delta.
// Ties resolve to the earlier step.
func (g *Grid) nearestLeadStep(delta time.Duration) int {
	best := 0
	bestDist := absDuration(g.leadSteps[0] - delta)
	for i := 1; i < len(g.leadSteps); i++ {
		d := absDuration(g.leadSteps[i] - delta)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// nearestIndex returns the index of the coordinate closest to target along
// one spatial axis. This is a per-axis nearest: each axis is resolved
// independently, which is the defined, reproducible algorithm (not geodesic
// nearest-neighbor).
func nearestIndex(coords []float64, target float64) int {
	best := 0
	bestDist := abs(coords[0] - target)
	for i := 1; i < len(coords); i++ {
		d := abs(coords[i] - target)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// rangeIndices returns the indices whose coordinate lies in [lo, hi],
// handling both ascending and descending axes.
func rangeIndices(coords []float64, lo, hi float64) []int {
	if lo > hi {
		lo, hi = hi, lo
	}
	var out []int
	for i, c := range coords {
		if c >= lo && c <= hi {
			out = append(out, i)
		}
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

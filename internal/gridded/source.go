package gridded

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sitecast/internal/types"
)

// LocationFilter restricts a query spatially. Exactly one of Nearest or
// Bounds must be set.
type LocationFilter struct {
	// Nearest selects the single grid point closest to a position, resolved
	// independently along each spatial axis after coordinate transformation.
	Nearest *LatLon
	// Bounds selects every grid point inside a lat/lon bounding box.
	Bounds *BoundingBox
}

// LatLon is a geographic position in degrees.
type LatLon struct {
	Lat float64
	Lon float64
}

// BoundingBox is an inclusive lat/lon rectangle.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

func (f LocationFilter) validate() error {
	if (f.Nearest == nil) == (f.Bounds == nil) {
		return fmt.Errorf("location filter must set exactly one of Nearest or Bounds")
	}
	if b := f.Bounds; b != nil {
		if b.MaxLat < b.MinLat || b.MaxLon < b.MinLon {
			return fmt.Errorf("bounding box has max < min")
		}
	}
	return nil
}

// Slice is the result of a Get: forecast values for the selected init time,
// resolved per requested timestamp. The value layout is row-major over
// (timestamp, y, x, variable); nearest-point queries have single-element
// spatial axes.
type Slice struct {
	InitTime   time.Time
	Timestamps []time.Time
	XS         []float64
	YS         []float64
	Variables  []string
	Values     []float64
}

// At reads one value by (timestamp, y, x, variable) index.
func (s *Slice) At(ti, yi, xi, vi int) float64 {
	idx := ((ti*len(s.YS)+yi)*len(s.XS)+xi)*len(s.Variables) + vi
	return s.Values[idx]
}

// ValueAt reads the value for a timestamp and variable index on a
// nearest-point slice (both spatial axes of length one).
func (s *Slice) ValueAt(ti, vi int) float64 {
	return s.At(ti, 0, 0, vi)
}

// VariableIndex returns the index of a variable name, or -1.
func (s *Slice) VariableIndex(name string) int {
	for i, v := range s.Variables {
		if v == name {
			return i
		}
	}
	return -1
}

// Source answers "what forecast was known as of time T" over a Grid.
// It is a pure reader: the same inputs always produce the same outputs,
// whether or not the optional on-disk cache is enabled.
type Source struct {
	grid      *Grid
	transform CoordinateTransformer
	lag       time.Duration
	tolerance time.Duration
	cache     *queryCache
	cacheNS   string
	logger    *slog.Logger
}

// SourceOptions configures a Source. The zero value means: identity
// coordinate transform, no reporting lag, no default tolerance, no cache.
type SourceOptions struct {
	// Transformer maps lat/lon into grid coordinates. Defaults to
	// LatLonTransformer.
	Transformer CoordinateTransformer
	// Lag is the delay before an init time becomes visible: a query at
	// "now" sees only init times with initTime+Lag <= now.
	Lag time.Duration
	// Tolerance, when positive, makes Get return no data instead of an
	// error when the freshest visible init time is older than now-Lag by
	// more than this. A per-call tolerance overrides it.
	Tolerance time.Duration
	// CacheDir enables the transparent content-hash-keyed result cache.
	CacheDir string
}

// NewSource wraps a Grid in an availability-aware forecast source.
func NewSource(grid *Grid, opts SourceOptions, logger *slog.Logger) (*Source, error) {
	if grid == nil {
		return nil, fmt.Errorf("gridded: nil grid")
	}
	if logger == nil {
		logger = slog.Default()
	}
	transform := opts.Transformer
	if transform == nil {
		transform = LatLonTransformer{}
	}
	var cache *queryCache
	var cacheNS string
	if opts.CacheDir != "" {
		var err error
		cache, err = newQueryCache(opts.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("gridded: opening cache: %w", err)
		}
		cacheNS = grid.Fingerprint()
	}
	return &Source{
		grid:      grid,
		transform: transform,
		lag:       opts.Lag,
		tolerance: opts.Tolerance,
		cache:     cache,
		cacheNS:   cacheNS,
		logger:    logger,
	}, nil
}

// Variables lists the available variable names.
func (s *Source) Variables() []string {
	return s.grid.Variables()
}

// Tolerance returns the source's default staleness tolerance (zero when
// unset).
func (s *Source) Tolerance() time.Duration {
	return s.tolerance
}

// Get slices the grid for a query at "now". Every requested timestamp must
// be strictly after now. The init time is the latest one visible as of
// now-lag (forward-fill, never a future init time); for each requested
// timestamp the nearest lead step is selected.
//
// Returns (nil, nil) when no init time falls within the tolerance window —
// the caller decides whether absence is fatal. Returns a data_unavailable
// error when no tolerance is in force and no visible init time exists.
func (s *Source) Get(
	ctx context.Context,
	now time.Time,
	timestamps []time.Time,
	filter LocationFilter,
	tolerance time.Duration,
) (*Slice, error) {
	for _, ts := range timestamps {
		if !ts.After(now) {
			return nil, types.NewError(types.ErrCodeOrdering,
				fmt.Sprintf("requested timestamp %s is not after now=%s", ts.Format(time.RFC3339), now.Format(time.RFC3339)), nil)
		}
	}
	if err := filter.validate(); err != nil {
		return nil, err
	}
	if tolerance == 0 {
		tolerance = s.tolerance
	}

	if s.cache != nil {
		key := cacheKey(s.cacheNS, now, timestamps, filter, s.lag, tolerance)
		if sl, ok := s.cache.get(key); ok {
			return sl, nil
		}
		sl, err := s.slice(ctx, now, timestamps, filter, tolerance)
		if err != nil {
			return nil, err
		}
		s.cache.put(key, sl, s.logger)
		return sl, nil
	}
	return s.slice(ctx, now, timestamps, filter, tolerance)
}

// slice is Get without the caching layer.
func (s *Source) slice(
	_ context.Context,
	now time.Time,
	timestamps []time.Time,
	filter LocationFilter,
	tolerance time.Duration,
) (*Slice, error) {
	cutoff := now.Add(-s.lag)

	ti := s.grid.latestInitAt(cutoff)
	if ti < 0 {
		if tolerance > 0 {
			// Absence within tolerance is "no data", not an error.
			return nil, nil
		}
		return nil, types.NewError(types.ErrCodeDataUnavailable,
			fmt.Sprintf("no forecast init time at or before %s", cutoff.Format(time.RFC3339)), nil)
	}
	initTime := s.grid.initTimes[ti]
	if tolerance > 0 && cutoff.Sub(initTime) > tolerance {
		return nil, nil
	}

	var xIdx, yIdx []int
	switch {
	case filter.Nearest != nil:
		gx, gy := s.transform.ToGrid(filter.Nearest.Lat, filter.Nearest.Lon)
		xIdx = []int{nearestIndex(s.grid.xs, gx)}
		yIdx = []int{nearestIndex(s.grid.ys, gy)}
	case filter.Bounds != nil:
		b := filter.Bounds
		x0, y0 := s.transform.ToGrid(b.MinLat, b.MinLon)
		x1, y1 := s.transform.ToGrid(b.MaxLat, b.MaxLon)
		xIdx = rangeIndices(s.grid.xs, x0, x1)
		yIdx = rangeIndices(s.grid.ys, y0, y1)
		if len(xIdx) == 0 || len(yIdx) == 0 {
			return nil, types.NewError(types.ErrCodeDataUnavailable,
				"bounding box contains no grid points", nil)
		}
	}

	stepIdx := make([]int, len(timestamps))
	for i, ts := range timestamps {
		stepIdx[i] = s.grid.nearestLeadStep(ts.Sub(initTime))
	}

	out := &Slice{
		InitTime:   initTime,
		Timestamps: append([]time.Time(nil), timestamps...),
		XS:         make([]float64, len(xIdx)),
		YS:         make([]float64, len(yIdx)),
		Variables:  s.grid.Variables(),
		Values:     make([]float64, 0, len(timestamps)*len(yIdx)*len(xIdx)*len(s.grid.variables)),
	}
	for i, xi := range xIdx {
		out.XS[i] = s.grid.xs[xi]
	}
	for i, yi := range yIdx {
		out.YS[i] = s.grid.ys[yi]
	}
	for _, si := range stepIdx {
		for _, yi := range yIdx {
			for _, xi := range xIdx {
				for vi := range s.grid.variables {
					out.Values = append(out.Values, s.grid.At(xi, yi, ti, si, vi))
				}
			}
		}
	}
	return out, nil
}

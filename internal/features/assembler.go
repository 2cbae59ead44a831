// Package features turns a (site, timestamp) query point into the fixed
// per-horizon feature table consumed by the regressor. It combines recent
// generation history, clear-sky irradiance geometry and NWP forecasts,
// always through availability-cut views so that no feature can leak data
// from after the query timestamp.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"sitecast/internal/gridded"
	"sitecast/internal/history"
	"sitecast/internal/solar"
	"sitecast/internal/types"
)

// MetaGetter resolves one piece of site metadata from the site record and
// its recent history window.
type MetaGetter func(site types.Site, readings []history.Reading) float64

// DefaultTilt assumes a typical fixed-mount panel tilt of 35 degrees.
func DefaultTilt(types.Site, []history.Reading) float64 { return 35 }

// DefaultOrientation assumes south-facing panels (180 degrees).
func DefaultOrientation(types.Site, []history.Reading) float64 { return 180 }

// DefaultCapacity estimates capacity as the 99th percentile of the recent
// power readings. NaN when the window is empty.
func DefaultCapacity(_ types.Site, readings []history.Reading) float64 {
	vals := make([]float64, len(readings))
	for i, r := range readings {
		vals[i] = r.PowerKW
	}
	return quantile(vals, 0.99)
}

// MetadataTilt uses the site's recorded tilt, falling back to DefaultTilt
// when it is missing.
func MetadataTilt(site types.Site, readings []history.Reading) float64 {
	if isFinite(site.TiltDeg) && site.TiltDeg != 0 {
		return site.TiltDeg
	}
	return DefaultTilt(site, readings)
}

// MetadataOrientation uses the site's recorded azimuth, falling back to
// DefaultOrientation when it is missing.
func MetadataOrientation(site types.Site, readings []history.Reading) float64 {
	if isFinite(site.AzimuthDeg) && site.AzimuthDeg != 0 {
		return site.AzimuthDeg
	}
	return DefaultOrientation(site, readings)
}

// MetadataCapacity uses the site's recorded capacity, falling back to the
// 99th-percentile estimate when it is missing.
func MetadataCapacity(site types.Site, readings []history.Reading) float64 {
	if isFinite(site.CapacityKW) && site.CapacityKW > 0 {
		return site.CapacityKW
	}
	return DefaultCapacity(site, readings)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Config controls what goes into the feature table.
type Config struct {
	Horizons types.Horizons

	// NumDaysHistory is the length of the trailing history window in days
	// (default 7). The window starts at midnight.
	NumDaysHistory int

	// PVDropout and NWPDropout are train-time probabilities of replacing
	// the respective inputs with NaN, teaching the model to cope with
	// missing live data. They never fire outside training.
	PVDropout  float64
	NWPDropout float64

	// Normalize divides power-derived features by irradiance x capacity.
	Normalize bool

	// UseCapacityAsFeature adds the resolved capacity as a visible feature
	// (-1 when it cannot be resolved).
	UseCapacityAsFeature bool

	// NRecentPowerValues adds the N most recent individual readings as
	// features, left-padded with NaN when fewer exist.
	NRecentPowerValues int

	// RecentPowerMinutes is the trailing window for the recent power mean
	// (default 30).
	RecentPowerMinutes int
}

// AssemblerOptions carries the injectable collaborators.
type AssemblerOptions struct {
	// Rand drives the dropout decisions. Required when any dropout
	// probability is positive; global randomness is never used.
	Rand *rand.Rand

	Logger *slog.Logger

	// Metadata getters, defaulting to DefaultTilt / DefaultOrientation /
	// DefaultCapacity.
	TiltGetter        MetaGetter
	OrientationGetter MetaGetter
	CapacityGetter    MetaGetter
}

// Assembler builds feature tables from the configured data sources.
type Assembler struct {
	cfg         Config
	pv          history.Source
	nwp         map[string]*gridded.Source
	nwpKeys     []string
	rngMu       sync.Mutex
	rng         *rand.Rand
	logger      *slog.Logger
	tilt        MetaGetter
	orientation MetaGetter
	capacity    MetaGetter
}

// NewAssembler validates the configuration and builds an Assembler. The nwp
// map may be empty; keys become part of feature names when more than one
// source is configured.
func NewAssembler(
	cfg Config,
	pv history.Source,
	nwp map[string]*gridded.Source,
	opts AssemblerOptions,
) (*Assembler, error) {
	if cfg.Horizons.Len() == 0 {
		return nil, types.NewError(types.ErrCodeHorizonConfig, "assembler requires a horizon set", nil)
	}
	if pv == nil {
		return nil, fmt.Errorf("features: nil history source")
	}
	if cfg.PVDropout < 0 || cfg.PVDropout > 1 || cfg.NWPDropout < 0 || cfg.NWPDropout > 1 {
		return nil, fmt.Errorf("features: dropout probabilities must be in [0, 1]")
	}
	if (cfg.PVDropout > 0 || cfg.NWPDropout > 0) && opts.Rand == nil {
		return nil, fmt.Errorf("features: dropout requires an explicit random generator")
	}
	if cfg.NumDaysHistory <= 0 {
		cfg.NumDaysHistory = 7
	}
	if cfg.RecentPowerMinutes <= 0 {
		cfg.RecentPowerMinutes = 30
	}
	if cfg.NRecentPowerValues < 0 {
		return nil, fmt.Errorf("features: negative NRecentPowerValues")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keys := make([]string, 0, len(nwp))
	for k := range nwp {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	a := &Assembler{
		cfg:         cfg,
		pv:          pv,
		nwp:         nwp,
		nwpKeys:     keys,
		rng:         opts.Rand,
		logger:      logger,
		tilt:        opts.TiltGetter,
		orientation: opts.OrientationGetter,
		capacity:    opts.CapacityGetter,
	}
	if a.tilt == nil {
		a.tilt = DefaultTilt
	}
	if a.orientation == nil {
		a.orientation = DefaultOrientation
	}
	if a.capacity == nil {
		a.capacity = DefaultCapacity
	}
	return a, nil
}

// Horizons returns the configured horizon set.
func (a *Assembler) Horizons() types.Horizons { return a.cfg.Horizons }

// drop decides one dropout event. Builds run concurrently from worker pools
// and share the one injected generator, so draws are serialized.
func (a *Assembler) drop(p float64) bool {
	if p <= 0 {
		return false
	}
	a.rngMu.Lock()
	v := a.rng.Float64()
	a.rngMu.Unlock()
	return v < p
}

// Build assembles the feature table for a query point. isTraining enables
// the dropout policies; outside training the result is fully deterministic.
func (a *Assembler) Build(ctx context.Context, x types.X, isTraining bool) (*types.Features, error) {
	horizons := a.cfg.Horizons
	view := a.pv.AsAvailableAt(x.TS)

	historyStart := toMidnight(x.TS.AddDate(0, 0, -a.cfg.NumDaysHistory))
	res, err := view.Get(ctx, []types.SiteID{x.SiteID}, historyStart, x.TS)
	if err != nil {
		return nil, err
	}
	readings := res.Readings(x.SiteID)

	site, err := view.Site(ctx, x.SiteID)
	if err != nil {
		return nil, err
	}

	// PV dropout replaces the whole history window with NaN.
	if isTraining && a.drop(a.cfg.PVDropout) {
		dropped := make([]history.Reading, len(readings))
		for i, r := range readings {
			dropped[i] = history.Reading{TS: r.TS, PowerKW: math.NaN()}
		}
		readings = dropped
	}

	tilt := a.tilt(site, readings)
	orientation := a.orientation(site, readings)
	capacity := a.capacity(site, readings)

	// Normalize the history by irradiance x capacity; NaN (never Inf) where
	// the denominator vanishes, which the per-horizon aggregation ignores.
	times := make([]time.Time, len(readings))
	norm := make([]float64, len(readings))
	for i, r := range readings {
		times[i] = r.TS
		if a.cfg.Normalize {
			poa := solar.POAGlobal(site.Latitude, site.Longitude, r.TS, tilt, orientation)
			norm[i] = types.SafeDiv(r.PowerKW, poa*capacity, math.NaN())
		} else {
			norm[i] = r.PowerKW
		}
	}

	historyMatrix := computeHistoryPerHorizon(times, norm, x.TS, horizons)

	horizonTimestamps := horizons.Midpoints(x.TS)
	poaGlobal := solar.POASeries(site.Latitude, site.Longitude,
		horizonTimestamps, tilt, orientation)
	// Irradiance at the middle of the recent-power window.
	poaGlobalNow := solar.POAGlobal(
		site.Latitude, site.Longitude,
		x.TS.Add(-time.Duration(a.cfg.RecentPowerMinutes)*time.Minute/2),
		tilt, orientation)

	f := types.NewFeatures(horizons.Len())
	if err := f.Set("_poa_global", poaGlobal); err != nil {
		return nil, err
	}
	f.SetScalar("_capacity", capacity)
	if err := f.Set("poa_global", poaGlobal); err != nil {
		return nil, err
	}

	for _, agg := range []string{"max", "mean", "median"} {
		aggregated := nanAggregate(historyMatrix, agg)
		nan := make([]float64, len(aggregated))
		for i, v := range aggregated {
			if math.IsNaN(v) {
				nan[i] = 1
			}
			aggregated[i] = types.NaNToNum(v)
		}
		if err := f.Set("h_"+agg+"_nan", nan); err != nil {
			return nil, err
		}
		if err := f.Set("h_"+agg, aggregated); err != nil {
			return nil, err
		}
	}

	for _, key := range a.nwpKeys {
		if err := a.addNWPFeatures(ctx, f, key, x, site, horizonTimestamps, isTraining); err != nil {
			return nil, err
		}
	}

	a.addRecentPower(f, readings, x.TS, poaGlobalNow, capacity)

	if a.cfg.UseCapacityAsFeature {
		capFeature := capacity
		if !isFinite(capFeature) {
			capFeature = -1
		}
		f.SetScalar("capacity", capFeature)
	}
	f.SetScalar("poa_global_now_is_zero", boolToFloat(poaGlobalNow == 0))

	return f, nil
}

// addNWPFeatures appends one raw-value and one is-NaN indicator feature per
// variable of one NWP source. The source key suffixes the names only when
// several sources are configured.
func (a *Assembler) addNWPFeatures(
	ctx context.Context,
	f *types.Features,
	key string,
	x types.X,
	site types.Site,
	horizonTimestamps []time.Time,
	isTraining bool,
) error {
	source := a.nwp[key]

	var sl *gridded.Slice
	if isTraining && a.drop(a.cfg.NWPDropout) {
		sl = nil // dropped: all variables become NaN for this sample
	} else {
		var err error
		sl, err = source.Get(ctx, x.TS, horizonTimestamps,
			gridded.LocationFilter{Nearest: &gridded.LatLon{Lat: site.Latitude, Lon: site.Longitude}}, 0)
		if err != nil {
			return err
		}
	}

	for vi, variable := range source.Variables() {
		name := variable
		if len(a.nwp) > 1 {
			name = variable + key
		}
		vals := make([]float64, len(horizonTimestamps))
		nan := make([]float64, len(horizonTimestamps))
		for ti := range horizonTimestamps {
			v := math.NaN()
			if sl != nil {
				v = sl.ValueAt(ti, vi)
			}
			if math.IsNaN(v) {
				nan[ti] = 1
			}
			vals[ti] = types.NaNToNum(v)
		}
		if err := f.Set(name, vals); err != nil {
			return err
		}
		if err := f.Set(name+"_isnan", nan); err != nil {
			return err
		}
	}
	return nil
}

// addRecentPower appends the normalized trailing-window power mean, its NaN
// indicator and optionally the N most recent individual readings.
func (a *Assembler) addRecentPower(
	f *types.Features,
	readings []history.Reading,
	now time.Time,
	poaGlobalNow float64,
	capacity float64,
) {
	windowStart := now.Add(-time.Duration(a.cfg.RecentPowerMinutes) * time.Minute)
	var window []float64
	for _, r := range readings {
		if !r.TS.Before(windowStart) && !r.TS.After(now) {
			window = append(window, r.PowerKW)
		}
	}

	recent := math.NaN()
	if n := countFinite(window); n > 0 {
		sum := 0.0
		for _, v := range window {
			if !math.IsNaN(v) {
				sum += v
			}
		}
		recent = sum / float64(n)
	}
	if a.cfg.Normalize {
		recent = types.SafeDiv(recent, poaGlobalNow*capacity, math.NaN())
	}
	// The indicator must reflect the value actually emitted: normalization
	// introduces NaN on its own when the irradiance or capacity is zero, so
	// it is computed after, never before.
	recentNaN := math.IsNaN(recent)
	f.SetScalar("recent_power", types.NaNToNum(recent))
	f.SetScalar("recent_power_nan", boolToFloat(recentNaN))

	if n := a.cfg.NRecentPowerValues; n > 0 {
		// The n most recent raw readings, oldest first, left-padded with NaN
		// when the window holds fewer.
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = math.NaN()
		}
		src := window
		if len(src) > n {
			src = src[len(src)-n:]
		}
		copy(vals[n-len(src):], src)

		for i, v := range vals {
			if a.cfg.Normalize {
				v = types.SafeDiv(v, poaGlobalNow*capacity, math.NaN())
			}
			isNaN := math.IsNaN(v)
			f.SetScalar(fmt.Sprintf("recent_power_values_%d", i), types.NaNToNum(v))
			f.SetScalar(fmt.Sprintf("recent_power_values_%d_isnan", i), boolToFloat(isNaN))
		}
	}
}

func countFinite(vals []float64) int {
	n := 0
	for _, v := range vals {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

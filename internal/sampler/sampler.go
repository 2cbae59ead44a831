// Package sampler produces (site, timestamp) query points and their
// ground-truth targets for training and evaluation. Query points come either
// as an infinite pseudo-random stream or as a bounded deterministic sweep;
// targets are per-horizon power means pulled from the history source.
package sampler

import (
	"context"
	"math"
	"math/rand"
	"time"

	"sitecast/internal/history"
	"sitecast/internal/types"
)

// Iterator yields query points. Next returns false when the iterator is
// exhausted; RandomIterator never exhausts.
type Iterator interface {
	Next() (types.X, bool)
}

// roundToStep rounds a minute count to the nearest multiple of step.
func roundToStep(minute, step int) int {
	return ((minute + step/2) / step) * step
}

// SweepIterator walks every site crossed with every step-minute timestamp in
// [start, end). It is bounded and fully deterministic, which makes it the
// iterator of choice for exhaustive evaluation.
type SweepIterator struct {
	ids   []types.SiteID
	start time.Time
	end   time.Time
	step  time.Duration

	siteIdx int
	cursor  time.Time
}

// NewSweepIterator creates a sweep over ids x timestamps. stepMinutes
// defaults to 15. The first timestamp is start with its minutes rounded to
// the step.
func NewSweepIterator(ids []types.SiteID, start, end time.Time, stepMinutes int) *SweepIterator {
	if stepMinutes <= 0 {
		stepMinutes = 15
	}
	first := time.Date(start.Year(), start.Month(), start.Day(), start.Hour(),
		roundToStep(start.Minute(), stepMinutes), 0, 0, start.Location())
	return &SweepIterator{
		ids:    append([]types.SiteID(nil), ids...),
		start:  first,
		end:    end,
		step:   time.Duration(stepMinutes) * time.Minute,
		cursor: first,
	}
}

// Next implements Iterator.
func (s *SweepIterator) Next() (types.X, bool) {
	for {
		if s.siteIdx >= len(s.ids) {
			return types.X{}, false
		}
		if !s.cursor.Before(s.end) {
			s.siteIdx++
			s.cursor = s.start
			continue
		}
		x := types.X{SiteID: s.ids[s.siteIdx], TS: s.cursor}
		s.cursor = s.cursor.Add(s.step)
		return x, true
	}
}

// RandomIterator yields an infinite stream of uniformly random query points,
// driven by an explicitly injected random generator so runs are reproducible
// and parallel-safe.
type RandomIterator struct {
	ids   []types.SiteID
	start time.Time
	end   time.Time
	step  int
	rng   *rand.Rand
}

// NewRandomIterator creates the random stream over ids x [start, end).
// stepMinutes (default 1) rounds the minutes of each drawn timestamp.
func NewRandomIterator(ids []types.SiteID, start, end time.Time, stepMinutes int, rng *rand.Rand) *RandomIterator {
	if stepMinutes <= 0 {
		stepMinutes = 1
	}
	return &RandomIterator{
		ids:   append([]types.SiteID(nil), ids...),
		start: start,
		end:   end,
		step:  stepMinutes,
		rng:   rng,
	}
}

// Next implements Iterator. It always returns true.
func (r *RandomIterator) Next() (types.X, bool) {
	id := r.ids[r.rng.Intn(len(r.ids))]

	seconds := r.rng.Float64() * r.end.Sub(r.start).Seconds()
	ts := r.start.Add(time.Duration(seconds * float64(time.Second)))

	minute := roundToStep(ts.Minute(), r.step)
	if minute > 59 {
		minute = 0
	}
	ts = time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), minute, 0, 0, ts.Location())

	return types.X{SiteID: id, TS: ts}, true
}

// TargetFor computes the ground-truth target for a query point: the mean
// power over [start, end-1s] of every horizon window. A horizon without
// observations is NaN; when every horizon is NaN there is no usable target
// and (Y{}, false) is returned so the sample can be dropped.
func TargetFor(
	ctx context.Context,
	source history.Source,
	x types.X,
	horizons types.Horizons,
) (types.Y, bool, error) {
	res, err := source.Get(ctx, []types.SiteID{x.SiteID},
		x.TS.Add(time.Duration(horizons.MinStart())*time.Minute),
		x.TS.Add(time.Duration(horizons.MaxEnd())*time.Minute))
	if err != nil {
		return types.Y{}, false, err
	}
	readings := res.Readings(x.SiteID)
	if len(readings) == 0 {
		return types.Y{}, false, nil
	}

	powers := make([]float64, horizons.Len())
	for i := range powers {
		startMin, endMin := horizons.At(i)
		start := x.TS.Add(time.Duration(startMin) * time.Minute)
		end := x.TS.Add(time.Duration(endMin)*time.Minute).Add(-time.Second)

		sum, n := 0.0, 0
		for _, r := range readings {
			if r.TS.Before(start) || r.TS.After(end) {
				continue
			}
			if math.IsNaN(r.PowerKW) {
				continue
			}
			sum += r.PowerKW
			n++
		}
		if n == 0 {
			powers[i] = math.NaN()
		} else {
			powers[i] = sum / float64(n)
		}
	}

	y := types.Y{Powers: powers}
	if !y.Valid() {
		return types.Y{}, false, nil
	}
	return y, true, nil
}

package features

import (
	"math"
	"sort"
	"time"

	"sitecast/internal/types"
)

// toMidnight truncates a timestamp to the start of its calendar day.
func toMidnight(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

// computeHistoryPerHorizon aggregates a (timestamp, value) series into a
// (horizon, day) matrix: each cell is the mean of the samples whose offset
// from now, taken modulo a day, falls in that horizon bucket, split by
// calendar day. Only samples strictly before now are considered.
//
// Rows are the horizon buckets observed in the data, in ascending
// time-of-day order; when the configured horizon set is longer than one day
// the rows wrap, repeating from the first bucket. Columns are the calendar
// days present, ascending. Cells without samples are NaN.
func computeHistoryPerHorizon(
	times []time.Time,
	values []float64,
	now time.Time,
	horizons types.Horizons,
) [][]float64 {
	dur := time.Duration(horizons.Duration()) * time.Minute
	perDay := 24 * time.Hour / dur

	// Bucket the samples on a grid of horizon-duration steps anchored at now.
	// A bucket holding only NaN samples still counts as present: it widens
	// the observed range without contributing a mean.
	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*bucket)
	var minB, maxB int64
	seen := false
	for i, ts := range times {
		if !ts.Before(now) {
			continue
		}
		d := ts.Sub(now)
		b := int64(d / dur)
		if d%dur != 0 {
			b-- // floor for negative offsets
		}
		if !seen || b < minB {
			minB = b
		}
		if !seen || b > maxB {
			maxB = b
		}
		seen = true
		bk := buckets[b]
		if bk == nil {
			bk = &bucket{}
			buckets[b] = bk
		}
		if !math.IsNaN(values[i]) {
			bk.sum += values[i]
			bk.count++
		}
	}
	if !seen {
		out := make([][]float64, horizons.Len())
		for i := range out {
			out[i] = []float64{math.NaN()}
		}
		return out
	}

	// Pivot the contiguous bucket range into (horizon bucket, day) cells.
	type cell struct {
		hIdx int64
		day  time.Time
		mean float64
	}
	var cells []cell
	hSeen := make(map[int64]bool)
	daySeen := make(map[time.Time]bool)
	for b := minB; b <= maxB; b++ {
		start := now.Add(time.Duration(b) * dur)
		hIdx := ((b % int64(perDay)) + int64(perDay)) % int64(perDay)
		day := toMidnight(start)
		hSeen[hIdx] = true
		daySeen[day] = true

		mean := math.NaN()
		if bk := buckets[b]; bk != nil && bk.count > 0 {
			mean = bk.sum / float64(bk.count)
		}
		cells = append(cells, cell{hIdx: hIdx, day: day, mean: mean})
	}

	hIdxs := make([]int64, 0, len(hSeen))
	for h := range hSeen {
		hIdxs = append(hIdxs, h)
	}
	sort.Slice(hIdxs, func(i, j int) bool { return hIdxs[i] < hIdxs[j] })
	days := make([]time.Time, 0, len(daySeen))
	for d := range daySeen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	hRow := make(map[int64]int, len(hIdxs))
	for i, h := range hIdxs {
		hRow[h] = i
	}
	dayCol := make(map[time.Time]int, len(days))
	for i, d := range days {
		dayCol[d] = i
	}

	matrix := make([][]float64, len(hIdxs))
	for i := range matrix {
		row := make([]float64, len(days))
		for j := range row {
			row[j] = math.NaN()
		}
		matrix[i] = row
	}
	for _, c := range cells {
		matrix[hRow[c.hIdx]][dayCol[c.day]] = c.mean
	}

	// Horizons past 24h wrap back onto the first buckets.
	out := make([][]float64, horizons.Len())
	for i := range out {
		out[i] = matrix[i%len(matrix)]
	}
	return out
}

// nanAggregate reduces each matrix row with an aggregator that ignores NaN,
// returning NaN for all-NaN rows.
func nanAggregate(matrix [][]float64, agg string) []float64 {
	out := make([]float64, len(matrix))
	for i, row := range matrix {
		vals := make([]float64, 0, len(row))
		for _, v := range row {
			if !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			out[i] = math.NaN()
			continue
		}
		switch agg {
		case "max":
			m := vals[0]
			for _, v := range vals[1:] {
				if v > m {
					m = v
				}
			}
			out[i] = m
		case "mean":
			sum := 0.0
			for _, v := range vals {
				sum += v
			}
			out[i] = sum / float64(len(vals))
		case "median":
			sort.Float64s(vals)
			n := len(vals)
			if n%2 == 1 {
				out[i] = vals[n/2]
			} else {
				out[i] = (vals[n/2-1] + vals[n/2]) / 2
			}
		default:
			panic("unknown aggregator " + agg)
		}
	}
	return out
}

// quantile returns the q-th quantile of the non-NaN values using linear
// interpolation between order statistics. NaN when no usable value exists.
func quantile(values []float64, q float64) float64 {
	vals := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	if len(vals) == 1 {
		return vals[0]
	}
	pos := q * float64(len(vals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return vals[lo]
	}
	frac := pos - float64(lo)
	return vals[lo]*(1-frac) + vals[hi]*frac
}

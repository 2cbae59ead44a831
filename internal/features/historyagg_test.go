package features

import (
	"math"
	"testing"
	"time"

	"sitecast/internal/types"
)

func ts(day, hour, min int) time.Time {
	return time.Date(2000, 1, day, hour, min, 0, 0, time.UTC)
}

// matrixEqual compares matrices treating NaN as equal to NaN.
func matrixEqual(t *testing.T, got, want [][]float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("matrix has %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("row %d has %d columns, want %d", i, len(got[i]), len(want[i]))
		}
		for j := range want[i] {
			g, w := got[i][j], want[i][j]
			if g != w && !(math.IsNaN(g) && math.IsNaN(w)) {
				t.Errorf("cell [%d][%d] = %v, want %v", i, j, g, w)
			}
		}
	}
}

func TestComputeHistoryPerHorizonReferenceMatrix(t *testing.T) {
	times := []time.Time{
		ts(1, 1, 0), ts(1, 5, 0), ts(1, 9, 0), ts(1, 11, 0), ts(1, 13, 0),
		ts(2, 1, 0), ts(2, 4, 30), ts(2, 5, 0), ts(2, 9, 0), ts(2, 10, 30),
		ts(3, 1, 0), ts(3, 5, 0), ts(3, 9, 0),
	}
	values := []float64{2, 3, 4, 5, 6, 5, 12, 6, 7, 13, 8, 9, 10}
	now := ts(3, 2, 30)

	// 7 horizons of 4 hours: the last one reaches past 24h and wraps.
	horizons := types.MustHorizons(240, 7)

	got := computeHistoryPerHorizon(times, values, now, horizons)

	nan := math.NaN()
	want := [][]float64{
		{nan, 3, 9},     // 02:30 - 06:30
		{nan, 4, 7},     // 06:30 - 10:30
		{nan, 5.5, 13},  // 10:30 - 14:30
		{nan, nan, nan}, // 14:30 - 18:30
		{nan, nan, nan}, // 18:30 - 22:30
		{2, 5, 8},       // 22:30 - 02:30
		{nan, 3, 9},     // 02:30 again (wrapped)
	}
	matrixEqual(t, got, want)
}

func TestComputeHistoryPerHorizonRowCount(t *testing.T) {
	// Whatever the duration and however little data, the matrix always has
	// exactly numHorizons rows.
	times := []time.Time{ts(3, 1, 0)}
	values := []float64{1}
	now := ts(3, 2, 0)

	for _, durMin := range []int{30, 60, 240, 480, 1440} {
		for _, count := range []int{1, 3, 48} {
			h := types.MustHorizons(durMin, count)
			got := computeHistoryPerHorizon(times, values, now, h)
			if len(got) != count {
				t.Errorf("duration %dm, %d horizons: got %d rows", durMin, count, len(got))
			}
		}
	}
}

func TestComputeHistoryPerHorizonEmptyInput(t *testing.T) {
	h := types.MustHorizons(60, 4)

	for name, times := range map[string][]time.Time{
		"no samples":    nil,
		"all after now": {ts(3, 3, 0), ts(3, 4, 0)},
		"sample at now": {ts(3, 2, 0)},
	} {
		values := make([]float64, len(times))
		got := computeHistoryPerHorizon(times, values, ts(3, 2, 0), h)
		if len(got) != 4 {
			t.Fatalf("%s: %d rows", name, len(got))
		}
		for i, row := range got {
			if len(row) != 1 || !math.IsNaN(row[0]) {
				t.Errorf("%s: row %d = %v, want [NaN]", name, i, row)
			}
		}
	}
}

func TestComputeHistoryPerHorizonNaNSamplesIgnored(t *testing.T) {
	// A NaN reading widens the observed range but contributes no mean.
	times := []time.Time{ts(3, 0, 30), ts(3, 1, 30)}
	values := []float64{math.NaN(), 4}
	now := ts(3, 2, 0)
	h := types.MustHorizons(60, 2)

	got := computeHistoryPerHorizon(times, values, now, h)
	want := [][]float64{
		{math.NaN()}, // 00:00-01:00 bucket: NaN only
		{4},          // 01:00-02:00 bucket
	}
	matrixEqual(t, got, want)
}

func TestNanAggregate(t *testing.T) {
	nan := math.NaN()
	matrix := [][]float64{
		{1, 2, 3, 4},
		{nan, 5, nan, 1},
		{nan, nan, nan, nan},
	}

	check := func(agg string, want []float64) {
		t.Helper()
		got := nanAggregate(matrix, agg)
		for i := range want {
			if got[i] != want[i] && !(math.IsNaN(got[i]) && math.IsNaN(want[i])) {
				t.Errorf("%s[%d] = %v, want %v", agg, i, got[i], want[i])
			}
		}
	}
	check("max", []float64{4, 5, nan})
	check("mean", []float64{2.5, 3, nan})
	check("median", []float64{2.5, 3, nan})
}

func TestQuantile(t *testing.T) {
	if got := quantile([]float64{1, 2, 3, 4, 5}, 0.5); got != 3 {
		t.Errorf("median = %v", got)
	}
	if got := quantile([]float64{math.NaN(), 7}, 0.99); got != 7 {
		t.Errorf("single finite value = %v", got)
	}
	if got := quantile(nil, 0.99); !math.IsNaN(got) {
		t.Errorf("empty input = %v, want NaN", got)
	}
	// p99 interpolates near the top of the distribution.
	got := quantile([]float64{0, 100}, 0.99)
	if got != 99 {
		t.Errorf("p99 of [0, 100] = %v, want 99", got)
	}
}

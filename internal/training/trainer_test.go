package training

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"testing"
	"time"

	"sitecast/internal/features"
	"sitecast/internal/gridded"
	"sitecast/internal/history"
	"sitecast/internal/regress"
	"sitecast/internal/sampler"
	"sitecast/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testPV builds a week of 15-minute daytime readings for two sites plus one
// site with no data at all.
func testPV(t *testing.T) history.Source {
	t.Helper()
	readings := map[types.SiteID][]history.Reading{"empty": {}}
	sites := map[types.SiteID]types.Site{
		"empty": {ID: "empty", Latitude: 51, Longitude: 0},
	}
	for i, id := range []types.SiteID{"s1", "s2"} {
		scale := float64(i + 1)
		var series []history.Reading
		for day := 1; day <= 7; day++ {
			for min := 6 * 60; min <= 18*60; min += 15 {
				ts := time.Date(2023, 6, day, 0, min, 0, 0, time.UTC)
				hours := float64(min)/60 - 6
				power := scale * 5 * math.Sin(math.Pi*hours/12)
				series = append(series, history.Reading{TS: ts, PowerKW: power})
			}
		}
		readings[id] = series
		sites[id] = types.Site{ID: id, Latitude: 51.5, Longitude: -0.1}
	}
	src, err := history.NewMemorySource(readings, sites, 0)
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	return src
}

func testNWP(t *testing.T) *gridded.Source {
	t.Helper()
	xs := []float64{-1, 0}
	ys := []float64{52, 51}
	var initTimes []time.Time
	for day := 1; day <= 7; day++ {
		for hour := 0; hour < 24; hour += 6 {
			initTimes = append(initTimes, time.Date(2023, 6, day, hour, 0, 0, 0, time.UTC))
		}
	}
	leadSteps := make([]time.Duration, 13)
	for i := range leadSteps {
		leadSteps[i] = time.Duration(i) * time.Hour
	}
	variables := []string{"dswrf"}
	values := make([]float64, len(xs)*len(ys)*len(initTimes)*len(leadSteps))
	for i := range values {
		values[i] = 450
	}
	grid, err := gridded.NewGrid(xs, ys, initTimes, leadSteps, variables, values)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	src, err := gridded.NewSource(grid, gridded.SourceOptions{}, testLogger())
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	return src
}

func testTrainer(t *testing.T) (*Trainer, *regress.RidgeRegressor) {
	t.Helper()
	pv := testPV(t)
	assembler, err := features.NewAssembler(features.Config{
		Horizons:             types.MustHorizons(60, 4),
		Normalize:            true,
		UseCapacityAsFeature: true,
		NumDaysHistory:       3,
	}, pv, map[string]*gridded.Source{"ukv": testNWP(t)}, features.AssemblerOptions{
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	reg := regress.NewRidgeRegressor(regress.RidgeConfig{NormalizeTargets: true}, testLogger())
	return NewTrainer(assembler, reg, pv, 4, testLogger()), reg
}

func TestTrainAndEvaluate(t *testing.T) {
	trainer, reg := testTrainer(t)
	ctx := context.Background()

	start := time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 7, 0, 0, 0, 0, time.UTC)
	it := sampler.NewRandomIterator([]types.SiteID{"s1", "s2"}, start, end, 15,
		rand.New(rand.NewSource(7)))

	if err := trainer.Train(ctx, it, 40); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !reg.Trained() {
		t.Fatal("regressor not trained after Train")
	}

	sweep := sampler.NewSweepIterator([]types.SiteID{"s1", "s2"},
		time.Date(2023, 6, 6, 10, 0, 0, 0, time.UTC),
		time.Date(2023, 6, 6, 12, 0, 0, 0, time.UTC), 30)
	res, err := trainer.Evaluate(ctx, sweep)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.NumSamples == 0 {
		t.Fatal("evaluation sweep produced no samples")
	}
	if math.IsNaN(res.MAE) || res.MAE < 0 {
		t.Errorf("MAE = %v", res.MAE)
	}
}

func TestTrainIsolatesBadSamples(t *testing.T) {
	trainer, reg := testTrainer(t)
	ctx := context.Background()

	// The iterator mixes in a site with no readings and a site unknown to
	// the history source; neither yields a usable target and both must be
	// skipped without aborting the run.
	start := time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 7, 0, 0, 0, 0, time.UTC)
	it := sampler.NewRandomIterator([]types.SiteID{"s1", "empty", "ghost"}, start, end, 15,
		rand.New(rand.NewSource(11)))

	if err := trainer.Train(ctx, it, 20); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !reg.Trained() {
		t.Fatal("regressor not trained")
	}
}

func TestTrainNoUsableSamples(t *testing.T) {
	trainer, _ := testTrainer(t)

	// A sweep over a range with no data yields nothing to train on.
	it := sampler.NewSweepIterator([]types.SiteID{"empty"},
		time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 6, 5, 2, 0, 0, 0, time.UTC), 30)
	err := trainer.Train(context.Background(), it, 10)
	if !types.IsCode(err, types.ErrCodeDataUnavailable) {
		t.Errorf("Train on empty range: %v", err)
	}
}

func TestTrainHonorsCancellation(t *testing.T) {
	trainer, _ := testTrainer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Date(2023, 6, 5, 0, 0, 0, 0, time.UTC)
	it := sampler.NewRandomIterator([]types.SiteID{"s1"}, start, start.Add(24*time.Hour), 15,
		rand.New(rand.NewSource(3)))

	// A canceled context must not hang; it surfaces either as a context
	// error or as an empty-batch failure depending on timing.
	if err := trainer.Train(ctx, it, 1000); err == nil {
		t.Error("Train with canceled context succeeded")
	}
}

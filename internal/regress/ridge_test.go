package regress

import (
	"context"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"

	"sitecast/internal/types"
)

const (
	nHorizons = 4
	capKW     = 10.0
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// sampleFeatures builds a feature table with the internal normalization
// features plus visible f1 and poa_global.
func sampleFeatures(t *testing.T, poa, f1 []float64) *types.Features {
	t.Helper()
	f := types.NewFeatures(nHorizons)
	if err := f.Set("_poa_global", poa); err != nil {
		t.Fatal(err)
	}
	f.SetScalar("_capacity", capKW)
	if err := f.Set("poa_global", poa); err != nil {
		t.Fatal(err)
	}
	if err := f.Set("f1", f1); err != nil {
		t.Fatal(err)
	}
	return f
}

// trueNormalized is the synthetic relationship the regressor should recover:
// linear in f1 and the horizon index.
func trueNormalized(f1 float64, h int) float64 {
	return 2*f1 + 0.5*float64(h) + 1
}

func syntheticBatch(t *testing.T, nSamples int) *types.Batch {
	t.Helper()
	samples := make([]types.Sample, nSamples)
	for s := 0; s < nSamples; s++ {
		poa := make([]float64, nHorizons)
		f1 := make([]float64, nHorizons)
		powers := make([]float64, nHorizons)
		for h := 0; h < nHorizons; h++ {
			poa[h] = 150 + 10*float64(h) + 5*float64(s)
			f1[h] = float64(s%7) + 0.3*float64(h)
			powers[h] = trueNormalized(f1[h], h) * poa[h] * capKW
		}
		samples[s] = types.Sample{
			X:        types.X{SiteID: "s1"},
			Y:        types.Y{Powers: powers},
			Features: sampleFeatures(t, poa, f1),
		}
	}
	batch, err := types.NewBatch(samples)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return batch
}

func trainedRegressor(t *testing.T) *RidgeRegressor {
	t.Helper()
	r := NewRidgeRegressor(RidgeConfig{Lambda: 1e-9, NormalizeTargets: true}, testLogger())
	if err := r.Train(context.Background(), syntheticBatch(t, 30)); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return r
}

func TestTrainPredictRoundTrip(t *testing.T) {
	r := trainedRegressor(t)

	poa := []float64{200, 300, 250, 180}
	f1 := []float64{1.5, 2, 0.5, 3}
	y, err := r.Predict(sampleFeatures(t, poa, f1))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for h := 0; h < nHorizons; h++ {
		want := trueNormalized(f1[h], h) * poa[h] * capKW
		if diff := math.Abs(y.Powers[h] - want); diff > 1e-3*(math.Abs(want)+1) {
			t.Errorf("horizon %d: predicted %v, want %v", h, y.Powers[h], want)
		}
	}
}

func TestPredictZeroIrradianceGivesZero(t *testing.T) {
	r := trainedRegressor(t)

	// Night horizons un-normalize through poa = 0.
	poa := []float64{0, 0, 200, 0}
	f1 := []float64{1, 1, 1, 1}
	y, err := r.Predict(sampleFeatures(t, poa, f1))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for _, h := range []int{0, 1, 3} {
		if y.Powers[h] != 0 {
			t.Errorf("night horizon %d predicted %v, want 0", h, y.Powers[h])
		}
	}
	if y.Powers[2] == 0 {
		t.Error("daytime horizon predicted exactly 0")
	}
}

func TestTrainSkipsNonFiniteRows(t *testing.T) {
	// Zero-irradiance rows produce non-finite normalized targets and must be
	// dropped, not poison the fit.
	samples := make([]types.Sample, 20)
	for s := range samples {
		poa := make([]float64, nHorizons)
		f1 := make([]float64, nHorizons)
		powers := make([]float64, nHorizons)
		for h := 0; h < nHorizons; h++ {
			if h == 0 {
				poa[h] = 0 // night
				powers[h] = 0
			} else {
				poa[h] = 100 + 20*float64(h) + 3*float64(s)
				powers[h] = trueNormalized(0, h) * poa[h] * capKW
			}
			f1[h] = 0
		}
		samples[s] = types.Sample{
			Y:        types.Y{Powers: powers},
			Features: sampleFeatures(t, poa, f1),
		}
	}
	batch, err := types.NewBatch(samples)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}

	r := NewRidgeRegressor(RidgeConfig{Lambda: 1e-9, NormalizeTargets: true}, testLogger())
	if err := r.Train(context.Background(), batch); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for _, c := range r.coefs {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			t.Fatalf("non-finite coefficient: %v", r.coefs)
		}
	}
}

func TestTrainAllTargetsNonFinite(t *testing.T) {
	samples := make([]types.Sample, 3)
	for s := range samples {
		poa := make([]float64, nHorizons) // all zero: everything is night
		f1 := make([]float64, nHorizons)
		samples[s] = types.Sample{
			Y:        types.Y{Powers: make([]float64, nHorizons)},
			Features: sampleFeatures(t, poa, f1),
		}
	}
	batch, err := types.NewBatch(samples)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	r := NewRidgeRegressor(RidgeConfig{NormalizeTargets: true}, testLogger())
	if err := r.Train(context.Background(), batch); !types.IsCode(err, types.ErrCodeDataUnavailable) {
		t.Errorf("all-night batch: %v", err)
	}
}

func TestPredictFeatureMismatch(t *testing.T) {
	r := trainedRegressor(t)
	poa := []float64{200, 200, 200, 200}
	f1 := []float64{1, 1, 1, 1}

	// Extra feature.
	extra := sampleFeatures(t, poa, f1)
	if err := extra.Set("f2", f1); err != nil {
		t.Fatal(err)
	}
	_, err := r.Predict(extra)
	if !types.IsCode(err, types.ErrCodeFeatureMismatch) {
		t.Fatalf("extra feature: %v", err)
	}
	if !strings.Contains(err.Error(), "f2") {
		t.Errorf("error does not name the extra feature: %v", err)
	}

	// Missing feature.
	missing := types.NewFeatures(nHorizons)
	_ = missing.Set("_poa_global", poa)
	missing.SetScalar("_capacity", capKW)
	_ = missing.Set("poa_global", poa)
	_, err = r.Predict(missing)
	if !types.IsCode(err, types.ErrCodeFeatureMismatch) {
		t.Fatalf("missing feature: %v", err)
	}
	if !strings.Contains(err.Error(), "f1") {
		t.Errorf("error does not name the missing feature: %v", err)
	}
}

func TestPredictUntrained(t *testing.T) {
	r := NewRidgeRegressor(RidgeConfig{NormalizeTargets: true}, testLogger())
	_, err := r.Predict(sampleFeatures(t, []float64{1, 1, 1, 1}, []float64{0, 0, 0, 0}))
	if err == nil {
		t.Error("predicting with an untrained model must fail")
	}
}

func TestNoNormalizationZeroesNightHorizons(t *testing.T) {
	// Without target normalization the model trains on raw power and must
	// explicitly zero horizons with zero irradiance.
	samples := make([]types.Sample, 20)
	for s := range samples {
		poa := make([]float64, nHorizons)
		f1 := make([]float64, nHorizons)
		powers := make([]float64, nHorizons)
		for h := 0; h < nHorizons; h++ {
			poa[h] = 100 + 10*float64(h) + float64(s)
			f1[h] = float64(s % 5)
			powers[h] = 3*f1[h] + float64(h)
		}
		samples[s] = types.Sample{
			Y:        types.Y{Powers: powers},
			Features: sampleFeatures(t, poa, f1),
		}
	}
	batch, err := types.NewBatch(samples)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	r := NewRidgeRegressor(RidgeConfig{Lambda: 1e-9}, testLogger())
	if err := r.Train(context.Background(), batch); err != nil {
		t.Fatalf("Train: %v", err)
	}

	poa := []float64{0, 150, 0, 150}
	f1 := []float64{2, 2, 2, 2}
	y, err := r.Predict(sampleFeatures(t, poa, f1))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if y.Powers[0] != 0 || y.Powers[2] != 0 {
		t.Errorf("zero-irradiance horizons not zeroed: %v", y.Powers)
	}
	if y.Powers[1] == 0 {
		t.Error("lit horizon zeroed")
	}
}

func TestStateRoundTrip(t *testing.T) {
	r := trainedRegressor(t)
	st, err := r.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}

	restored, err := FromState(st, testLogger())
	if err != nil {
		t.Fatalf("FromState: %v", err)
	}

	poa := []float64{200, 300, 250, 180}
	f1 := []float64{1.5, 2, 0.5, 3}
	want, err := r.Predict(sampleFeatures(t, poa, f1))
	if err != nil {
		t.Fatal(err)
	}
	got, err := restored.Predict(sampleFeatures(t, poa, f1))
	if err != nil {
		t.Fatal(err)
	}
	for h := range want.Powers {
		if got.Powers[h] != want.Powers[h] {
			t.Errorf("horizon %d: restored model predicts %v, original %v", h, got.Powers[h], want.Powers[h])
		}
	}
}

func TestFromStateRejectsPartialState(t *testing.T) {
	r := trainedRegressor(t)
	st, err := r.State()
	if err != nil {
		t.Fatal(err)
	}

	broken := st
	broken.FeatureNames = nil
	if _, err := FromState(broken, testLogger()); !types.IsCode(err, types.ErrCodeModelCorrupt) {
		t.Errorf("missing feature names: %v", err)
	}

	broken = st
	broken.Coefficients = broken.Coefficients[:1]
	if _, err := FromState(broken, testLogger()); !types.IsCode(err, types.ErrCodeModelCorrupt) {
		t.Errorf("truncated coefficients: %v", err)
	}
}

func TestExplain(t *testing.T) {
	// Untrained: empty explanation, no error.
	r := NewRidgeRegressor(RidgeConfig{NormalizeTargets: true}, testLogger())
	ex, err := r.Explain(sampleFeatures(t, []float64{1, 1, 1, 1}, []float64{0, 0, 0, 0}))
	if err != nil || len(ex.FeatureNames) != 0 {
		t.Errorf("untrained explain: ex=%+v err=%v", ex, err)
	}

	r = trainedRegressor(t)
	ex, err = r.Explain(sampleFeatures(t, []float64{200, 200, 200, 200}, []float64{1, 2, 3, 4}))
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(ex.Contributions) != nHorizons {
		t.Fatalf("%d contribution rows", len(ex.Contributions))
	}
	if ex.FeatureNames[len(ex.FeatureNames)-1] != "horizon_idx" {
		t.Errorf("last explained feature = %q", ex.FeatureNames[len(ex.FeatureNames)-1])
	}
	for h, row := range ex.Contributions {
		if len(row) != len(ex.FeatureNames) {
			t.Errorf("row %d has %d entries for %d names", h, len(row), len(ex.FeatureNames))
		}
	}
}

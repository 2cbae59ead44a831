package regress

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"sitecast/internal/types"
)

// Internal feature names the regressor consumes for (de)normalization.
const (
	poaFeature      = "_poa_global"
	capacityFeature = "_capacity"

	// horizonIdxFeature is appended to every flattened row so a single model
	// serves all horizons.
	horizonIdxFeature = "horizon_idx"
)

// RidgeConfig configures a RidgeRegressor.
type RidgeConfig struct {
	// Lambda is the L2 regularization strength (default 1e-3). The intercept
	// is not penalized.
	Lambda float64

	// NormalizeTargets divides targets by irradiance x capacity before
	// fitting and multiplies predictions back. When disabled, predictions
	// are explicitly zeroed for horizons with zero irradiance instead.
	NormalizeTargets bool
}

// RidgeRegressor is a weighted ridge regression over the flattened
// (sample x horizon, feature) matrix. Sample weights equal the irradiance,
// so night rows contribute next to nothing instead of teaching the model to
// special-case darkness.
type RidgeRegressor struct {
	cfg    RidgeConfig
	logger *slog.Logger

	// Train-time state. featureNames is the ordered list of visible feature
	// names; coefs holds one coefficient per name, then horizon_idx, then
	// the intercept.
	featureNames []string
	coefs        []float64
}

var _ Regressor = (*RidgeRegressor)(nil)

// NewRidgeRegressor creates an untrained regressor.
func NewRidgeRegressor(cfg RidgeConfig, logger *slog.Logger) *RidgeRegressor {
	if cfg.Lambda <= 0 {
		cfg.Lambda = 1e-3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RidgeRegressor{cfg: cfg, logger: logger}
}

// Trained reports whether the model has been fitted.
func (r *RidgeRegressor) Trained() bool { return len(r.coefs) > 0 }

// FeatureNames returns the ordered visible feature names recorded at train
// time (nil before training).
func (r *RidgeRegressor) FeatureNames() []string {
	return append([]string(nil), r.featureNames...)
}

// checkFeatureSet verifies that a feature set matches the train-time one,
// failing with the symmetric difference otherwise.
func (r *RidgeRegressor) checkFeatureSet(got []string) error {
	missing, extra := types.SymmetricDiff(r.featureNames, got)
	if len(missing) > 0 || len(extra) > 0 {
		return types.NewErrorWithDetails(
			types.ErrCodeFeatureMismatch,
			fmt.Sprintf("model was trained on a different feature set: missing=%v extra=%v", missing, extra),
			nil,
			map[string]any{"missing": missing, "extra": extra},
		)
	}
	return nil
}

// Train implements Regressor.
func (r *RidgeRegressor) Train(_ context.Context, batch *types.Batch) error {
	feats := batch.Features
	names := feats.VisibleNames()
	if len(names) == 0 {
		return fmt.Errorf("regress: batch has no visible features")
	}

	poa, ok := feats.Get(poaFeature)
	if !ok {
		return fmt.Errorf("regress: batch is missing %s", poaFeature)
	}
	capacity, ok := feats.Get(capacityFeature)
	if !ok {
		return fmt.Errorf("regress: batch is missing %s", capacityFeature)
	}

	nSamples := feats.NumSamples()
	nHorizons := feats.NumHorizons()
	// One column per feature, plus horizon_idx, plus the intercept.
	p := len(names) + 2

	cols := make([][][]float64, len(names))
	for i, n := range names {
		cols[i], _ = feats.Get(n)
	}

	// Accumulate the weighted normal equations XᵀWX and XᵀWy directly: the
	// flattened matrix can be large but p stays small.
	xtx := mat.NewSymDense(p, nil)
	xty := mat.NewVecDense(p, nil)
	row := make([]float64, p)
	rows := 0

	for si := 0; si < nSamples; si++ {
		for hi := 0; hi < nHorizons; hi++ {
			denom := poa[si][hi] * capacity[si][hi]
			y := batch.Powers[si][hi]
			if r.cfg.NormalizeTargets {
				y = y / denom
			} else if denom == 0 || math.IsNaN(denom) {
				// Still skip zero-irradiance rows: the prediction is forced
				// to zero there anyway.
				y = math.NaN()
			}
			if math.IsNaN(y) || math.IsInf(y, 0) {
				continue
			}
			w := poa[si][hi]

			for fi := range cols {
				row[fi] = cols[fi][si][hi]
			}
			row[len(names)] = float64(hi)
			row[p-1] = 1 // intercept

			for i := 0; i < p; i++ {
				for j := i; j < p; j++ {
					xtx.SetSym(i, j, xtx.At(i, j)+w*row[i]*row[j])
				}
				xty.SetVec(i, xty.AtVec(i)+w*row[i]*y)
			}
			rows++
		}
	}
	if rows == 0 {
		return types.NewError(types.ErrCodeDataUnavailable,
			"no finite training targets after normalization", nil)
	}

	// Penalize everything except the intercept.
	for i := 0; i < p-1; i++ {
		xtx.SetSym(i, i, xtx.At(i, i)+r.cfg.Lambda)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(xtx, xty); err != nil {
		return fmt.Errorf("regress: solving normal equations: %w", err)
	}

	r.featureNames = append([]string(nil), names...)
	r.coefs = make([]float64, p)
	for i := 0; i < p; i++ {
		r.coefs[i] = beta.AtVec(i)
	}

	r.logger.Info("ridge regressor trained",
		"features", len(names),
		"rows", rows,
		"lambda", r.cfg.Lambda,
	)
	return nil
}

// Predict implements Regressor.
func (r *RidgeRegressor) Predict(features *types.Features) (types.Y, error) {
	if !r.Trained() {
		return types.Y{}, fmt.Errorf("regress: model is not trained")
	}
	if err := r.checkFeatureSet(features.VisibleNames()); err != nil {
		return types.Y{}, err
	}

	normalized, err := r.rawPredict(features)
	if err != nil {
		return types.Y{}, err
	}

	powers := make([]float64, len(normalized))
	if r.cfg.NormalizeTargets {
		poa, ok := features.Get(poaFeature)
		if !ok {
			return types.Y{}, fmt.Errorf("regress: features are missing %s", poaFeature)
		}
		capacity, ok := features.Get(capacityFeature)
		if !ok {
			return types.Y{}, fmt.Errorf("regress: features are missing %s", capacityFeature)
		}
		for hi := range powers {
			powers[hi] = normalized[hi] * poa[hi] * capacity[hi]
		}
	} else {
		poa, ok := features.Get("poa_global")
		if !ok {
			return types.Y{}, fmt.Errorf("regress: features are missing poa_global")
		}
		for hi := range powers {
			if poa[hi] > 0 {
				powers[hi] = normalized[hi]
			}
		}
	}
	return types.Y{Powers: powers}, nil
}

// rawPredict evaluates the linear model per horizon, in normalized space.
func (r *RidgeRegressor) rawPredict(features *types.Features) ([]float64, error) {
	nHorizons := features.NumHorizons()
	out := make([]float64, nHorizons)
	p := len(r.coefs)
	for hi := 0; hi < nHorizons; hi++ {
		sum := r.coefs[p-1] // intercept
		for fi, name := range r.featureNames {
			vec, ok := features.Get(name)
			if !ok {
				return nil, r.checkFeatureSet(features.VisibleNames())
			}
			sum += r.coefs[fi] * vec[hi]
		}
		sum += r.coefs[len(r.featureNames)] * float64(hi)
		out[hi] = sum
	}
	return out, nil
}

// Explain implements Regressor: each contribution is coefficient x value in
// normalized space. An untrained model explains nothing rather than failing.
func (r *RidgeRegressor) Explain(features *types.Features) (*Explanation, error) {
	if !r.Trained() {
		return &Explanation{}, nil
	}
	if err := r.checkFeatureSet(features.VisibleNames()); err != nil {
		return nil, err
	}

	names := append([]string(nil), r.featureNames...)
	names = append(names, horizonIdxFeature)

	nHorizons := features.NumHorizons()
	contributions := make([][]float64, nHorizons)
	for hi := 0; hi < nHorizons; hi++ {
		row := make([]float64, len(names))
		for fi, name := range r.featureNames {
			vec, _ := features.Get(name)
			row[fi] = r.coefs[fi] * vec[hi]
		}
		row[len(names)-1] = r.coefs[len(r.featureNames)] * float64(hi)
		contributions[hi] = row
	}
	return &Explanation{FeatureNames: names, Contributions: contributions}, nil
}

// State is the serializable model state. Both fields are required: a model
// without its feature-name list cannot be safely applied.
type State struct {
	FeatureNames     []string  `json:"feature_names"`
	Coefficients     []float64 `json:"coefficients"`
	Lambda           float64   `json:"lambda"`
	NormalizeTargets bool      `json:"normalize_targets"`
}

// State exports the trained model state.
func (r *RidgeRegressor) State() (State, error) {
	if !r.Trained() {
		return State{}, fmt.Errorf("regress: cannot export an untrained model")
	}
	return State{
		FeatureNames:     r.FeatureNames(),
		Coefficients:     append([]float64(nil), r.coefs...),
		Lambda:           r.cfg.Lambda,
		NormalizeTargets: r.cfg.NormalizeTargets,
	}, nil
}

// FromState restores a trained regressor. Partial state (a model without its
// feature names, or the converse) is rejected as corrupt.
func FromState(st State, logger *slog.Logger) (*RidgeRegressor, error) {
	if len(st.FeatureNames) == 0 || len(st.Coefficients) == 0 {
		return nil, types.NewError(types.ErrCodeModelCorrupt,
			"model state is missing feature names or coefficients", nil)
	}
	if len(st.Coefficients) != len(st.FeatureNames)+2 {
		return nil, types.NewError(types.ErrCodeModelCorrupt,
			fmt.Sprintf("model state has %d coefficients for %d features",
				len(st.Coefficients), len(st.FeatureNames)), nil)
	}
	r := NewRidgeRegressor(RidgeConfig{
		Lambda:           st.Lambda,
		NormalizeTargets: st.NormalizeTargets,
	}, logger)
	r.featureNames = append([]string(nil), st.FeatureNames...)
	r.coefs = append([]float64(nil), st.Coefficients...)
	return r, nil
}

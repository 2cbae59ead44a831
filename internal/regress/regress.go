// Package regress fits and applies the per-horizon power model. The
// regressor never sees absolute power: targets are normalized by
// irradiance x capacity on the way in and the predictions are
// un-normalized on the way out.
package regress

import (
	"context"

	"sitecast/internal/types"
)

// Regressor is the capability set of a trainable power model.
type Regressor interface {
	// Train fits the model on a batch. The ordered list of visible feature
	// names becomes part of the model state: every later Predict must
	// present exactly the same set.
	Train(ctx context.Context, batch *types.Batch) error

	// Predict returns one power value (kW) per horizon for an assembled
	// feature table. It fails with a feature_mismatch error when the
	// feature set differs from the one recorded at train time.
	Predict(features *types.Features) (types.Y, error)

	// Explain returns per-horizon, per-feature contributions to the
	// prediction. It degrades gracefully: an untrained model yields an
	// empty explanation, never an error.
	Explain(features *types.Features) (*Explanation, error)
}

// Explanation breaks a prediction down into per-feature contributions.
// Contributions[h][i] is the share of the normalized prediction at horizon h
// attributed to FeatureNames[i].
type Explanation struct {
	FeatureNames  []string
	Contributions [][]float64
}

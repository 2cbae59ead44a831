// Package training drives the sample pipeline: it pulls query points from a
// sampler, assembles features and targets through a bounded worker pool, and
// hands the resulting batch to the regressor. It also runs the deterministic
// evaluation sweep.
package training

import (
	"context"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"sitecast/internal/features"
	"sitecast/internal/history"
	"sitecast/internal/regress"
	"sitecast/internal/sampler"
	"sitecast/internal/types"
)

// attemptFactor bounds how many query points may be drawn per requested
// sample before giving up, so an infinite iterator over a data-free range
// cannot spin forever.
const attemptFactor = 50

// Trainer wires a feature assembler, a history source (for targets) and a
// regressor into a training/evaluation pipeline.
type Trainer struct {
	assembler *features.Assembler
	regressor regress.Regressor
	pv        history.Source
	workers   int
	logger    *slog.Logger
}

// NewTrainer builds a Trainer running up to workers concurrent sample
// builds (default 4). The data sources must be safe for concurrent reads.
func NewTrainer(
	assembler *features.Assembler,
	regressor regress.Regressor,
	pv history.Source,
	workers int,
	logger *slog.Logger,
) *Trainer {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		assembler: assembler,
		regressor: regressor,
		pv:        pv,
		workers:   workers,
		logger:    logger,
	}
}

// buildSample computes the target and features for one query point. A nil
// sample with nil error means the point has no usable target.
func (t *Trainer) buildSample(ctx context.Context, x types.X, isTraining bool) (*types.Sample, error) {
	y, ok, err := sampler.TargetFor(ctx, t.pv, x, t.assembler.Horizons())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	feats, err := t.assembler.Build(ctx, x, isTraining)
	if err != nil {
		return nil, err
	}
	return &types.Sample{X: x, Y: y, Features: feats}, nil
}

// collect pulls query points and builds samples until want valid samples
// exist (want <= 0 means "until the iterator is exhausted"). Per-sample
// failures are logged and skipped: one bad query point never aborts the
// run. Only context cancellation propagates.
func (t *Trainer) collect(ctx context.Context, it sampler.Iterator, want int, isTraining bool) ([]types.Sample, error) {
	var samples []types.Sample
	attempts := 0
	maxAttempts := want * attemptFactor
	exhausted := false

	for !exhausted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if want > 0 && (len(samples) >= want || attempts >= maxAttempts) {
			break
		}

		wave := t.workers * 4
		if want > 0 && wave > maxAttempts-attempts {
			wave = maxAttempts - attempts
		}
		xs := make([]types.X, 0, wave)
		for len(xs) < wave {
			x, ok := it.Next()
			if !ok {
				exhausted = true
				break
			}
			xs = append(xs, x)
			attempts++
		}
		if len(xs) == 0 {
			break
		}

		out := make([]*types.Sample, len(xs))
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(t.workers)
		for i, x := range xs {
			i, x := i, x
			g.Go(func() error {
				s, err := t.buildSample(gCtx, x, isTraining)
				if err != nil {
					if gCtx.Err() != nil {
						return gCtx.Err()
					}
					// Error isolation: a failed sample is filtered, not fatal.
					t.logger.Warn("skipping sample",
						"site", x.SiteID, "ts", x.TS, "error", err)
					return nil
				}
				out[i] = s
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, s := range out {
			if s == nil {
				continue
			}
			samples = append(samples, *s)
			if want > 0 && len(samples) >= want {
				break
			}
		}
	}

	if want > 0 && len(samples) < want {
		t.logger.Warn("collected fewer samples than requested",
			"want", want, "got", len(samples))
	}
	return samples, nil
}

// Train collects numSamples training samples from the iterator and fits the
// regressor on them.
func (t *Trainer) Train(ctx context.Context, it sampler.Iterator, numSamples int) error {
	samples, err := t.collect(ctx, it, numSamples, true)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return types.NewError(types.ErrCodeDataUnavailable,
			"no usable training samples in the configured range", nil)
	}

	batch, err := types.NewBatch(samples)
	if err != nil {
		return err
	}
	t.logger.Info("training batch assembled",
		"samples", len(samples),
		"features", len(batch.Features.Names()),
	)
	return t.regressor.Train(ctx, batch)
}

// EvalResult summarizes an evaluation sweep.
type EvalResult struct {
	// NumSamples is the number of query points with a usable target.
	NumSamples int
	// MAE is the mean absolute error in kW over every (sample, horizon)
	// cell with a finite target.
	MAE float64
}

// Evaluate runs the iterator to exhaustion, predicting each sample with the
// trained regressor and accumulating the mean absolute error. The iterator
// must be bounded.
func (t *Trainer) Evaluate(ctx context.Context, it sampler.Iterator) (*EvalResult, error) {
	samples, err := t.collect(ctx, it, 0, false)
	if err != nil {
		return nil, err
	}

	sumAbs := 0.0
	cells := 0
	for i := range samples {
		y, err := t.regressor.Predict(samples[i].Features)
		if err != nil {
			return nil, err
		}
		for h, want := range samples[i].Y.Powers {
			if math.IsNaN(want) {
				continue
			}
			sumAbs += math.Abs(y.Powers[h] - want)
			cells++
		}
	}

	res := &EvalResult{NumSamples: len(samples), MAE: math.NaN()}
	if cells > 0 {
		res.MAE = sumAbs / float64(cells)
	}
	t.logger.Info("evaluation complete", "samples", res.NumSamples, "mae_kw", res.MAE)
	return res, nil
}

// Package persist serializes trained models. A model and its recorded
// feature-name list travel as one atomic blob: a restore that would produce
// a regressor without its feature names is rejected outright.
package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"sitecast/internal/regress"
	"sitecast/internal/types"
)

// formatVersion is bumped on backward-incompatible blob changes.
const formatVersion = 1

// Artifact is a trained model plus the metadata needed to apply it.
type Artifact struct {
	ID        string
	CreatedAt time.Time
	Horizons  types.Horizons
	Regressor *regress.RidgeRegressor
}

// NewArtifact wraps a trained regressor for saving, assigning a fresh model
// ID.
func NewArtifact(horizons types.Horizons, regressor *regress.RidgeRegressor) *Artifact {
	return &Artifact{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Horizons:  horizons,
		Regressor: regressor,
	}
}

// blob is the on-disk JSON layout, compressed with zstd.
type blob struct {
	Version                int           `json:"version"`
	ID                     string        `json:"id"`
	CreatedAt              time.Time     `json:"created_at"`
	HorizonDurationMinutes int           `json:"horizon_duration_minutes"`
	HorizonCount           int           `json:"horizon_count"`
	Regressor              regress.State `json:"regressor"`
}

// Save writes the artifact to w. The regressor must be trained.
func Save(w io.Writer, a *Artifact) error {
	state, err := a.Regressor.State()
	if err != nil {
		return err
	}
	b := blob{
		Version:                formatVersion,
		ID:                     a.ID,
		CreatedAt:              a.CreatedAt,
		HorizonDurationMinutes: a.Horizons.Duration(),
		HorizonCount:           a.Horizons.Len(),
		Regressor:              state,
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("persist: encoding model: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("persist: creating zstd encoder: %w", err)
	}
	defer enc.Close()
	if _, err := w.Write(enc.EncodeAll(raw, nil)); err != nil {
		return fmt.Errorf("persist: writing model: %w", err)
	}
	return nil
}

// Load reads an artifact back. Any blob that cannot be restored completely,
// including one missing the feature-name list or the coefficients, fails
// with a model_corrupt error.
func Load(r io.Reader, logger *slog.Logger) (*Artifact, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("persist: reading model: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("persist: creating zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewError(types.ErrCodeModelCorrupt, "model blob is not valid zstd", err)
	}

	var b blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, types.NewError(types.ErrCodeModelCorrupt, "model blob is not valid JSON", err)
	}
	if b.Version > formatVersion {
		return nil, types.NewError(types.ErrCodeModelCorrupt,
			fmt.Sprintf("model format version %d is newer than supported %d", b.Version, formatVersion), nil)
	}

	horizons, err := types.NewHorizons(b.HorizonDurationMinutes, b.HorizonCount)
	if err != nil {
		return nil, types.NewError(types.ErrCodeModelCorrupt, "model blob has an invalid horizon set", err)
	}
	regressor, err := regress.FromState(b.Regressor, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("model loaded",
		"id", b.ID,
		"created_at", b.CreatedAt,
		"features", len(b.Regressor.FeatureNames),
	)
	return &Artifact{
		ID:        b.ID,
		CreatedAt: b.CreatedAt,
		Horizons:  horizons,
		Regressor: regressor,
	}, nil
}

// SaveFile writes the artifact to path via a temp-file rename so readers
// never observe a half-written model. The temp file lives next to the
// target so the rename stays on one filesystem.
func SaveFile(path string, a *Artifact) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.zst")
	if err != nil {
		return fmt.Errorf("persist: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Save(tmp, a); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist: replacing %s: %w", path, err)
	}
	return nil
}

// LoadFile reads an artifact from path.
func LoadFile(path string, logger *slog.Logger) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persist: opening %s: %w", path, err)
	}
	defer f.Close()
	return Load(f, logger)
}

package types

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// internalPrefix marks features that are consumed by the regressor's own
// (de)normalization but excluded from its visible input set.
const internalPrefix = "_"

// Features is an ordered feature table: a mapping from feature name to a
// per-horizon numeric vector. Order is insertion order, which matters because
// the regressor records the exact ordered list of visible names at train time.
//
// Names starting with "_" are internal (for example normalization
// denominators) and are not part of the visible set.
type Features struct {
	numHorizons int
	names       []string
	index       map[string]int
	values      [][]float64
}

// NewFeatures creates an empty feature table whose vectors all have
// numHorizons entries.
func NewFeatures(numHorizons int) *Features {
	return &Features{
		numHorizons: numHorizons,
		index:       make(map[string]int),
	}
}

// NumHorizons returns the length every feature vector must have.
func (f *Features) NumHorizons() int { return f.numHorizons }

// Len returns the number of features (internal ones included).
func (f *Features) Len() int { return len(f.names) }

// Set stores a per-horizon vector under name. Setting an existing name
// replaces its values but keeps its position. The vector is copied.
func (f *Features) Set(name string, vec []float64) error {
	if len(vec) != f.numHorizons {
		return fmt.Errorf("feature %q has length %d, want %d", name, len(vec), f.numHorizons)
	}
	cp := make([]float64, len(vec))
	copy(cp, vec)
	if i, ok := f.index[name]; ok {
		f.values[i] = cp
		return nil
	}
	f.index[name] = len(f.names)
	f.names = append(f.names, name)
	f.values = append(f.values, cp)
	return nil
}

// SetScalar broadcasts a scalar value across all horizons.
func (f *Features) SetScalar(name string, v float64) {
	vec := make([]float64, f.numHorizons)
	for i := range vec {
		vec[i] = v
	}
	// Length always matches, the error is unreachable.
	_ = f.Set(name, vec)
}

// Get returns the vector stored under name. The returned slice is the
// internal storage; callers must not modify it.
func (f *Features) Get(name string) ([]float64, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.values[i], true
}

// Names returns all feature names in insertion order.
func (f *Features) Names() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// VisibleNames returns the names of features passed to the regressor, in
// insertion order: everything not starting with "_".
func (f *Features) VisibleNames() []string {
	out := make([]string, 0, len(f.names))
	for _, n := range f.names {
		if !strings.HasPrefix(n, internalPrefix) {
			out = append(out, n)
		}
	}
	return out
}

// IsInternal reports whether a feature name is excluded from the regressor's
// visible input set.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, internalPrefix)
}

// Equal reports whether two feature tables have identical names, order and
// values. NaNs compare equal to NaNs so that deterministic assemblies can be
// compared byte-for-byte.
func (f *Features) Equal(other *Features) bool {
	if other == nil || f.numHorizons != other.numHorizons || len(f.names) != len(other.names) {
		return false
	}
	for i, n := range f.names {
		if other.names[i] != n {
			return false
		}
		a, b := f.values[i], other.values[i]
		for j := range a {
			if a[j] != b[j] && !(math.IsNaN(a[j]) && math.IsNaN(b[j])) {
				return false
			}
		}
	}
	return true
}

// BatchedFeatures holds the features of many samples: for each name a
// (sample, horizon) matrix. All samples must share the exact same feature
// set; the order is taken from the first sample.
type BatchedFeatures struct {
	numSamples  int
	numHorizons int
	names       []string
	index       map[string]int
	values      [][][]float64
}

// BatchFeatures stacks per-sample feature tables into a BatchedFeatures.
// It fails with a feature_mismatch error if any sample's feature set differs
// from the first sample's, naming the symmetric difference.
func BatchFeatures(samples []*Features) (*BatchedFeatures, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot batch zero feature tables")
	}
	first := samples[0]
	b := &BatchedFeatures{
		numSamples:  len(samples),
		numHorizons: first.numHorizons,
		names:       first.Names(),
		index:       make(map[string]int, len(first.names)),
	}
	for i, n := range b.names {
		b.index[n] = i
	}
	b.values = make([][][]float64, len(b.names))
	for i := range b.values {
		b.values[i] = make([][]float64, len(samples))
	}
	for si, s := range samples {
		if len(s.names) != len(b.names) {
			return nil, featureSetMismatch(b.names, s.Names())
		}
		for ni, name := range b.names {
			vec, ok := s.Get(name)
			if !ok {
				return nil, featureSetMismatch(b.names, s.Names())
			}
			b.values[ni][si] = vec
		}
	}
	return b, nil
}

// NumSamples returns the batch size.
func (b *BatchedFeatures) NumSamples() int { return b.numSamples }

// NumHorizons returns the horizon count shared by all samples.
func (b *BatchedFeatures) NumHorizons() int { return b.numHorizons }

// Names returns all feature names in the batch order.
func (b *BatchedFeatures) Names() []string {
	out := make([]string, len(b.names))
	copy(out, b.names)
	return out
}

// VisibleNames returns the non-internal names in batch order.
func (b *BatchedFeatures) VisibleNames() []string {
	out := make([]string, 0, len(b.names))
	for _, n := range b.names {
		if !IsInternal(n) {
			out = append(out, n)
		}
	}
	return out
}

// Get returns the (sample, horizon) matrix for a feature name.
func (b *BatchedFeatures) Get(name string) ([][]float64, bool) {
	i, ok := b.index[name]
	if !ok {
		return nil, false
	}
	return b.values[i], true
}

// featureSetMismatch builds a feature_mismatch error naming the extra and
// missing features between an expected and an actual set.
func featureSetMismatch(want, got []string) *Error {
	missing, extra := SymmetricDiff(want, got)
	return NewErrorWithDetails(
		ErrCodeFeatureMismatch,
		fmt.Sprintf("feature sets differ: missing=%v extra=%v", missing, extra),
		nil,
		map[string]any{"missing": missing, "extra": extra},
	)
}

// SymmetricDiff returns the names present in want but not got (missing) and
// present in got but not want (extra), both sorted.
func SymmetricDiff(want, got []string) (missing, extra []string) {
	wantSet := make(map[string]bool, len(want))
	gotSet := make(map[string]bool, len(got))
	for _, n := range want {
		wantSet[n] = true
	}
	for _, n := range got {
		gotSet[n] = true
	}
	for n := range wantSet {
		if !gotSet[n] {
			missing = append(missing, n)
		}
	}
	for n := range gotSet {
		if !wantSet[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// Batch is a set of samples ready for training: the query points, the
// (sample, horizon) target matrix and the batched features.
type Batch struct {
	Xs       []X
	Powers   [][]float64
	Features *BatchedFeatures
}

// NewBatch assembles a Batch from samples, stacking targets and features.
func NewBatch(samples []Sample) (*Batch, error) {
	xs := make([]X, len(samples))
	powers := make([][]float64, len(samples))
	tables := make([]*Features, len(samples))
	for i, s := range samples {
		xs[i] = s.X
		powers[i] = s.Y.Powers
		tables[i] = s.Features
	}
	feats, err := BatchFeatures(tables)
	if err != nil {
		return nil, err
	}
	return &Batch{Xs: xs, Powers: powers, Features: feats}, nil
}

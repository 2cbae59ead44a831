package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sitecast/internal/types"
)

// MemorySource holds the full history in memory: one sorted reading series
// per site plus the site metadata. It is the workhorse for training runs,
// where an archive is decoded once and then queried many thousands of times.
//
// Views produced by AsAvailableAt share the underlying series and differ
// only in their cut, so projections are cheap and safe for concurrent reads.
type MemorySource struct {
	series map[types.SiteID][]Reading
	sites  map[types.SiteID]types.Site
	ids    []types.SiteID
	lag    time.Duration
	cut    time.Time // zero = uncut
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource builds a source from per-site readings and metadata. The
// readings are copied and sorted by timestamp; lag is the delay before a
// reading becomes visible through AsAvailableAt.
func NewMemorySource(
	readings map[types.SiteID][]Reading,
	sites map[types.SiteID]types.Site,
	lag time.Duration,
) (*MemorySource, error) {
	if lag < 0 {
		return nil, fmt.Errorf("history: negative lag %s", lag)
	}
	series := make(map[types.SiteID][]Reading, len(readings))
	ids := make([]types.SiteID, 0, len(readings))
	for id, rs := range readings {
		s := append([]Reading(nil), rs...)
		sort.Slice(s, func(i, j int) bool { return s[i].TS.Before(s[j].TS) })
		series[id] = s
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	siteMeta := make(map[types.SiteID]types.Site, len(sites))
	for id, site := range sites {
		siteMeta[id] = site
	}
	return &MemorySource{
		series: series,
		sites:  siteMeta,
		ids:    ids,
		lag:    lag,
	}, nil
}

// Get implements Source. The interval is closed on both ends and clipped to
// the active availability cut.
func (m *MemorySource) Get(_ context.Context, ids []types.SiteID, start, end time.Time) (*Result, error) {
	end = types.MinTime(m.cut, end)
	out := &Result{Series: make(map[types.SiteID][]Reading, len(ids))}
	for _, id := range ids {
		out.Series[id] = clipSeries(m.series[id], start, end)
	}
	return out, nil
}

// clipSeries returns the sub-series inside the closed interval [start, end],
// zero bounds meaning unbounded. The slice shares the backing array.
func clipSeries(s []Reading, start, end time.Time) []Reading {
	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(s), func(i int) bool { return !s[i].TS.Before(start) })
	}
	hi := len(s)
	if !end.IsZero() {
		hi = sort.Search(len(s), func(i int) bool { return s[i].TS.After(end) })
	}
	if lo >= hi {
		return []Reading{}
	}
	return s[lo:hi]
}

// ListSiteIDs implements Source.
func (m *MemorySource) ListSiteIDs(context.Context) ([]types.SiteID, error) {
	return append([]types.SiteID(nil), m.ids...), nil
}

// MinTS implements Source.
func (m *MemorySource) MinTS(context.Context) (time.Time, error) {
	var min time.Time
	for _, s := range m.series {
		s = clipSeries(s, time.Time{}, m.cut)
		if len(s) == 0 {
			continue
		}
		if min.IsZero() || s[0].TS.Before(min) {
			min = s[0].TS
		}
	}
	if min.IsZero() {
		return time.Time{}, types.NewError(types.ErrCodeDataUnavailable, "history source has no visible readings", nil)
	}
	return min, nil
}

// MaxTS implements Source.
func (m *MemorySource) MaxTS(context.Context) (time.Time, error) {
	var max time.Time
	for _, s := range m.series {
		s = clipSeries(s, time.Time{}, m.cut)
		if len(s) == 0 {
			continue
		}
		if last := s[len(s)-1].TS; last.After(max) {
			max = last
		}
	}
	if max.IsZero() {
		return time.Time{}, types.NewError(types.ErrCodeDataUnavailable, "history source has no visible readings", nil)
	}
	return max, nil
}

// Site implements Source.
func (m *MemorySource) Site(_ context.Context, id types.SiteID) (types.Site, error) {
	site, ok := m.sites[id]
	if !ok {
		return types.Site{}, types.NewError(types.ErrCodeDataUnavailable,
			fmt.Sprintf("unknown site %q", id), nil)
	}
	return site, nil
}

// AsAvailableAt implements Source. The returned view shares the underlying
// storage with the receiver.
func (m *MemorySource) AsAvailableAt(ts time.Time) Source {
	view := *m
	view.cut = cutFrom(m.cut, ts, m.lag)
	return &view
}

package history

import (
	"context"
	"fmt"
	"time"

	"sitecast/internal/types"
)

// EmptySource is a Source with no data. It stands in for live telemetry when
// a deployment runs from NWP alone, and doubles as a null object in tests.
type EmptySource struct{}

var _ Source = EmptySource{}

// Get implements Source, returning an empty series per requested site.
func (EmptySource) Get(_ context.Context, ids []types.SiteID, _, _ time.Time) (*Result, error) {
	out := &Result{Series: make(map[types.SiteID][]Reading, len(ids))}
	for _, id := range ids {
		out.Series[id] = []Reading{}
	}
	return out, nil
}

// ListSiteIDs implements Source.
func (EmptySource) ListSiteIDs(context.Context) ([]types.SiteID, error) {
	return nil, nil
}

// MinTS implements Source.
func (EmptySource) MinTS(context.Context) (time.Time, error) {
	return time.Time{}, types.NewError(types.ErrCodeDataUnavailable, "empty history source", nil)
}

// MaxTS implements Source.
func (EmptySource) MaxTS(context.Context) (time.Time, error) {
	return time.Time{}, types.NewError(types.ErrCodeDataUnavailable, "empty history source", nil)
}

// Site implements Source.
func (EmptySource) Site(_ context.Context, id types.SiteID) (types.Site, error) {
	return types.Site{}, types.NewError(types.ErrCodeDataUnavailable,
		fmt.Sprintf("unknown site %q", id), nil)
}

// AsAvailableAt implements Source. Cutting nothing is still nothing.
func (e EmptySource) AsAvailableAt(time.Time) Source { return e }

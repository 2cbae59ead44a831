package sampler

import (
	"context"
	"crypto/sha1"
	"fmt"
	"time"

	"sitecast/internal/history"
	"sitecast/internal/types"
)

// PVSplits partitions the site ids into train/valid/test sets. The split is
// a stable hash of the id, so it never changes between runs or machines.
type PVSplits struct {
	Train []types.SiteID
	Valid []types.SiteID
	Test  []types.SiteID
}

// hashBucket maps a string to a stable bucket in [0, 1000).
func hashBucket(s string) int {
	sum := sha1.Sum([]byte(s))
	m := 0
	for _, b := range sum {
		m = (m*256 + int(b)) % 1000
	}
	return m
}

// SplitSites splits the source's sites by hashed id. trainRatio is the share
// of sites for training (the rest test); validRatio then carves a validation
// share out of the train set, hashed with a salt so the two decisions are
// independent. A negative trainRatio disables splitting: every set holds all
// sites, which suits deployments with few stable sites.
func SplitSites(ctx context.Context, source history.Source, trainRatio, validRatio float64) (PVSplits, error) {
	ids, err := source.ListSiteIDs(ctx)
	if err != nil {
		return PVSplits{}, err
	}
	if len(ids) == 0 {
		return PVSplits{}, types.NewError(types.ErrCodeDataUnavailable, "history source has no sites", nil)
	}

	if trainRatio < 0 {
		all := append([]types.SiteID(nil), ids...)
		return PVSplits{Train: all, Valid: all, Test: all}, nil
	}
	if trainRatio > 1 || validRatio < 0 || validRatio > 1 {
		return PVSplits{}, fmt.Errorf("sampler: split ratios must be in [0, 1]")
	}

	var splits PVSplits
	for _, id := range ids {
		if float64(hashBucket(string(id))) >= 1000*trainRatio {
			splits.Test = append(splits.Test, id)
			continue
		}
		// Salted second hash so validation membership is independent of the
		// train/test decision.
		if float64(hashBucket(string(id)+" - valid")) < 1000*validRatio {
			splits.Valid = append(splits.Valid, id)
		} else {
			splits.Train = append(splits.Train, id)
		}
	}
	return splits, nil
}

// TrainDateSplit describes the training time range: train on the TrainDays
// days before TrainDate, drawing timestamps rounded to StepMinutes.
type TrainDateSplit struct {
	TrainDate   time.Time
	TrainDays   int
	StepMinutes int
}

// Range returns the [start, end) time range to sample from.
func (s TrainDateSplit) Range() (start, end time.Time) {
	end = s.TrainDate
	start = end.AddDate(0, 0, -s.TrainDays)
	return start, end
}

// TestDateSplit describes the evaluation time range.
type TestDateSplit struct {
	StartDate   time.Time
	EndDate     time.Time
	StepMinutes int
}

package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"sitecast/internal/history"
	"sitecast/internal/types"
)

var t0 = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

func testSource(t *testing.T) history.Source {
	t.Helper()
	readings := map[types.SiteID][]history.Reading{
		"a": {
			{TS: t0.Add(10 * time.Minute), PowerKW: 2},
			{TS: t0.Add(20 * time.Minute), PowerKW: 4},
			{TS: t0.Add(70 * time.Minute), PowerKW: 6},
		},
		"b": {},
	}
	src, err := history.NewMemorySource(readings, nil, 0)
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	return src
}

func TestSweepIteratorCoversRange(t *testing.T) {
	it := NewSweepIterator([]types.SiteID{"a", "b"}, t0, t0.Add(time.Hour), 30)

	var got []types.X
	for {
		x, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, x)
	}
	want := []types.X{
		{SiteID: "a", TS: t0},
		{SiteID: "a", TS: t0.Add(30 * time.Minute)},
		{SiteID: "b", TS: t0},
		{SiteID: "b", TS: t0.Add(30 * time.Minute)},
	}
	if len(got) != len(want) {
		t.Fatalf("sweep yielded %d points, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].SiteID != want[i].SiteID || !got[i].TS.Equal(want[i].TS) {
			t.Errorf("point %d = %v, want %v", i, got[i], want[i])
		}
	}

	// Exhausted iterators stay exhausted.
	if _, ok := it.Next(); ok {
		t.Error("iterator yielded past exhaustion")
	}
}

func TestSweepIteratorRoundsStart(t *testing.T) {
	start := t0.Add(7 * time.Minute)
	it := NewSweepIterator([]types.SiteID{"a"}, start, start.Add(20*time.Minute), 15)
	x, ok := it.Next()
	if !ok {
		t.Fatal("no points")
	}
	if x.TS.Minute()%15 != 0 {
		t.Errorf("first timestamp %v not on the step grid", x.TS)
	}
}

func TestRandomIteratorProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	start, end := t0, t0.Add(48*time.Hour)
	it := NewRandomIterator([]types.SiteID{"a", "b", "c"}, start, end, 15, rng)

	seenSites := map[types.SiteID]bool{}
	for i := 0; i < 200; i++ {
		x, ok := it.Next()
		if !ok {
			t.Fatal("random iterator exhausted")
		}
		if x.TS.Before(start) || !x.TS.Before(end.Add(time.Minute)) {
			t.Errorf("timestamp %v outside range", x.TS)
		}
		if x.TS.Minute()%15 != 0 || x.TS.Second() != 0 {
			t.Errorf("timestamp %v not rounded to the step", x.TS)
		}
		seenSites[x.SiteID] = true
	}
	if len(seenSites) != 3 {
		t.Errorf("saw sites %v, want all three", seenSites)
	}

	// Same seed, same stream.
	it2 := NewRandomIterator([]types.SiteID{"a", "b", "c"}, start, end, 15, rand.New(rand.NewSource(42)))
	it3 := NewRandomIterator([]types.SiteID{"a", "b", "c"}, start, end, 15, rand.New(rand.NewSource(42)))
	for i := 0; i < 50; i++ {
		x2, _ := it2.Next()
		x3, _ := it3.Next()
		if x2 != x3 {
			t.Fatalf("draw %d differs between identical seeds: %v vs %v", i, x2, x3)
		}
	}
}

func TestTargetFor(t *testing.T) {
	src := testSource(t)
	horizons := types.MustHorizons(30, 3)

	y, ok, err := TargetFor(context.Background(), src, types.X{SiteID: "a", TS: t0}, horizons)
	if err != nil || !ok {
		t.Fatalf("TargetFor: ok=%v err=%v", ok, err)
	}
	// Horizon 0 covers [0m, 30m-1s]: readings 2 and 4.
	if y.Powers[0] != 3 {
		t.Errorf("horizon 0 mean = %v, want 3", y.Powers[0])
	}
	// Horizon 1 covers [30m, 60m-1s]: no readings.
	if !math.IsNaN(y.Powers[1]) {
		t.Errorf("horizon 1 = %v, want NaN", y.Powers[1])
	}
	// Horizon 2 covers [60m, 90m-1s]: the reading at 70m.
	if y.Powers[2] != 6 {
		t.Errorf("horizon 2 = %v, want 6", y.Powers[2])
	}
}

func TestTargetForWindowBoundaryIsExclusive(t *testing.T) {
	// A reading exactly at a horizon's end offset belongs to the next
	// horizon, not this one.
	readings := map[types.SiteID][]history.Reading{
		"a": {{TS: t0.Add(30 * time.Minute), PowerKW: 9}},
	}
	src, err := history.NewMemorySource(readings, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	y, ok, err := TargetFor(context.Background(), src, types.X{SiteID: "a", TS: t0}, types.MustHorizons(30, 2))
	if err != nil || !ok {
		t.Fatalf("TargetFor: ok=%v err=%v", ok, err)
	}
	if !math.IsNaN(y.Powers[0]) || y.Powers[1] != 9 {
		t.Errorf("powers = %v, want [NaN, 9]", y.Powers)
	}
}

func TestTargetForNoUsableTarget(t *testing.T) {
	src := testSource(t)
	horizons := types.MustHorizons(30, 2)

	// Site with no data at all.
	_, ok, err := TargetFor(context.Background(), src, types.X{SiteID: "b", TS: t0}, horizons)
	if err != nil || ok {
		t.Errorf("empty site: ok=%v err=%v", ok, err)
	}

	// Window past all the data: every horizon NaN, sample dropped.
	_, ok, err = TargetFor(context.Background(), src, types.X{SiteID: "a", TS: t0.Add(24 * time.Hour)}, horizons)
	if err != nil || ok {
		t.Errorf("all-NaN target: ok=%v err=%v", ok, err)
	}
}

func TestSplitSitesIsStableAndDisjoint(t *testing.T) {
	readings := map[types.SiteID][]history.Reading{}
	for i := 0; i < 200; i++ {
		id := types.SiteID(fmt.Sprintf("site_%03d", i))
		readings[id] = []history.Reading{{TS: t0, PowerKW: 1}}
	}
	src, err := history.NewMemorySource(readings, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	s1, err := SplitSites(context.Background(), src, 0.9, 0.1)
	if err != nil {
		t.Fatalf("SplitSites: %v", err)
	}
	s2, err := SplitSites(context.Background(), src, 0.9, 0.1)
	if err != nil {
		t.Fatal(err)
	}

	// Stable across calls.
	if len(s1.Train) != len(s2.Train) || len(s1.Test) != len(s2.Test) || len(s1.Valid) != len(s2.Valid) {
		t.Fatalf("splits differ between runs: %v vs %v", s1, s2)
	}

	// Disjoint and complete.
	seen := map[types.SiteID]int{}
	for _, set := range [][]types.SiteID{s1.Train, s1.Valid, s1.Test} {
		for _, id := range set {
			seen[id]++
		}
	}
	if len(seen) != 200 {
		t.Errorf("%d sites assigned, want 200", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("site %s assigned to %d sets", id, n)
		}
	}
	if len(s1.Train) == 0 || len(s1.Test) == 0 {
		t.Errorf("degenerate split: train=%d test=%d", len(s1.Train), len(s1.Test))
	}
}

func TestSplitSitesDisabled(t *testing.T) {
	src := testSource(t)
	s, err := SplitSites(context.Background(), src, -1, 0)
	if err != nil {
		t.Fatalf("SplitSites: %v", err)
	}
	if len(s.Train) != 2 || len(s.Valid) != 2 || len(s.Test) != 2 {
		t.Errorf("disabled split should use all sites everywhere: %+v", s)
	}
}

func TestTrainDateSplitRange(t *testing.T) {
	split := TrainDateSplit{TrainDate: t0, TrainDays: 30, StepMinutes: 15}
	start, end := split.Range()
	if !end.Equal(t0) || !start.Equal(t0.AddDate(0, 0, -30)) {
		t.Errorf("range = [%v, %v)", start, end)
	}
}

package gridded

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"sitecast/internal/types"
)

// --- Mock object store ---

type mockStore struct {
	objects  map[string][]byte
	failKeys map[string]error
	calls    int
}

func newMockStore() *mockStore {
	return &mockStore{
		objects:  make(map[string][]byte),
		failKeys: make(map[string]error),
	}
}

func (m *mockStore) put(key string, data []byte) {
	m.objects[key] = data
}

func (m *mockStore) Get(_ context.Context, key string) ([]byte, error) {
	m.calls++
	if err, ok := m.failKeys[key]; ok {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", key)
	}
	return data, nil
}

// --- Fixture helpers ---

func compressZstd(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// putArchive writes a 2x1 grid, 2 init times, 2 lead steps and 1 variable
// into the store. Values are vi-less: value = 100*ti + 10*si + xi.
func putArchive(t *testing.T, store *mockStore, prefix string) {
	t.Helper()
	meta := ArchiveMeta{
		XS:              []float64{0, 1},
		YS:              []float64{51},
		InitTimes:       []string{"2023-06-01T00:00:00Z", "2023-06-01T06:00:00Z"},
		LeadStepMinutes: []int{0, 60},
		Variables:       []string{"dswrf"},
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal meta: %v", err)
	}
	store.put(prefix+"/meta.json", metaRaw)

	for ti := 0; ti < 2; ti++ {
		// Chunk layout (step, y, x, var).
		raw := make([]byte, 0, 2*1*2*1*4)
		for si := 0; si < 2; si++ {
			for xi := 0; xi < 2; xi++ {
				v := float32(100*ti + 10*si + xi)
				var buf [4]byte
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
				raw = append(raw, buf[:]...)
			}
		}
		store.put(fmt.Sprintf("%s/chunk.%d", prefix, ti), compressZstd(t, raw))
	}
}

func TestOpenArchive(t *testing.T) {
	store := newMockStore()
	putArchive(t, store, "nwp/ukv")

	grid, err := OpenArchive(context.Background(), store, "nwp/ukv", testLogger())
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}

	if got := grid.Variables(); len(got) != 1 || got[0] != "dswrf" {
		t.Errorf("variables = %v", got)
	}
	inits := grid.InitTimes()
	if len(inits) != 2 || !inits[0].Equal(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("init times = %v", inits)
	}

	// Spot-check scattering into the (x, y, init, step, var) layout.
	cases := []struct {
		xi, ti, si int
		want       float64
	}{
		{0, 0, 0, 0},
		{1, 0, 0, 1},
		{0, 1, 0, 100},
		{1, 1, 1, 111},
	}
	for _, tc := range cases {
		if got := grid.At(tc.xi, 0, tc.ti, tc.si, 0); got != tc.want {
			t.Errorf("At(x=%d, t=%d, s=%d) = %v, want %v", tc.xi, tc.ti, tc.si, got, tc.want)
		}
	}
}

func TestOpenArchiveMissingMeta(t *testing.T) {
	store := newMockStore()
	_, err := OpenArchive(context.Background(), store, "nwp/ukv", testLogger())
	if !types.IsCode(err, types.ErrCodeStore) {
		t.Fatalf("got %v, want store_unavailable", err)
	}
}

func TestOpenArchiveCorruptChunk(t *testing.T) {
	store := newMockStore()
	putArchive(t, store, "nwp/ukv")
	store.put("nwp/ukv/chunk.1", []byte("not zstd"))

	_, err := OpenArchive(context.Background(), store, "nwp/ukv", testLogger())
	if !types.IsCode(err, types.ErrCodeStore) {
		t.Fatalf("got %v, want store_unavailable", err)
	}
}

func TestOpenArchiveShortChunk(t *testing.T) {
	store := newMockStore()
	putArchive(t, store, "nwp/ukv")
	store.put("nwp/ukv/chunk.0", compressZstd(t, []byte{1, 2, 3, 4}))

	_, err := OpenArchive(context.Background(), store, "nwp/ukv", testLogger())
	if !types.IsCode(err, types.ErrCodeStore) {
		t.Fatalf("got %v, want store_unavailable", err)
	}
}

func TestBreakerStoreOpensAfterConsecutiveFailures(t *testing.T) {
	inner := newMockStore()
	boom := errors.New("backend down")
	inner.failKeys["k"] = boom
	store := NewBreakerStore(inner, "test-archive")

	// Drive the breaker open.
	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = store.Get(context.Background(), "k")
	}
	if !types.IsCode(lastErr, types.ErrCodeStore) {
		t.Fatalf("open breaker should map to store_unavailable, got %v", lastErr)
	}

	// Once open, the inner store is no longer called.
	calls := inner.calls
	_, _ = store.Get(context.Background(), "k")
	if inner.calls != calls {
		t.Errorf("inner store called while circuit open")
	}
}

func TestBreakerStorePassesThrough(t *testing.T) {
	inner := newMockStore()
	inner.put("k", []byte("payload"))
	store := NewBreakerStore(inner, "test-archive")

	data, err := store.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}
}

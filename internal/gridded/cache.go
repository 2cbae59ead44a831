package gridded

import (
	"bytes"
	"crypto/sha1"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// queryCache is an on-disk cache of Get results, keyed by a content hash of
// every query input. It only ever changes performance, never results: a hit
// returns exactly what the slice computation would have produced.
type queryCache struct {
	dir string
}

func newQueryCache(dir string) (*queryCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &queryCache{dir: dir}, nil
}

// cacheKey derives a stable hash from all the inputs that can influence a
// query result. The grid fingerprint keeps sources sharing one cache
// directory from serving each other's results.
func cacheKey(
	grid string,
	now time.Time,
	timestamps []time.Time,
	filter LocationFilter,
	lag time.Duration,
	tolerance time.Duration,
) string {
	h := sha1.New()
	fmt.Fprintf(h, "grid=%s;now=%d;lag=%d;tol=%d;", grid, now.UnixNano(), lag, tolerance)
	for _, ts := range timestamps {
		fmt.Fprintf(h, "ts=%d;", ts.UnixNano())
	}
	if filter.Nearest != nil {
		fmt.Fprintf(h, "near=%v,%v;", filter.Nearest.Lat, filter.Nearest.Lon)
	}
	if filter.Bounds != nil {
		b := filter.Bounds
		fmt.Fprintf(h, "box=%v,%v,%v,%v;", b.MinLat, b.MaxLat, b.MinLon, b.MaxLon)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (c *queryCache) path(key string) string {
	return filepath.Join(c.dir, key)
}

func (c *queryCache) get(key string) (*Slice, bool) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	var sl Slice
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sl); err != nil {
		// A corrupt entry behaves like a miss.
		return nil, false
	}
	return &sl, true
}

func (c *queryCache) put(key string, sl *Slice, logger *slog.Logger) {
	if sl == nil {
		// "No data within tolerance" results are cheap to recompute and
		// encode awkwardly; skip them.
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sl); err != nil {
		logger.Warn("forecast cache encode failed", "error", err)
		return
	}
	if err := os.WriteFile(c.path(key), buf.Bytes(), 0o644); err != nil {
		logger.Warn("forecast cache write failed", "error", err)
	}
}

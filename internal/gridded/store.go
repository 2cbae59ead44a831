package gridded

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker/v2"

	"sitecast/internal/types"
)

// Archive layout: a JSON metadata object plus one zstd-compressed chunk of
// little-endian float32 values per init time, row-major over
// (lead-step, y, x, variable).
const (
	metaObjectName = "meta.json"

	float32ByteSize = 4
)

// ArchiveMeta describes a stored forecast grid.
type ArchiveMeta struct {
	XS              []float64 `json:"xs"`
	YS              []float64 `json:"ys"`
	InitTimes       []string  `json:"init_times"`        // RFC3339, ascending
	LeadStepMinutes []int     `json:"lead_step_minutes"` // ascending
	Variables       []string  `json:"variables"`
}

// ObjectStore abstracts object retrieval so that archives can live on S3 in
// production and in-memory maps in tests.
type ObjectStore interface {
	// Get fetches an object by key and returns its raw bytes.
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads archive objects from a single S3 bucket.
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store creates an ObjectStore over an S3 bucket.
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Get implements ObjectStore.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// BreakerStore wraps an ObjectStore with a circuit breaker so that a
// misbehaving archive store fails fast instead of stalling every query
// point. An open circuit surfaces as a recoverable store error.
type BreakerStore struct {
	inner   ObjectStore
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewBreakerStore decorates an ObjectStore with a circuit breaker that
// trips after 5 consecutive failures.
func NewBreakerStore(inner ObjectStore, name string) *BreakerStore {
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &BreakerStore{inner: inner, breaker: cb}
}

// Get implements ObjectStore through the breaker.
func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.breaker.Execute(func() ([]byte, error) {
		return s.inner.Get(ctx, key)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.NewError(types.ErrCodeStore, "forecast archive store circuit open", err)
		}
		return nil, err
	}
	return data, nil
}

// OpenArchive loads a full Grid from an archive at the given key prefix.
// The grid is loaded eagerly: archives are sized for the training window
// and a resident grid keeps Get pure and fast.
func OpenArchive(ctx context.Context, store ObjectStore, prefix string, logger *slog.Logger) (*Grid, error) {
	if logger == nil {
		logger = slog.Default()
	}

	metaRaw, err := store.Get(ctx, prefix+"/"+metaObjectName)
	if err != nil {
		return nil, types.NewError(types.ErrCodeStore, "reading archive metadata", err)
	}
	var meta ArchiveMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, types.NewError(types.ErrCodeStore, "parsing archive metadata", err)
	}

	initTimes := make([]time.Time, len(meta.InitTimes))
	for i, s := range meta.InitTimes {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, types.NewError(types.ErrCodeStore,
				fmt.Sprintf("archive init time %q is not RFC3339", s), err)
		}
		initTimes[i] = ts
	}
	leadSteps := make([]time.Duration, len(meta.LeadStepMinutes))
	for i, m := range meta.LeadStepMinutes {
		leadSteps[i] = time.Duration(m) * time.Minute
	}

	nx, ny := len(meta.XS), len(meta.YS)
	ns, nv := len(leadSteps), len(meta.Variables)
	chunkValues := ns * ny * nx * nv

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	// values is (x, y, init, step, var) row-major, the Grid layout.
	values := make([]float64, nx*ny*len(initTimes)*ns*nv)
	for ti := range initTimes {
		key := fmt.Sprintf("%s/chunk.%d", prefix, ti)
		raw, err := store.Get(ctx, key)
		if err != nil {
			return nil, types.NewError(types.ErrCodeStore, "reading archive chunk "+key, err)
		}
		chunk, err := dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, types.NewError(types.ErrCodeStore, "decompressing archive chunk "+key, err)
		}
		if len(chunk) != chunkValues*float32ByteSize {
			return nil, types.NewError(types.ErrCodeStore,
				fmt.Sprintf("archive chunk %s has %d bytes, want %d", key, len(chunk), chunkValues*float32ByteSize), nil)
		}
		// Chunk layout is (step, y, x, var); scatter into the grid layout.
		o := 0
		for si := 0; si < ns; si++ {
			for yi := 0; yi < ny; yi++ {
				for xi := 0; xi < nx; xi++ {
					for vi := 0; vi < nv; vi++ {
						bits := binary.LittleEndian.Uint32(chunk[o : o+float32ByteSize])
						idx := ((((xi*ny)+yi)*len(initTimes)+ti)*ns+si)*nv + vi
						values[idx] = float64(math.Float32frombits(bits))
						o += float32ByteSize
					}
				}
			}
		}
	}

	logger.Info("forecast archive loaded",
		"prefix", prefix,
		"init_times", len(initTimes),
		"lead_steps", ns,
		"variables", nv,
		"grid", fmt.Sprintf("%dx%d", nx, ny),
	)

	return NewGrid(meta.XS, meta.YS, initTimes, leadSteps, meta.Variables, values)
}

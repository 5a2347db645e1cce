package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zdm/zdm/internal/telemetry"
	"github.com/zdm/zdm/internal/transfer"
)

// rangeOffset extracts the first byte offset of a Range request header.
func rangeOffset(r *http.Request) int64 {
	spec := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return -1
	}

	start, err := strconv.ParseInt(spec[:dash], 10, 64)
	if err != nil {
		return -1
	}

	return start
}

// memoryStore is an in-memory ManifestStore for exercising the fetcher
// without a sidecar database.
type memoryStore struct {
	mu       sync.Mutex
	statuses map[int]transfer.PieceStatus
	digests  map[int]string
	mirrors  map[int]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		statuses: make(map[int]transfer.PieceStatus),
		digests:  make(map[int]string),
		mirrors:  make(map[int]string),
	}
}

func (s *memoryStore) LoadOrCreate(dest string, fileSize, pieceSize int64, plan []transfer.Piece) (*transfer.Record, bool, error) {
	return nil, false, nil
}

func (s *memoryStore) MarkInFlight(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[idx] = transfer.StatusInFlight

	return nil
}

func (s *memoryStore) MarkVerified(idx int, digest, mirror string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[idx] = transfer.StatusVerified
	s.digests[idx] = digest
	s.mirrors[idx] = mirror

	return nil
}

func (s *memoryStore) MarkPending(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[idx] = transfer.StatusPending

	return nil
}

func (s *memoryStore) MarkFailed(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[idx] = transfer.StatusFailed

	return nil
}

func (s *memoryStore) Snapshot() (*transfer.Record, error) { return nil, nil }
func (s *memoryStore) Retire() error                       { return nil }
func (s *memoryStore) Close() error                        { return nil }

func (s *memoryStore) status(idx int) transfer.PieceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.statuses[idx]
}

func (s *memoryStore) mirror(idx int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mirrors[idx]
}

func newFetcher(t *testing.T, store *memoryStore, mirrors []string, size int64) (*pieceFetcher, *os.File) {
	t.Helper()

	out, err := os.Create(filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	require.NoError(t, out.Truncate(size))

	t.Cleanup(func() { out.Close() })

	return &pieceFetcher{
		client:      http.DefaultClient,
		store:       store,
		out:         out,
		mirrors:     mirrors,
		userAgent:   "zdm-test/1.0",
		timeout:     5 * time.Second,
		maxParallel: 2,
		tel:         &telemetry.Telemetry{},
	}, out
}

func mustPlan(t *testing.T, fileSize, pieceSize int64) *transfer.Record {
	t.Helper()

	plan, err := transfer.Plan(fileSize, pieceSize)
	require.NoError(t, err)

	return &transfer.Record{FileSize: fileSize, PieceSize: pieceSize, Pieces: plan}
}

func TestFetchAll_AttributesMirrorPerPiece(t *testing.T) {
	data := []byte("0123456789abcdef0123456789abcdef")

	// Rejects the second piece so it has to come from the backup.
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rangeOffset(r) >= 16 {
			http.Error(w, "nope", http.StatusInternalServerError)

			return
		}

		http.ServeContent(w, r, "out.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer primary.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "out.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer backup.Close()

	store := newMemoryStore()
	fetcher, out := newFetcher(t, store, []string{primary.URL, backup.URL}, int64(len(data)))
	record := mustPlan(t, int64(len(data)), 16)

	require.NoError(t, fetcher.fetchAll(context.Background(), record))

	assert.Equal(t, primary.URL, store.mirror(0))
	assert.Equal(t, backup.URL, store.mirror(1))
	assert.Equal(t, transfer.StatusVerified, store.status(0))
	assert.Equal(t, transfer.StatusVerified, store.status(1))

	got := make([]byte, len(data))
	_, err := out.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchAll_SortsUnresolvedPieces(t *testing.T) {
	data := make([]byte, 5*16)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := rangeOffset(r) / 16
		if idx == 1 || idx == 4 {
			http.Error(w, "nope", http.StatusInternalServerError)

			return
		}

		http.ServeContent(w, r, "out.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer down.Close()

	store := newMemoryStore()
	fetcher, _ := newFetcher(t, store, []string{down.URL}, int64(len(data)))
	record := mustPlan(t, int64(len(data)), 16)

	err := fetcher.fetchAll(context.Background(), record)
	require.Error(t, err)

	var partial *transfer.PartialFailure
	require.ErrorAs(t, err, &partial)

	assert.Equal(t, []int{1, 4}, partial.Indices())
	assert.Equal(t, 3, partial.Verified)
	assert.Equal(t, 5, partial.Total)
	assert.Equal(t, transfer.StatusFailed, store.status(1))
	assert.Equal(t, transfer.StatusFailed, store.status(4))
}

func TestFetchPiece_EnforcesPinnedDigest(t *testing.T) {
	data := []byte("the quick brown fox jumps over!!")

	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "out.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer mirror.Close()

	store := newMemoryStore()
	fetcher, _ := newFetcher(t, store, []string{mirror.URL}, int64(len(data)))
	record := mustPlan(t, int64(len(data)), int64(len(data)))

	// Pin a digest the mirror cannot reproduce.
	other := sha256.Sum256([]byte("different bytes entirely"))
	record.Pieces[0].Digest = hex.EncodeToString(other[:])

	err := fetcher.fetchPiece(context.Background(), record, 0)
	require.Error(t, err)

	var mismatch *transfer.IntegrityMismatchError
	require.ErrorAs(t, err, &mismatch)

	assert.Equal(t, 0, mismatch.Index)
	assert.Equal(t, mirror.URL, mismatch.Mirror)
	assert.NotEqual(t, transfer.StatusVerified, store.status(0), "a conflicting piece must never be marked verified")
}

func TestFetchAll_NothingPending(t *testing.T) {
	store := newMemoryStore()
	fetcher, _ := newFetcher(t, store, nil, 32)

	record := mustPlan(t, 32, 16)
	for i := range record.Pieces {
		record.Pieces[i].Status = transfer.StatusVerified
	}

	assert.NoError(t, fetcher.fetchAll(context.Background(), record))
}

func TestFetchAll_CancellationMidRotationIsNotPartialFailure(t *testing.T) {
	data := make([]byte, 16)

	ctx, cancel := context.WithCancel(context.Background())

	// Cancels the run while the only pending piece is mid-rotation, so the
	// failed request must be classified as cancellation, not exhaustion.
	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))
	defer stall.Close()

	store := newMemoryStore()
	fetcher, _ := newFetcher(t, store, []string{stall.URL}, int64(len(data)))
	record := mustPlan(t, int64(len(data)), 16)

	err := fetcher.fetchAll(ctx, record)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var partial *transfer.PartialFailure
	assert.False(t, errors.As(err, &partial), "cancellation must not be reported as exhausted pieces")
}

func TestRequestRange_RejectsFullBodyResponse(t *testing.T) {
	data := []byte("no ranges here")

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer plain.Close()

	store := newMemoryStore()
	fetcher, _ := newFetcher(t, store, []string{plain.URL}, int64(len(data)))
	record := mustPlan(t, int64(len(data)), 8)

	_, err := fetcher.requestRange(context.Background(), plain.URL, &record.Pieces[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected partial content")
}

func TestRequestRange_RejectsShortBody(t *testing.T) {
	short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-7/16")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abc"))
	}))
	defer short.Close()

	store := newMemoryStore()
	fetcher, _ := newFetcher(t, store, []string{short.URL}, 16)
	record := mustPlan(t, 16, 8)

	_, err := fetcher.requestRange(context.Background(), short.URL, &record.Pieces[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short read")
}

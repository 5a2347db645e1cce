package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zdm/zdm/internal/logctx"
	"github.com/zdm/zdm/internal/probe"
	"github.com/zdm/zdm/internal/storage"
	"github.com/zdm/zdm/internal/telemetry"
	"github.com/zdm/zdm/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// State is the orchestrator's position in the download lifecycle.
type State string

const (
	StateProbing    State = "probing"
	StatePlanning   State = "planning"
	StateFetching   State = "fetching"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Config carries the caller-supplied engine settings.
type Config struct {
	PieceSize   int64
	MaxParallel int
	Timeout     time.Duration
	UserAgent   string
	Telemetry   *telemetry.Telemetry
}

// Result is the terminal outcome of a successful download.
type Result struct {
	Path       string
	Size       int64
	Pieces     int
	Resumed    bool
	Sequential bool
	Digest     string // whole-file SHA-256, sequential path only, informational
}

// Downloader is the transfer engine: it probes mirrors, plans pieces,
// drives the concurrent fetch or the sequential fallback, and finalizes
// the destination file.
type Downloader struct {
	client      *http.Client
	prober      *probe.Prober
	manifests   storage.ManifestOpener
	pieceSize   int64
	maxParallel int
	timeout     time.Duration
	userAgent   string
	tel         *telemetry.Telemetry

	mu     sync.Mutex
	active map[string]*activeTransfer
}

func New(client *http.Client, manifests storage.ManifestOpener, cfg Config) *Downloader {
	if cfg.Telemetry == nil {
		cfg.Telemetry = &telemetry.Telemetry{}
	}

	return &Downloader{
		client:      client,
		prober:      probe.NewProber(client, cfg.UserAgent, cfg.Timeout),
		manifests:   manifests,
		pieceSize:   cfg.PieceSize,
		maxParallel: cfg.MaxParallel,
		timeout:     cfg.Timeout,
		userAgent:   cfg.UserAgent,
		tel:         cfg.Telemetry,
		active:      make(map[string]*activeTransfer),
	}
}

// activeTransfer is the live progress of one running download, read by the
// status API from other goroutines. Everything mutable after registration
// is atomic; only dest and started are fixed before register.
type activeTransfer struct {
	dest        string
	started     time.Time
	state       atomic.Value // State
	size        atomic.Int64
	sequential  atomic.Bool
	totalPieces atomic.Int64
	verified    atomic.Int64 // verified piece count
	bytes       atomic.Int64 // verified bytes on disk
}

// Status is a point-in-time snapshot of a running transfer.
type Status struct {
	Destination string    `json:"destination"`
	State       State     `json:"state"`
	Sequential  bool      `json:"sequential"`
	Size        int64     `json:"size"`
	Bytes       int64     `json:"bytes_downloaded"`
	TotalPieces int       `json:"total_pieces"`
	Verified    int       `json:"verified_pieces"`
	Progress    float64   `json:"progress"`
	StartedAt   time.Time `json:"started_at"`
}

// Active returns a snapshot of every running transfer.
func (d *Downloader) Active() []Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	statuses := make([]Status, 0, len(d.active))

	for _, st := range d.active {
		s := Status{
			Destination: st.dest,
			State:       st.state.Load().(State),
			Sequential:  st.sequential.Load(),
			Size:        st.size.Load(),
			Bytes:       st.bytes.Load(),
			TotalPieces: int(st.totalPieces.Load()),
			Verified:    int(st.verified.Load()),
			StartedAt:   st.started,
		}

		if s.Size > 0 {
			s.Progress = float64(s.Bytes) / float64(s.Size)
		}

		statuses = append(statuses, s)
	}

	return statuses
}

// Download fetches one logical file from the given mirrors into dest.
// On resumable failures the sidecar manifest is left intact, so a later
// invocation with identical configuration picks up the remaining pieces.
// Two concurrent invocations for the same destination are not supported;
// callers must serialize at that granularity.
func (d *Downloader) Download(ctx context.Context, mirrors []string, dest string) (*Result, error) {
	if len(mirrors) == 0 {
		return nil, &transfer.ConfigurationError{Setting: "mirrors", Reason: "at least one mirror URL is required"}
	}

	if dest == "" {
		return nil, &transfer.ConfigurationError{Setting: "destination", Reason: "must not be empty"}
	}

	if d.maxParallel <= 0 {
		return nil, &transfer.ConfigurationError{Setting: "max_parallel", Reason: "must be positive"}
	}

	ctx = logctx.With(ctx, "destination", dest)

	st := &activeTransfer{dest: dest, started: time.Now()}
	st.state.Store(StateProbing)
	d.register(st)
	defer d.unregister(dest)

	var result *Result

	err := d.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		var err error

		result, err = d.run(ctx, mirrors, dest, st)
		if err != nil {
			st.state.Store(StateFailed)
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (d *Downloader) run(ctx context.Context, mirrors []string, dest string, st *activeTransfer) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	// PROBING: learn total size and range capability across mirrors.
	d.setState(ctx, st, StateProbing)

	var caps *probe.Capabilities

	err := d.tel.InstrumentProbe(ctx, func(ctx context.Context) error {
		var probeErr error

		caps, probeErr = d.prober.Probe(ctx, mirrors)

		return probeErr
	})
	if err != nil {
		return nil, err
	}

	st.size.Store(caps.Size)

	logger.Info("mirrors probed",
		"size", humanize.Bytes(uint64(caps.Size)),
		"supports_range", caps.SupportsRange,
		"primary", caps.Primary)

	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	if !caps.SupportsRange {
		return d.downloadSequential(ctx, mirrors, dest, caps.Size, st)
	}

	return d.downloadPieces(ctx, caps, dest, st)
}

func (d *Downloader) downloadSequential(ctx context.Context, mirrors []string, dest string, size int64, st *activeTransfer) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	st.sequential.Store(true)

	logger.Warn("no mirror supports ranged retrieval, falling back to sequential download")

	d.setState(ctx, st, StateFetching)

	digest, err := d.runSequential(ctx, mirrors, dest, size, st)
	if err != nil {
		return nil, err
	}

	d.setState(ctx, st, StateFinalizing)

	if err := verifySize(dest, size); err != nil {
		return nil, err
	}

	d.setState(ctx, st, StateDone)

	logger.Info("sequential download finished", "size", humanize.Bytes(uint64(size)), "sha256", digest)

	return &Result{Path: dest, Size: size, Sequential: true, Digest: digest}, nil
}

func (d *Downloader) downloadPieces(ctx context.Context, caps *probe.Capabilities, dest string, st *activeTransfer) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	// PLANNING: compute the piece plan and reconcile the manifest.
	d.setState(ctx, st, StatePlanning)

	plan, err := transfer.Plan(caps.Size, d.pieceSize)
	if err != nil {
		return nil, err
	}

	store, err := d.manifests.Open(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}

	retired := false
	defer func() {
		if !retired {
			store.Close()
		}
	}()

	record, resumed, err := store.LoadOrCreate(dest, caps.Size, d.pieceSize, plan)
	if err != nil {
		return nil, err
	}

	out, err := openDestination(dest, record.FileSize)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	if resumed {
		if err := recheckVerified(ctx, out, record, store); err != nil {
			return nil, err
		}

		logger.Info("resuming transfer",
			"verified_pieces", record.Verified(),
			"total_pieces", len(record.Pieces))
	}

	st.totalPieces.Store(int64(len(record.Pieces)))
	st.verified.Store(int64(record.Verified()))
	st.bytes.Store(verifiedBytes(record))

	// FETCHING: pull pending pieces concurrently from range-capable mirrors.
	d.setState(ctx, st, StateFetching)

	fetcher := &pieceFetcher{
		client:      d.client,
		store:       store,
		out:         out,
		mirrors:     caps.Ranged,
		userAgent:   d.userAgent,
		timeout:     d.timeout,
		maxParallel: d.maxParallel,
		tel:         d.tel,
		onVerified: func(bytes int64) {
			st.verified.Add(1)
			st.bytes.Add(bytes)
		},
	}

	if err := fetcher.fetchAll(ctx, record); err != nil {
		return nil, err
	}

	// FINALIZING: confirm the file and every piece, then retire the manifest.
	d.setState(ctx, st, StateFinalizing)

	if err := verifySize(dest, record.FileSize); err != nil {
		return nil, err
	}

	snapshot, err := store.Snapshot()
	if err != nil {
		return nil, err
	}

	if !snapshot.Complete() {
		return nil, fmt.Errorf("finalize check failed: %d/%d pieces verified",
			snapshot.Verified(), len(snapshot.Pieces))
	}

	if err := store.Retire(); err != nil {
		return nil, err
	}

	retired = true

	d.setState(ctx, st, StateDone)

	logger.Info("download finished",
		"size", humanize.Bytes(uint64(record.FileSize)),
		"pieces", len(record.Pieces),
		"resumed", resumed)

	return &Result{
		Path:    dest,
		Size:    record.FileSize,
		Pieces:  len(record.Pieces),
		Resumed: resumed,
	}, nil
}

// openDestination opens the byte container sized to the full file, so
// out-of-order concurrent piece writes are always within bounds.
func openDestination(dest string, size int64) (*os.File, error) {
	out, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		out.Close()

		return nil, fmt.Errorf("failed to stat destination file: %w", err)
	}

	if info.Size() != size {
		if err := out.Truncate(size); err != nil {
			out.Close()

			return nil, fmt.Errorf("failed to size destination file: %w", err)
		}
	}

	return out, nil
}

// recheckVerified re-hashes every piece the manifest records as verified.
// Locally corrupted pieces are demoted to pending while keeping their
// expected digest, so the refetch is still enforced against the
// trust-on-first-use hash.
func recheckVerified(ctx context.Context, out *os.File, record *transfer.Record, store storage.ManifestStore) error {
	logger := logctx.LoggerFromContext(ctx)

	buf := make([]byte, 0)

	for i := range record.Pieces {
		piece := &record.Pieces[i]
		if piece.Status != transfer.StatusVerified {
			continue
		}

		if int64(cap(buf)) < piece.Length {
			buf = make([]byte, piece.Length)
		}

		buf = buf[:piece.Length]

		if _, err := out.ReadAt(buf, piece.Offset); err != nil && err != io.EOF {
			return fmt.Errorf("failed to read piece %d for recheck: %w", piece.Index, err)
		}

		sum := sha256.Sum256(buf)
		if hex.EncodeToString(sum[:]) == piece.Digest {
			continue
		}

		logger.Warn("verified piece no longer matches its digest, refetching", "piece", piece.Index)

		if err := store.MarkPending(piece.Index); err != nil {
			return err
		}

		piece.Status = transfer.StatusPending
	}

	return nil
}

func verifySize(dest string, want int64) error {
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("failed to stat destination file: %w", err)
	}

	if info.Size() != want {
		return fmt.Errorf("finalize check failed: destination is %d bytes, want %d", info.Size(), want)
	}

	return nil
}

func verifiedBytes(record *transfer.Record) int64 {
	var n int64

	for i := range record.Pieces {
		if record.Pieces[i].Status == transfer.StatusVerified {
			n += record.Pieces[i].Length
		}
	}

	return n
}

func (d *Downloader) setState(ctx context.Context, st *activeTransfer, state State) {
	st.state.Store(state)

	logctx.LoggerFromContext(ctx).Debug("transfer state changed", "state", string(state))
}

func (d *Downloader) register(st *activeTransfer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.active[st.dest] = st
}

func (d *Downloader) unregister(dest string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.active, dest)
}

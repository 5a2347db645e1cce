package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/zdm/zdm/internal/logctx"
	"github.com/zdm/zdm/internal/storage"
	"github.com/zdm/zdm/internal/telemetry"
	"github.com/zdm/zdm/internal/transfer"
)

// pieceFetcher downloads pending pieces with a bounded worker pool.
// Each piece is claimed by exactly one worker; piece-level failures rotate
// to the next mirror for that piece only, and a piece that exhausts every
// mirror is collected into a PartialFailure without stopping the others.
type pieceFetcher struct {
	client      *http.Client
	store       storage.ManifestStore
	out         *os.File
	mirrors     []string
	userAgent   string
	timeout     time.Duration
	maxParallel int
	tel         *telemetry.Telemetry
	onVerified  func(bytes int64)
}

// fetchAll drives every pending piece of the record to verified, or
// returns a PartialFailure listing the pieces that exhausted all mirrors.
// Integrity conflicts and context cancellation abort the whole run.
func (f *pieceFetcher) fetchAll(ctx context.Context, record *transfer.Record) error {
	pending := record.Pending()
	if len(pending) == 0 {
		return nil
	}

	workers := f.maxParallel
	if workers > len(pending) {
		workers = len(pending)
	}

	claims := make(chan int)

	var mu sync.Mutex

	var unavailable []*transfer.PieceUnavailableError

	wg, wctx := errgroup.WithContext(ctx)

	// Feed claims until the pending list is drained or a fatal error
	// cancels the group. The channel hand-off makes claims exclusive.
	go func() {
		defer close(claims)

		for _, idx := range pending {
			select {
			case claims <- idx:
			case <-wctx.Done():
				return
			}
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Go(func() error {
			for idx := range claims {
				err := f.fetchPiece(wctx, record, idx)
				if err == nil {
					continue
				}

				var pieceErr *transfer.PieceUnavailableError
				if errors.As(err, &pieceErr) {
					mu.Lock()
					unavailable = append(unavailable, pieceErr)
					mu.Unlock()

					continue
				}

				return err
			}

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return err
	}

	if len(unavailable) > 0 {
		sort.Slice(unavailable, func(i, j int) bool {
			return unavailable[i].Index < unavailable[j].Index
		})

		return &transfer.PartialFailure{
			Verified: record.Verified(),
			Total:    len(record.Pieces),
			Pieces:   unavailable,
		}
	}

	return nil
}

// fetchPiece runs the claim-fetch-verify-write cycle for one piece,
// rotating mirrors on piece-level failures.
func (f *pieceFetcher) fetchPiece(ctx context.Context, record *transfer.Record, idx int) error {
	logger := logctx.LoggerFromContext(ctx)
	piece := &record.Pieces[idx]

	if err := f.store.MarkInFlight(idx); err != nil {
		return fmt.Errorf("failed to claim piece %d: %w", idx, err)
	}

	piece.Status = transfer.StatusInFlight
	start := time.Now()

	var lastErr error

	for _, mirror := range f.mirrors {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := f.requestRange(ctx, mirror, piece)
		if err != nil {
			// A cancelled run must surface as cancellation, not as this
			// piece exhausting its mirrors.
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger.Debug("piece fetch failed, rotating mirror", "piece", idx, "mirror", mirror, "err", err)

			f.tel.RecordPieceRetry()

			lastErr = err

			continue
		}

		sum := sha256.Sum256(data)
		digest := hex.EncodeToString(sum[:])

		// Trust-on-first-use: the first successful fetch fixes the
		// expected digest; every later fetch must reproduce it.
		if piece.Digest != "" && digest != piece.Digest {
			return &transfer.IntegrityMismatchError{
				Index:    idx,
				Expected: piece.Digest,
				Actual:   digest,
				Mirror:   mirror,
			}
		}

		if _, err := f.out.WriteAt(data, piece.Offset); err != nil {
			return fmt.Errorf("failed to write piece %d at offset %d: %w", idx, piece.Offset, err)
		}

		// The piece is only recorded verified once its bytes are durable,
		// so a crash between write and mark refetches instead of trusting
		// a torn write.
		if err := f.out.Sync(); err != nil {
			return fmt.Errorf("failed to sync piece %d: %w", idx, err)
		}

		if err := f.store.MarkVerified(idx, digest, mirror); err != nil {
			return fmt.Errorf("failed to mark piece %d verified: %w", idx, err)
		}

		piece.Digest = digest
		piece.Status = transfer.StatusVerified
		piece.Mirror = mirror

		f.tel.RecordPiece("verified", time.Since(start))
		f.tel.RecordBytes(piece.Length)

		if f.onVerified != nil {
			f.onVerified(piece.Length)
		}

		logger.Debug("piece verified",
			"piece", idx,
			"mirror", mirror,
			"size", humanize.Bytes(uint64(piece.Length)))

		return nil
	}

	if err := f.store.MarkFailed(idx); err != nil {
		return fmt.Errorf("failed to mark piece %d failed: %w", idx, err)
	}

	piece.Status = transfer.StatusFailed

	f.tel.RecordPiece("failed", time.Since(start))

	return &transfer.PieceUnavailableError{Index: idx, Mirrors: len(f.mirrors), Err: lastErr}
}

// requestRange issues a ranged GET for exactly the piece's byte span.
// Anything other than 206 Partial Content with a full-length body is a
// piece-level failure.
func (f *pieceFetcher) requestRange(ctx context.Context, mirror string, piece *transfer.Piece) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirror, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", piece.Offset, piece.End()))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ranged GET failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("expected partial content, got status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, piece.Length))
	if err != nil {
		return nil, fmt.Errorf("failed to read piece body: %w", err)
	}

	if int64(len(data)) != piece.Length {
		return nil, fmt.Errorf("short read: got %d bytes, want %d", len(data), piece.Length)
	}

	return data, nil
}

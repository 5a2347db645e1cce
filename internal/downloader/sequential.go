package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/zdm/zdm/internal/downloader/progress"
	"github.com/zdm/zdm/internal/logctx"
)

const progressInterval = int64(8 * 1024 * 1024) // 8MB between progress logs

// runSequential streams the whole file from the first viable mirror when
// no mirror supports ranged retrieval. There is no resume: every attempt,
// including fallback to the next mirror, restarts from byte zero. The
// returned digest is the whole-file SHA-256, computed for reporting only.
func (d *Downloader) runSequential(ctx context.Context, mirrors []string, dest string, size int64, st *activeTransfer) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for _, mirror := range mirrors {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		digest, err := d.streamFromMirror(ctx, mirror, dest, size, st)
		if err != nil {
			logger.Warn("sequential download failed, trying next mirror", "mirror", mirror, "err", err)

			st.bytes.Store(0)

			lastErr = err

			continue
		}

		return digest, nil
	}

	return "", fmt.Errorf("sequential download failed on all %d mirrors: %w", len(mirrors), lastErr)
}

func (d *Downloader) streamFromMirror(ctx context.Context, mirror, dest string, size int64, st *activeTransfer) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirror, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file: %w", err)
	}
	defer out.Close()

	logger.Info("downloading sequentially",
		"mirror", mirror,
		"destination", dest,
		"size", humanize.Bytes(uint64(size)))

	hash := sha256.New()
	progressCb := func(written, total int64) {
		st.bytes.Store(written)

		logger.Debug("download progress",
			"mirror", mirror,
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)),
			"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
	}

	pr := progress.NewReader(io.TeeReader(resp.Body, hash), size, progressInterval, progressCb)

	written, err := io.Copy(out, pr)
	if err != nil {
		return "", fmt.Errorf("failed to stream body: %w", err)
	}

	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync destination: %w", err)
	}

	if written != size {
		return "", fmt.Errorf("incomplete stream: wrote %d bytes, want %d", written, size)
	}

	st.bytes.Store(written)

	return hex.EncodeToString(hash.Sum(nil)), nil
}

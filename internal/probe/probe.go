package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zdm/zdm/internal/logctx"
	"github.com/zdm/zdm/internal/transfer"
)

// Capabilities is the outcome of probing a set of mirrors for one file.
type Capabilities struct {
	Size          int64
	SupportsRange bool
	Primary       string   // first mirror that answered the probe
	Ranged        []string // mirrors that honored a 1-byte range with 206
}

// Prober learns the total size of a remote file and whether each mirror
// honors ranged retrieval. Range support is confirmed by requesting a
// single byte and checking for a partial-content response, never inferred
// from the Accept-Ranges header alone.
type Prober struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

func NewProber(client *http.Client, userAgent string, timeout time.Duration) *Prober {
	return &Prober{
		client:    client,
		userAgent: userAgent,
		timeout:   timeout,
	}
}

type mirrorInfo struct {
	url    string
	size   int64
	ranged bool
}

// Probe checks every mirror in priority order. Unreachable mirrors are
// skipped; if none answers, the transfer has no source and a
// SourceUnavailableError is returned. Reachable mirrors reporting
// different sizes is an InconsistentMirrorError: silent truncation or
// divergent content must not be masked.
func (p *Prober) Probe(ctx context.Context, mirrors []string) (*Capabilities, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		reachable []mirrorInfo
		lastErr   error
	)

	for _, mirror := range mirrors {
		info, err := p.probeMirror(ctx, mirror)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			logger.Debug("mirror probe failed", "mirror", mirror, "err", err)

			lastErr = err

			continue
		}

		logger.Debug("mirror probed", "mirror", mirror, "size", info.size, "supports_range", info.ranged)

		reachable = append(reachable, info)
	}

	if len(reachable) == 0 {
		return nil, &transfer.SourceUnavailableError{Mirrors: len(mirrors), Err: lastErr}
	}

	caps := &Capabilities{
		Size:    reachable[0].size,
		Primary: reachable[0].url,
	}

	for _, info := range reachable {
		if info.size != caps.Size {
			return nil, &transfer.InconsistentMirrorError{
				MirrorA: caps.Primary,
				SizeA:   caps.Size,
				MirrorB: info.url,
				SizeB:   info.size,
			}
		}

		if info.ranged {
			caps.SupportsRange = true
			caps.Ranged = append(caps.Ranged, info.url)
		}
	}

	return caps, nil
}

// probeMirror issues a HEAD for the total size, then a 1-byte ranged GET
// to confirm partial-content support. When the server rejects HEAD, the
// total size is recovered from the Content-Range header of the ranged
// response instead.
func (p *Prober) probeMirror(ctx context.Context, mirror string) (mirrorInfo, error) {
	info := mirrorInfo{url: mirror, size: -1}

	size, err := p.headSize(ctx, mirror)
	if err == nil {
		info.size = size
	}

	ranged, rangeTotal, rangeErr := p.confirmRange(ctx, mirror)
	if rangeErr != nil && err != nil {
		return info, fmt.Errorf("probe failed: %w", rangeErr)
	}

	info.ranged = ranged

	if info.size < 0 {
		info.size = rangeTotal
	}

	if info.size < 0 {
		return info, fmt.Errorf("unable to determine remote file size for %s", mirror)
	}

	return info, nil
}

func (p *Prober) headSize(ctx context.Context, mirror string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mirror, http.NoBody)
	if err != nil {
		return -1, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return -1, fmt.Errorf("HEAD failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return -1, fmt.Errorf("HEAD returned status %d", resp.StatusCode)
	}

	if resp.ContentLength < 0 {
		return -1, fmt.Errorf("no content length advertised")
	}

	return resp.ContentLength, nil
}

// confirmRange requests bytes 0-0 and reports whether the server honored
// it with 206 Partial Content. The total size is parsed from the
// Content-Range header when present.
func (p *Prober) confirmRange(ctx context.Context, mirror string) (bool, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirror, http.NoBody)
	if err != nil {
		return false, -1, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, -1, fmt.Errorf("range probe failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain the single probe byte so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return true, parseContentRangeTotal(resp.Header.Get("Content-Range")), nil
	case http.StatusOK:
		// Server ignored the range and answered with the full body.
		return false, resp.ContentLength, nil
	default:
		return false, -1, fmt.Errorf("range probe returned status %d", resp.StatusCode)
	}
}

// parseContentRangeTotal extracts the total size from a header shaped
// like "bytes 0-0/12345". Returns -1 when the total is absent or unknown.
func parseContentRangeTotal(header string) int64 {
	header = strings.TrimPrefix(header, "bytes ")

	slash := strings.LastIndexByte(header, '/')
	if slash < 0 {
		return -1
	}

	total := header[slash+1:]
	if total == "" || total == "*" {
		return -1
	}

	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}

	return size
}

package transfer

import (
	"fmt"
	"strings"
)

// ConfigurationError represents invalid caller-supplied inputs such as a
// non-positive piece size. Configuration errors are fatal and never retried.
type ConfigurationError struct {
	Setting string // The configuration field that failed validation
	Reason  string // Human-readable explanation of the problem
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Setting, e.Reason)
}

// SourceUnavailableError means every configured mirror failed probing.
// There is no source to download from, so the transfer cannot start.
type SourceUnavailableError struct {
	Mirrors int   // Number of mirrors that were tried
	Err     error // Last underlying probe error, if any
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("all %d mirrors failed probing", e.Mirrors)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// InconsistentMirrorError means reachable mirrors disagree on the total
// file size. Mirrors are assumed content-identical; divergence is surfaced
// rather than guessed around, so no bytes are written.
type InconsistentMirrorError struct {
	MirrorA string
	SizeA   int64
	MirrorB string
	SizeB   int64
}

func (e *InconsistentMirrorError) Error() string {
	return fmt.Sprintf("mirrors disagree on file size: %s reports %d, %s reports %d",
		e.MirrorA, e.SizeA, e.MirrorB, e.SizeB)
}

// PieceUnavailableError means a single piece exhausted every mirror.
// It is piece-scoped: other pieces keep downloading, and the failures are
// aggregated into a PartialFailure at the end of the run.
type PieceUnavailableError struct {
	Index   int   // Piece index that could not be fetched
	Mirrors int   // Number of mirrors tried for this piece
	Err     error // Last underlying transport error, if any
}

func (e *PieceUnavailableError) Error() string {
	return fmt.Sprintf("piece %d unavailable after trying %d mirrors", e.Index, e.Mirrors)
}

func (e *PieceUnavailableError) Unwrap() error {
	return e.Err
}

// IntegrityMismatchError means a refetched piece hashed differently from
// the digest recorded on its first successful fetch. Mirrors must be
// content-identical, so detected divergence is fatal and never resolved
// silently.
type IntegrityMismatchError struct {
	Index    int    // Piece index with the conflicting digest
	Expected string // Digest recorded when the piece was first verified
	Actual   string // Digest of the bytes just fetched
	Mirror   string // Mirror that served the conflicting bytes
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch for piece %d from %s: expected %s, got %s",
		e.Index, e.Mirror, e.Expected, e.Actual)
}

// PartialFailure is the terminal result of a piece-based run in which some
// pieces exhausted all mirrors. Verified pieces stay on disk and in the
// manifest, so a later invocation with the same configuration resumes with
// only the listed pieces left to fetch.
type PartialFailure struct {
	Verified int                      // Pieces verified by the end of the run
	Total    int                      // Total pieces in the plan
	Pieces   []*PieceUnavailableError // One entry per unresolved piece
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("transfer incomplete: %d/%d pieces verified, unresolved pieces %s",
		e.Verified, e.Total, formatIndices(e.Indices()))
}

// Indices returns the unresolved piece indices in claim order.
func (e *PartialFailure) Indices() []int {
	indices := make([]int, 0, len(e.Pieces))
	for _, pe := range e.Pieces {
		indices = append(indices, pe.Index)
	}

	return indices
}

func formatIndices(indices []int) string {
	parts := make([]string, 0, len(indices))
	for _, idx := range indices {
		parts = append(parts, fmt.Sprintf("%d", idx))
	}

	return "[" + strings.Join(parts, " ") + "]"
}

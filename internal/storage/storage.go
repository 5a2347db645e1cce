package storage

import (
	"github.com/zdm/zdm/internal/transfer"
)

// ManifestStore is the durable transfer state for one destination path.
// A store instance is exclusively owned by a single download invocation;
// two invocations must never mutate the same destination's manifest
// concurrently.
type ManifestStore interface {
	// LoadOrCreate reconciles a stored record against the freshly computed
	// plan. A matching plan is resumed verbatim; a mismatch discards the
	// old record and starts over. The returned bool reports whether an
	// existing record was resumed. Pieces left in-flight by a crashed run
	// are demoted to pending.
	LoadOrCreate(dest string, fileSize, pieceSize int64, plan []transfer.Piece) (*transfer.Record, bool, error)

	// MarkInFlight records that a worker claimed the piece.
	MarkInFlight(idx int) error

	// MarkVerified records a piece as verified with its digest and the
	// mirror that served it. Callers must only invoke this after the bytes
	// are durably written at the piece's offset.
	MarkVerified(idx int, digest, mirror string) error

	// MarkPending returns a piece to the pending state. The stored digest
	// is kept: a refetch is still enforced against it.
	MarkPending(idx int) error

	// MarkFailed records that a piece exhausted every mirror this run.
	MarkFailed(idx int) error

	// Snapshot reads the full record back from durable storage.
	Snapshot() (*transfer.Record, error)

	// Retire removes the manifest once the transfer is finalized.
	Retire() error

	// Close releases the store, leaving the manifest on disk for resume.
	Close() error
}

// ManifestOpener creates a ManifestStore for a destination path.
type ManifestOpener interface {
	Open(dest string) (ManifestStore, error)
}

package sqlite

import (
	"context"

	"github.com/zdm/zdm/internal/storage"
	"github.com/zdm/zdm/internal/telemetry"
	"github.com/zdm/zdm/internal/transfer"
)

// InstrumentedManifestRepository wraps a ManifestStore with telemetry.
type InstrumentedManifestRepository struct {
	repo      storage.ManifestStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedManifestRepository creates a new instrumented manifest repository.
func NewInstrumentedManifestRepository(repo storage.ManifestStore, tel *telemetry.Telemetry) *InstrumentedManifestRepository {
	return &InstrumentedManifestRepository{
		repo:      repo,
		telemetry: tel,
	}
}

// LoadOrCreate reconciles the stored record with telemetry.
func (r *InstrumentedManifestRepository) LoadOrCreate(dest string, fileSize, pieceSize int64, plan []transfer.Piece) (*transfer.Record, bool, error) {
	var record *transfer.Record

	var resumed bool

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "load_or_create", func(ctx context.Context) error {
		record, resumed, err = r.repo.LoadOrCreate(dest, fileSize, pieceSize, plan)

		return err
	})

	if instrumentedErr != nil {
		return nil, false, instrumentedErr
	}

	return record, resumed, nil
}

// MarkInFlight marks a piece in-flight with telemetry.
func (r *InstrumentedManifestRepository) MarkInFlight(idx int) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "mark_in_flight", func(ctx context.Context) error {
		return r.repo.MarkInFlight(idx)
	})
}

// MarkVerified marks a piece verified with telemetry.
func (r *InstrumentedManifestRepository) MarkVerified(idx int, digest, mirror string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "mark_verified", func(ctx context.Context) error {
		return r.repo.MarkVerified(idx, digest, mirror)
	})
}

// MarkPending marks a piece pending with telemetry.
func (r *InstrumentedManifestRepository) MarkPending(idx int) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "mark_pending", func(ctx context.Context) error {
		return r.repo.MarkPending(idx)
	})
}

// MarkFailed marks a piece failed with telemetry.
func (r *InstrumentedManifestRepository) MarkFailed(idx int) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "mark_failed", func(ctx context.Context) error {
		return r.repo.MarkFailed(idx)
	})
}

// Snapshot reads the record back with telemetry.
func (r *InstrumentedManifestRepository) Snapshot() (*transfer.Record, error) {
	var record *transfer.Record

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "snapshot", func(ctx context.Context) error {
		record, err = r.repo.Snapshot()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return record, nil
}

// Retire removes the manifest with telemetry.
func (r *InstrumentedManifestRepository) Retire() error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "retire", func(ctx context.Context) error {
		return r.repo.Retire()
	})
}

// Close releases the underlying store.
func (r *InstrumentedManifestRepository) Close() error {
	return r.repo.Close()
}

// InstrumentedOpener opens instrumented manifest stores.
type InstrumentedOpener struct {
	telemetry *telemetry.Telemetry
}

func NewInstrumentedOpener(tel *telemetry.Telemetry) *InstrumentedOpener {
	return &InstrumentedOpener{telemetry: tel}
}

func (o *InstrumentedOpener) Open(dest string) (storage.ManifestStore, error) {
	repo, err := Open(dest)
	if err != nil {
		return nil, err
	}

	return NewInstrumentedManifestRepository(repo, o.telemetry), nil
}

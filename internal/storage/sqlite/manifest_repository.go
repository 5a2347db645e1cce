package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/zdm/zdm/internal/storage"
	"github.com/zdm/zdm/internal/transfer"
)

// SidecarSuffix is appended to the destination path to form the manifest
// database filename. The name and schema are the on-disk resume format.
const SidecarSuffix = ".zdm.db"

// ManifestRepository persists one transfer record in a SQLite sidecar
// database next to the destination file.
type ManifestRepository struct {
	db   *sql.DB
	path string
	dest string
}

// Open creates or opens the sidecar manifest for a destination path.
func Open(dest string) (*ManifestRepository, error) {
	path := dest + SidecarSuffix

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest db: %w", err)
	}

	r := &ManifestRepository{db: db, path: path, dest: dest}
	if err := r.initSchema(); err != nil {
		db.Close()

		return nil, err
	}

	return r, nil
}

func (r *ManifestRepository) initSchema() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	_, err = r.db.Exec(`CREATE TABLE IF NOT EXISTS pieces (
		idx INTEGER PRIMARY KEY,
		offset INTEGER NOT NULL,
		length INTEGER NOT NULL,
		digest TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		mirror TEXT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create pieces table: %w", err)
	}

	return nil
}

// LoadOrCreate reconciles the stored record against the freshly computed
// plan. Resume requires the stored file size, piece size and piece count
// to match exactly; anything else discards the manifest and reinserts the
// plan. In-flight pieces from a crashed run are demoted to pending before
// the record is returned.
func (r *ManifestRepository) LoadOrCreate(dest string, fileSize, pieceSize int64, plan []transfer.Piece) (*transfer.Record, bool, error) {
	storedSize, sizeOK := r.metaInt("file_size")
	storedPiece, pieceOK := r.metaInt("piece_size")
	storedCount, countOK := r.metaInt("piece_count")

	matches := sizeOK && pieceOK && countOK &&
		storedSize == fileSize && storedPiece == pieceSize && storedCount == int64(len(plan))

	if matches {
		if _, err := r.db.Exec(`UPDATE pieces SET status = ? WHERE status = ?`,
			transfer.StatusPending, transfer.StatusInFlight); err != nil {
			return nil, false, fmt.Errorf("failed to reset in-flight pieces: %w", err)
		}

		record, err := r.Snapshot()
		if err != nil {
			return nil, false, err
		}

		return record, true, nil
	}

	if err := r.reset(fileSize, pieceSize, plan); err != nil {
		return nil, false, err
	}

	record, err := r.Snapshot()
	if err != nil {
		return nil, false, err
	}

	return record, false, nil
}

func (r *ManifestRepository) reset(fileSize, pieceSize int64, plan []transfer.Piece) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin manifest reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pieces`); err != nil {
		return fmt.Errorf("failed to clear pieces: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM meta`); err != nil {
		return fmt.Errorf("failed to clear meta: %w", err)
	}

	metaRows := map[string]string{
		"file_size":   strconv.FormatInt(fileSize, 10),
		"piece_size":  strconv.FormatInt(pieceSize, 10),
		"piece_count": strconv.Itoa(len(plan)),
		"created_at":  time.Now().Format(time.RFC3339),
	}

	for key, value := range metaRows {
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("failed to write meta %s: %w", key, err)
		}
	}

	for _, p := range plan {
		_, err := tx.Exec(
			`INSERT INTO pieces (idx, offset, length, status) VALUES (?, ?, ?, ?)`,
			p.Index, p.Offset, p.Length, transfer.StatusPending,
		)
		if err != nil {
			return fmt.Errorf("failed to insert piece %d: %w", p.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit manifest reset: %w", err)
	}

	return nil
}

// MarkInFlight records that a worker claimed the piece.
func (r *ManifestRepository) MarkInFlight(idx int) error {
	return r.setStatus(idx, transfer.StatusInFlight)
}

// MarkVerified records a piece as verified with its digest and serving
// mirror. The caller guarantees the bytes are already durable on disk.
func (r *ManifestRepository) MarkVerified(idx int, digest, mirror string) error {
	_, err := r.db.Exec(
		`UPDATE pieces SET status = ?, digest = ?, mirror = ? WHERE idx = ?`,
		transfer.StatusVerified, digest, mirror, idx,
	)
	if err != nil {
		return fmt.Errorf("failed to mark piece %d verified: %w", idx, err)
	}

	return nil
}

// MarkPending demotes a piece back to pending, keeping its digest so the
// refetch is still checked against the trust-on-first-use hash.
func (r *ManifestRepository) MarkPending(idx int) error {
	return r.setStatus(idx, transfer.StatusPending)
}

// MarkFailed records that a piece exhausted every mirror in this run.
func (r *ManifestRepository) MarkFailed(idx int) error {
	return r.setStatus(idx, transfer.StatusFailed)
}

func (r *ManifestRepository) setStatus(idx int, status transfer.PieceStatus) error {
	_, err := r.db.Exec(`UPDATE pieces SET status = ? WHERE idx = ?`, status, idx)
	if err != nil {
		return fmt.Errorf("failed to set piece %d status to %s: %w", idx, status, err)
	}

	return nil
}

// Snapshot reads the full record back from the manifest.
func (r *ManifestRepository) Snapshot() (*transfer.Record, error) {
	fileSize, ok := r.metaInt("file_size")
	if !ok {
		return nil, fmt.Errorf("manifest has no file_size")
	}

	pieceSize, ok := r.metaInt("piece_size")
	if !ok {
		return nil, fmt.Errorf("manifest has no piece_size")
	}

	rows, err := r.db.Query(`SELECT idx, offset, length, digest, status, mirror FROM pieces ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to read pieces: %w", err)
	}
	defer rows.Close()

	record := &transfer.Record{
		Destination: r.dest,
		FileSize:    fileSize,
		PieceSize:   pieceSize,
	}

	for rows.Next() {
		var (
			p      transfer.Piece
			digest sql.NullString
			status string
			mirror sql.NullString
		)

		if err := rows.Scan(&p.Index, &p.Offset, &p.Length, &digest, &status, &mirror); err != nil {
			return nil, fmt.Errorf("failed to scan piece: %w", err)
		}

		p.Digest = digest.String
		p.Status = transfer.PieceStatus(status)
		p.Mirror = mirror.String

		record.Pieces = append(record.Pieces, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pieces: %w", err)
	}

	return record, nil
}

// Retire removes the manifest after the transfer is finalized.
func (r *ManifestRepository) Retire() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close manifest db: %w", err)
	}

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}

	return nil
}

// Close releases the store, leaving the manifest on disk for resume.
func (r *ManifestRepository) Close() error {
	return r.db.Close()
}

func (r *ManifestRepository) metaInt(key string) (int64, bool) {
	var value string

	err := r.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return 0, false
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

// Opener creates sidecar manifest stores for the downloader.
type Opener struct{}

func NewOpener() *Opener {
	return &Opener{}
}

func (o *Opener) Open(dest string) (storage.ManifestStore, error) {
	return Open(dest)
}

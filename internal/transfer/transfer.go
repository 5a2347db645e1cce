package transfer

// PieceStatus tracks the lifecycle of a single piece.
type PieceStatus string

const (
	StatusPending  PieceStatus = "pending"
	StatusInFlight PieceStatus = "inflight"
	StatusVerified PieceStatus = "verified"
	StatusFailed   PieceStatus = "failed"
)

// Piece is a contiguous byte range of the target file, the unit of
// fetch, verification and resume. Offset and Length are fixed once
// planned; only Digest, Status and Mirror change over a piece's life.
type Piece struct {
	Index  int
	Offset int64
	Length int64
	Digest string // hex SHA-256, established on the first successful fetch
	Status PieceStatus
	Mirror string // URL of the mirror that last served this piece
}

// End returns the inclusive last byte offset of the piece, as used in
// Range headers.
func (p *Piece) End() int64 {
	return p.Offset + p.Length - 1
}

// Record is the durable transfer state for one destination path.
type Record struct {
	Destination string
	FileSize    int64
	PieceSize   int64
	Pieces      []Piece
}

// Verified returns how many pieces have been verified so far.
func (r *Record) Verified() int {
	var n int

	for i := range r.Pieces {
		if r.Pieces[i].Status == StatusVerified {
			n++
		}
	}

	return n
}

// Pending returns the indices of all pieces that still need fetching.
// Failed pieces are included: a new invocation retries them from scratch.
func (r *Record) Pending() []int {
	var pending []int

	for i := range r.Pieces {
		if r.Pieces[i].Status != StatusVerified {
			pending = append(pending, i)
		}
	}

	return pending
}

// Complete reports whether every piece has been verified.
func (r *Record) Complete() bool {
	return r.Verified() == len(r.Pieces)
}

// Progress returns the verified fraction in [0, 1].
func (r *Record) Progress() float64 {
	if len(r.Pieces) == 0 {
		return 0
	}

	return float64(r.Verified()) / float64(len(r.Pieces))
}

// Matches reports whether a stored record was produced by the same plan.
// A changed file size, piece size or piece count invalidates resume.
func (r *Record) Matches(fileSize, pieceSize int64, pieceCount int) bool {
	return r.FileSize == fileSize && r.PieceSize == pieceSize && len(r.Pieces) == pieceCount
}

// Plan partitions a file of fileSize bytes into an ordered sequence of
// pieces of pieceSize bytes each, the last piece holding the remainder.
// It is a pure function of its inputs: the same sizes always yield the
// same plan, which resume correctness depends on.
func Plan(fileSize, pieceSize int64) ([]Piece, error) {
	if pieceSize <= 0 {
		return nil, &ConfigurationError{Setting: "piece_size", Reason: "must be positive"}
	}

	if fileSize < 0 {
		return nil, &ConfigurationError{Setting: "file_size", Reason: "must not be negative"}
	}

	count := (fileSize + pieceSize - 1) / pieceSize
	pieces := make([]Piece, 0, count)

	for idx := int64(0); idx < count; idx++ {
		offset := idx * pieceSize

		length := pieceSize
		if offset+length > fileSize {
			length = fileSize - offset
		}

		pieces = append(pieces, Piece{
			Index:  int(idx),
			Offset: offset,
			Length: length,
			Status: StatusPending,
		})
	}

	return pieces, nil
}

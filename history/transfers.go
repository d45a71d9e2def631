package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	statusPending      = "pending"
	statusTransferring = "transferring"
	statusCompleted    = "completed"
	statusFailed       = "failed"
	statusCancelled    = "cancelled"
)

// Transfer is one recorded transfer, either direction.
type Transfer struct {
	TransferID string
	RoomCode   string
	PeerID     string
	Direction  string
	Filename   string
	TotalSize  int64
	Checksum   string
	Encrypted  bool
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

func validateStatus(status string) error {
	switch status {
	case statusPending, statusTransferring, statusCompleted, statusFailed, statusCancelled:
		return nil
	}
	return fmt.Errorf("history: invalid status %q", status)
}

func validateDirection(direction string) error {
	switch direction {
	case "send", "receive":
		return nil
	}
	return fmt.Errorf("history: invalid direction %q", direction)
}

// RecordTransfer inserts a new transfer row.
func (s *Store) RecordTransfer(t Transfer) error {
	if t.TransferID == "" {
		return errors.New("history: transfer_id is required")
	}
	if t.RoomCode == "" {
		return errors.New("history: room_code is required")
	}
	if t.Filename == "" {
		return errors.New("history: filename is required")
	}
	if err := validateDirection(t.Direction); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = statusPending
	}
	if err := validateStatus(t.Status); err != nil {
		return err
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}

	var finishedAt sql.NullInt64
	if t.FinishedAt != nil {
		finishedAt = sql.NullInt64{Int64: t.FinishedAt.Unix(), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			room_code,
			peer_id,
			direction,
			filename,
			total_size,
			checksum,
			encrypted,
			status,
			error,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TransferID,
		t.RoomCode,
		t.PeerID,
		t.Direction,
		t.Filename,
		t.TotalSize,
		t.Checksum,
		boolToInt(t.Encrypted),
		t.Status,
		t.Error,
		t.StartedAt.Unix(),
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", t.TransferID, err)
	}
	return nil
}

// UpdateStatus moves a transfer to a new status. Terminal statuses also stamp
// the finish time.
func (s *Store) UpdateStatus(transferID, status, errText string) error {
	if transferID == "" {
		return errors.New("history: transfer_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	var finishedAt sql.NullInt64
	switch status {
	case statusCompleted, statusFailed, statusCancelled:
		finishedAt = sql.NullInt64{Int64: time.Now().Unix(), Valid: true}
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE transfer_id = ?`,
		status,
		errText,
		finishedAt,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one transfer by id.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			room_code,
			peer_id,
			direction,
			filename,
			total_size,
			checksum,
			encrypted,
			status,
			error,
			started_at,
			finished_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListByRoom returns a room's transfers, newest first. A limit of 0 means
// no limit.
func (s *Store) ListByRoom(roomCode string, limit int) ([]Transfer, error) {
	return s.list(
		`SELECT
			transfer_id, room_code, peer_id, direction, filename, total_size,
			checksum, encrypted, status, error, started_at, finished_at
		FROM transfers
		WHERE room_code = ?
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		roomCode, normalizeLimit(limit),
	)
}

// ListByPeer returns transfers with one peer, newest first.
func (s *Store) ListByPeer(peerID string, limit int) ([]Transfer, error) {
	return s.list(
		`SELECT
			transfer_id, room_code, peer_id, direction, filename, total_size,
			checksum, encrypted, status, error, started_at, finished_at
		FROM transfers
		WHERE peer_id = ?
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		peerID, normalizeLimit(limit),
	)
}

// ListRecent returns the newest transfers across all rooms.
func (s *Store) ListRecent(limit int) ([]Transfer, error) {
	return s.list(
		`SELECT
			transfer_id, room_code, peer_id, direction, filename, total_size,
			checksum, encrypted, status, error, started_at, finished_at
		FROM transfers
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		normalizeLimit(limit),
	)
}

// Prune deletes records older than the retention window and reports how many
// were removed.
func (s *Store) Prune() (int64, error) {
	cutoff := time.Now().Add(-s.retention).Unix()
	res, err := s.db.Exec(`DELETE FROM transfers WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) list(query string, args ...any) ([]Transfer, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	var (
		transfer   Transfer
		encrypted  int
		startedAt  int64
		finishedAt sql.NullInt64
	)
	err := row.Scan(
		&transfer.TransferID,
		&transfer.RoomCode,
		&transfer.PeerID,
		&transfer.Direction,
		&transfer.Filename,
		&transfer.TotalSize,
		&transfer.Checksum,
		&encrypted,
		&transfer.Status,
		&transfer.Error,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	transfer.Encrypted = encrypted != 0
	transfer.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		finished := time.Unix(finishedAt.Int64, 0)
		transfer.FinishedAt = &finished
	}
	return &transfer, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

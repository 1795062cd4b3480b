package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HistoryChunk is one stored slice of terminal output, base64 encoded the
// same way it travels on the wire.
type HistoryChunk struct {
	ID             int64
	InstanceID     uuid.UUID
	SequenceNumber int64
	OutputData     string
	ByteSize       int
	CreatedAt      string
}

// historyMeta tracks the per-instance ring: how many bytes are stored and
// the next sequence number to hand out.
type historyMeta struct {
	totalBytes   int64
	nextSequence int64
}

// SaveTerminalHistory appends one output chunk to an instance's history
// ring. When the ring exceeds bufferSizeKB the oldest chunks are dropped
// until it is back under 90% of the limit. Returns the bytes now stored.
// Writes are serialized so concurrent saves cannot hand out the same
// sequence number.
func (s *Store) SaveTerminalHistory(instanceID uuid.UUID, outputData string, byteSize int, bufferSizeKB int) (int64, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	idStr := instanceID.String()
	now := time.Now().UTC().Format(time.RFC3339)
	bufferLimit := int64(bufferSizeKB) * 1024

	meta, err := s.getHistoryMeta(idStr)
	if err != nil {
		return 0, err
	}
	if meta == nil {
		if err := s.initHistoryMeta(idStr, bufferSizeKB, now); err != nil {
			return 0, err
		}
		meta = &historyMeta{}
	}

	if _, err := s.db.Exec(`INSERT INTO terminal_history (instance_id, sequence_number, output_data, byte_size, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		idStr, meta.nextSequence, outputData, byteSize, now); err != nil {
		return 0, fmt.Errorf("insert history chunk: %w", err)
	}

	totalBytes := meta.totalBytes + int64(byteSize)
	if totalBytes > bufferLimit {
		target := int64(float64(bufferLimit) * 0.9)
		totalBytes, err = s.trimHistory(idStr, target)
		if err != nil {
			return 0, err
		}
	}

	if _, err := s.db.Exec(`UPDATE terminal_history_meta
		SET next_sequence = ?, total_bytes = ?, updated_at = ?
		WHERE instance_id = ?`,
		meta.nextSequence+1, totalBytes, now, idStr); err != nil {
		return 0, fmt.Errorf("update history meta: %w", err)
	}
	return totalBytes, nil
}

func (s *Store) getHistoryMeta(instanceID string) (*historyMeta, error) {
	var m historyMeta
	err := s.db.QueryRow(
		"SELECT total_bytes, next_sequence FROM terminal_history_meta WHERE instance_id = ?",
		instanceID).Scan(&m.totalBytes, &m.nextSequence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history meta: %w", err)
	}
	return &m, nil
}

func (s *Store) initHistoryMeta(instanceID string, bufferSizeKB int, now string) error {
	_, err := s.db.Exec(`INSERT INTO terminal_history_meta (instance_id, total_bytes, next_sequence, buffer_size_kb, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			buffer_size_kb = excluded.buffer_size_kb,
			updated_at = excluded.updated_at`,
		instanceID, bufferSizeKB, now, now)
	if err != nil {
		return fmt.Errorf("init history meta: %w", err)
	}
	return nil
}

// trimHistory drops oldest chunks until the stored total is at or under
// target. Returns the remaining byte total.
func (s *Store) trimHistory(instanceID string, target int64) (int64, error) {
	var total int64
	if err := s.db.QueryRow(
		"SELECT COALESCE(SUM(byte_size), 0) FROM terminal_history WHERE instance_id = ?",
		instanceID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum history bytes: %w", err)
	}

	for total > target {
		var id int64
		var size int
		err := s.db.QueryRow(
			`SELECT id, byte_size FROM terminal_history WHERE instance_id = ?
			 ORDER BY sequence_number ASC LIMIT 1`, instanceID).Scan(&id, &size)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("find oldest chunk: %w", err)
		}
		if _, err := s.db.Exec("DELETE FROM terminal_history WHERE id = ?", id); err != nil {
			return 0, fmt.Errorf("delete oldest chunk: %w", err)
		}
		total -= int64(size)
	}
	return total, nil
}

// GetTerminalHistory returns an instance's stored output in sequence order.
func (s *Store) GetTerminalHistory(instanceID uuid.UUID) ([]HistoryChunk, error) {
	rows, err := s.db.Query(
		`SELECT id, sequence_number, output_data, byte_size, created_at
		 FROM terminal_history WHERE instance_id = ? ORDER BY sequence_number ASC`,
		instanceID.String())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var chunks []HistoryChunk
	for rows.Next() {
		c := HistoryChunk{InstanceID: instanceID}
		if err := rows.Scan(&c.ID, &c.SequenceNumber, &c.OutputData, &c.ByteSize, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteTerminalHistory drops an instance's history and its meta row.
func (s *Store) DeleteTerminalHistory(instanceID uuid.UUID) error {
	idStr := instanceID.String()
	if _, err := s.db.Exec("DELETE FROM terminal_history WHERE instance_id = ?", idStr); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM terminal_history_meta WHERE instance_id = ?", idStr); err != nil {
		return fmt.Errorf("delete history meta: %w", err)
	}
	return nil
}

// CleanupOldTerminalHistory deletes chunks older than the retention window
// and any meta rows left without chunks. Returns the chunks deleted.
func (s *Store) CleanupOldTerminalHistory(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	res, err := s.db.Exec("DELETE FROM terminal_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM terminal_history_meta
		WHERE instance_id NOT IN (SELECT DISTINCT instance_id FROM terminal_history)`); err != nil {
		return deleted, fmt.Errorf("cleanup history meta: %w", err)
	}
	return deleted, nil
}

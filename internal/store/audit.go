package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/protocol"
)

// AuditEvent is the write-side shape of one audit record.
type AuditEvent struct {
	EventType  string
	SessionID  string
	UserRole   string
	AgentID    *uuid.UUID
	InstanceID *uuid.UUID
	TargetID   *uuid.UUID
	ClientIP   string
	Success    bool
	Details    *string
}

// InsertAuditLog appends one audit record.
func (s *Store) InsertAuditLog(ev AuditEvent) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`INSERT INTO audit_logs (timestamp, event_type, session_id, user_role, agent_id, instance_id, target_id, client_ip, success, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		now, ev.EventType, ev.SessionID, ev.UserRole,
		uuidPtr(ev.AgentID), uuidPtr(ev.InstanceID), uuidPtr(ev.TargetID),
		ev.ClientIP, boolInt(ev.Success), ev.Details)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// GetAuditLogs returns one page of records, newest first, plus the total
// count matching the event-type filter.
func (s *Store) GetAuditLogs(eventType *string, limit, offset int) ([]protocol.AuditLogEntry, uint64, error) {
	where := "WHERE 1=1"
	var args []any
	if eventType != nil {
		where = "WHERE event_type = ?"
		args = append(args, *eventType)
	}

	var total int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_logs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	query := `SELECT id, timestamp, event_type, user_role, agent_id, instance_id, target_id, client_ip, success, details
		FROM audit_logs ` + where + ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []protocol.AuditLogEntry
	for rows.Next() {
		var e protocol.AuditLogEntry
		var agentID, instanceID, targetID *string
		var success int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.UserRole,
			&agentID, &instanceID, &targetID, &e.ClientIP, &success, &e.Details); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		e.Success = success != 0
		if e.AgentID, err = parseUUIDPtr(agentID); err != nil {
			return nil, 0, err
		}
		if e.InstanceID, err = parseUUIDPtr(instanceID); err != nil {
			return nil, 0, err
		}
		if e.TargetID, err = parseUUIDPtr(targetID); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, uint64(total), rows.Err()
}

// CleanupOldAuditLogs deletes records older than the retention window.
func (s *Store) CleanupOldAuditLogs(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	res, err := s.db.Exec("DELETE FROM audit_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup audit logs: %w", err)
	}
	return n, nil
}

func uuidPtr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseUUIDPtr(s *string) (*uuid.UUID, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, fmt.Errorf("parse uuid %q: %w", *s, err)
	}
	return &id, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

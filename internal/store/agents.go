package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is one persisted agent record. Tokens are stored as SHA-256 hex
// hashes, never in the clear.
type Agent struct {
	ID              uuid.UUID
	Name            string
	AdminTokenHash  string
	ShareTokenHash  string
	CreatedAt       string
	LastConnectedAt *string
}

// UpsertAgent inserts or refreshes an agent's record; hashes and the
// last-connected timestamp are replaced on every registration.
func (s *Store) UpsertAgent(id uuid.UUID, name, adminTokenHash, shareTokenHash string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`INSERT INTO agents (id, name, admin_token_hash, share_token_hash, created_at, last_connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			admin_token_hash = excluded.admin_token_hash,
			share_token_hash = excluded.share_token_hash,
			last_connected_at = excluded.last_connected_at`,
		id.String(), name, adminTokenHash, shareTokenHash, now, now)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// FindAgentByTokenHash looks up an agent whose admin or share token hash
// matches. The returned role string is "admin" or "user"; a nil agent
// means no match.
func (s *Store) FindAgentByTokenHash(hash string) (*Agent, string, error) {
	a, err := s.scanAgent(s.db.QueryRow(
		`SELECT id, name, admin_token_hash, share_token_hash, created_at, last_connected_at
		 FROM agents WHERE admin_token_hash = ?`, hash))
	if err != nil {
		return nil, "", fmt.Errorf("find agent by admin hash: %w", err)
	}
	if a != nil {
		return a, "admin", nil
	}

	a, err = s.scanAgent(s.db.QueryRow(
		`SELECT id, name, admin_token_hash, share_token_hash, created_at, last_connected_at
		 FROM agents WHERE share_token_hash = ?`, hash))
	if err != nil {
		return nil, "", fmt.Errorf("find agent by share hash: %w", err)
	}
	if a != nil {
		return a, "user", nil
	}
	return nil, "", nil
}

// GetAgent fetches one agent record, nil when absent.
func (s *Store) GetAgent(id uuid.UUID) (*Agent, error) {
	a, err := s.scanAgent(s.db.QueryRow(
		`SELECT id, name, admin_token_hash, share_token_hash, created_at, last_connected_at
		 FROM agents WHERE id = ?`, id.String()))
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// DeleteAgent removes an agent. Tags cascade via the schema; history and
// audit rows are kept for the record.
func (s *Store) DeleteAgent(id uuid.UUID) (bool, error) {
	res, err := s.db.Exec("DELETE FROM agents WHERE id = ?", id.String())
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	return n > 0, nil
}

func (s *Store) scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var idStr string
	err := row.Scan(&idStr, &a.Name, &a.AdminTokenHash, &a.ShareTokenHash, &a.CreatedAt, &a.LastConnectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse agent id %q: %w", idStr, err)
	}
	a.ID = id
	return &a, nil
}

// GetAgentTags lists one agent's tags, sorted.
func (s *Store) GetAgentTags(agentID uuid.UUID) ([]string, error) {
	return s.tagQuery("SELECT tag FROM agent_tags WHERE agent_id = ? ORDER BY tag", agentID.String())
}

// GetAllTags lists every distinct tag across agents, sorted.
func (s *Store) GetAllTags() ([]string, error) {
	return s.tagQuery("SELECT DISTINCT tag FROM agent_tags ORDER BY tag")
}

func (s *Store) tagQuery(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// AddAgentTag attaches a tag; duplicates are ignored.
func (s *Store) AddAgentTag(agentID uuid.UUID, tag string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`INSERT INTO agent_tags (agent_id, tag, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id, tag) DO NOTHING`,
		agentID.String(), tag, now)
	if err != nil {
		return fmt.Errorf("add agent tag: %w", err)
	}
	return nil
}

// RemoveAgentTag detaches a tag. Removing an absent tag is not an error.
func (s *Store) RemoveAgentTag(agentID uuid.UUID, tag string) error {
	_, err := s.db.Exec("DELETE FROM agent_tags WHERE agent_id = ? AND tag = ?", agentID.String(), tag)
	if err != nil {
		return fmt.Errorf("remove agent tag: %w", err)
	}
	return nil
}

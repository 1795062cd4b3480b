package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"

	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/protocol"
)

// HashToken returns the hex SHA-256 of a token. Tokens are only ever
// stored and compared in this form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a bearer token to a role and bound agent.
// Order: super admin token (byte comparison), then the hashes of connected
// agents, then the persisted agent records. Super admins bind to no agent.
// Callers own audit logging and rate limiting; this function does neither.
func (s *State) Authenticate(token string) (protocol.Role, *uuid.UUID, bool) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Security.SuperAdminToken)) == 1 {
		return protocol.RoleSuperAdmin, nil, true
	}

	hash := HashToken(token)

	s.mu.RLock()
	for id, agent := range s.agents {
		if hash == agent.adminTokenHash {
			s.mu.RUnlock()
			agentID := id
			return protocol.RoleAdmin, &agentID, true
		}
		if hash == agent.shareTokenHash {
			s.mu.RUnlock()
			agentID := id
			return protocol.RoleUser, &agentID, true
		}
	}
	s.mu.RUnlock()

	if s.store != nil {
		record, role, err := s.store.FindAgentByTokenHash(hash)
		if err != nil {
			slog.Error("token lookup failed", "err", err)
			return "", nil, false
		}
		if record != nil {
			agentID := record.ID
			switch role {
			case "admin":
				return protocol.RoleAdmin, &agentID, true
			case "user":
				return protocol.RoleUser, &agentID, true
			}
		}
	}

	return "", nil, false
}

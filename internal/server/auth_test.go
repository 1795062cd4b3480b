package server

import (
	"testing"

	"github.com/termtunnel/termtunnel/internal/protocol"
)

func TestHashToken(t *testing.T) {
	h := HashToken("secret")
	if len(h) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(h))
	}
	if h != HashToken("secret") {
		t.Error("hash not deterministic")
	}
	if h == HashToken("Secret") {
		t.Error("different tokens hash identically")
	}
}

func TestAuthenticateSuperAdmin(t *testing.T) {
	s := newTestState(t)
	role, agentID, ok := s.Authenticate(testSuperToken)
	if !ok || role != protocol.RoleSuperAdmin {
		t.Fatalf("role = %s ok = %v, want super_admin", role, ok)
	}
	if agentID != nil {
		t.Errorf("super admin bound to agent %s, want nil", agentID)
	}
}

func TestAuthenticateConnectedAgentTokens(t *testing.T) {
	s := newTestState(t)
	agentID, _ := connectAgent(t, s, "box")

	role, bound, ok := s.Authenticate("admin-box")
	if !ok || role != protocol.RoleAdmin {
		t.Fatalf("admin token: role = %s ok = %v", role, ok)
	}
	if bound == nil || *bound != agentID {
		t.Errorf("admin bound to %v, want %s", bound, agentID)
	}

	role, bound, ok = s.Authenticate("share-box")
	if !ok || role != protocol.RoleUser {
		t.Fatalf("share token: role = %s ok = %v", role, ok)
	}
	if bound == nil || *bound != agentID {
		t.Errorf("user bound to %v, want %s", bound, agentID)
	}
}

func TestAuthenticateStoreFallback(t *testing.T) {
	s := newTestStateWithStore(t)
	agentID, _ := connectAgent(t, s, "box")

	waitFor(t, func() bool {
		rec, _ := s.store.GetAgent(agentID)
		return rec != nil
	})

	// The agent goes offline; its persisted hashes still authenticate.
	s.UnregisterAgent(agentID)

	role, bound, ok := s.Authenticate("admin-box")
	if !ok || role != protocol.RoleAdmin {
		t.Fatalf("offline admin token: role = %s ok = %v", role, ok)
	}
	if bound == nil || *bound != agentID {
		t.Errorf("bound to %v, want %s", bound, agentID)
	}
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	s := newTestStateWithStore(t)
	if _, _, ok := s.Authenticate("not-a-token"); ok {
		t.Error("unknown token authenticated")
	}
	if _, _, ok := s.Authenticate(""); ok {
		t.Error("empty token authenticated")
	}
}

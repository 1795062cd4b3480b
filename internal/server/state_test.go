package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/config"
	"github.com/termtunnel/termtunnel/internal/protocol"
	"github.com/termtunnel/termtunnel/internal/store"
)

const testSuperToken = "test-super-admin-token-0123456789abcdef"

func newTestState(t *testing.T) *State {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Security.SuperAdminToken = testSuperToken
	return NewState(cfg, nil, nil)
}

func newTestStateWithStore(t *testing.T) *State {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.DefaultServerConfig()
	cfg.Security.SuperAdminToken = testSuperToken
	return NewState(cfg, st, nil)
}

func connectAgent(t *testing.T, s *State, name string) (uuid.UUID, chan []byte) {
	t.Helper()
	id := uuid.New()
	send := make(chan []byte, sendQueueSize)
	s.RegisterAgent(id, name, "admin-"+name, "share-"+name, send, nil)
	return id, send
}

func connectSession(s *State, role protocol.Role, bound *uuid.UUID) (uuid.UUID, chan []byte) {
	id := uuid.New()
	send := make(chan []byte, sendQueueSize)
	s.RegisterSession(id, role, bound, send)
	return id, send
}

func drainType(t *testing.T, ch chan []byte, want string) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-ch:
			typ, err := protocol.MessageType(data)
			if err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if typ == want {
				return data
			}
		case <-deadline:
			t.Fatalf("no %q frame arrived", want)
		}
	}
}

func TestRegisterAgentKeepsInstancesOnReconnect(t *testing.T) {
	s := newTestState(t)
	agentID, _ := connectAgent(t, s, "box")

	inst := protocol.Instance{
		ID:        uuid.New(),
		AgentID:   agentID,
		Status:    protocol.InstanceRunning,
		CreatedAt: time.Now().UTC(),
	}
	s.AddInstance(agentID, inst)

	// A second registration for the same id replaces the connection but
	// keeps the instance records.
	send2 := make(chan []byte, sendQueueSize)
	s.RegisterAgent(agentID, "box", "admin-box", "share-box", send2, nil)

	got := s.GetInstances(agentID)
	if len(got) != 1 || got[0].ID != inst.ID {
		t.Errorf("instances after re-register = %+v", got)
	}
}

func TestSuspendAndRestore(t *testing.T) {
	s := newTestState(t)
	agentID, _ := connectAgent(t, s, "box")
	instID := uuid.New()
	s.AddInstance(agentID, protocol.Instance{
		ID: instID, AgentID: agentID,
		Status: protocol.InstanceRunning, CreatedAt: time.Now().UTC(),
	})

	s.UpdateAgentInstancesStatus(agentID, protocol.InstanceSuspended)
	if got := s.GetInstances(agentID); got[0].Status != protocol.InstanceSuspended {
		t.Fatalf("status = %s, want suspended", got[0].Status)
	}

	if !s.RestoreInstance(agentID, instID) {
		t.Fatal("restore of suspended instance failed")
	}
	if got := s.GetInstances(agentID); got[0].Status != protocol.InstanceRunning {
		t.Errorf("status = %s, want running", got[0].Status)
	}

	// Already running: the caller must treat it as new.
	if s.RestoreInstance(agentID, instID) {
		t.Error("restore of running instance reported success")
	}
	if s.RestoreInstance(agentID, uuid.New()) {
		t.Error("restore of unknown instance reported success")
	}
}

func TestCleanupExpiredSuspendedInstances(t *testing.T) {
	s := newTestState(t)
	agentID, _ := connectAgent(t, s, "box")

	oldID, freshID, runningID := uuid.New(), uuid.New(), uuid.New()
	s.AddInstance(agentID, protocol.Instance{
		ID: oldID, AgentID: agentID,
		Status: protocol.InstanceSuspended, CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	})
	s.AddInstance(agentID, protocol.Instance{
		ID: freshID, AgentID: agentID,
		Status: protocol.InstanceSuspended, CreatedAt: time.Now().UTC(),
	})
	s.AddInstance(agentID, protocol.Instance{
		ID: runningID, AgentID: agentID,
		Status: protocol.InstanceRunning, CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	})

	removed := s.CleanupExpiredSuspendedInstances(30 * time.Minute)
	if len(removed) != 1 || removed[0] != oldID {
		t.Errorf("removed = %v, want [%s]", removed, oldID)
	}
	if got := s.GetInstances(agentID); len(got) != 2 {
		t.Errorf("instances left = %d, want 2", len(got))
	}
}

func TestAttachDetachCounts(t *testing.T) {
	s := newTestState(t)
	instID := uuid.New()
	s1, _ := connectSession(s, protocol.RoleUser, nil)
	s2, _ := connectSession(s, protocol.RoleUser, nil)

	if n := s.AttachUser(s1, instID); n != 1 {
		t.Errorf("count after first attach = %d, want 1", n)
	}
	if n := s.AttachUser(s2, instID); n != 2 {
		t.Errorf("count after second attach = %d, want 2", n)
	}
	// Attach is idempotent per session.
	if n := s.AttachUser(s1, instID); n != 2 {
		t.Errorf("count after repeat attach = %d, want 2", n)
	}
	if n := s.DetachUser(s1, instID); n != 1 {
		t.Errorf("count after detach = %d, want 1", n)
	}
	s.UnregisterSession(s2)
	if n := s.InstanceUserCount(instID); n != 0 {
		t.Errorf("count after session end = %d, want 0", n)
	}
}

func TestWorkingAgentSelection(t *testing.T) {
	s := newTestState(t)
	agentID, _ := connectAgent(t, s, "box")
	sessID, _ := connectSession(s, protocol.RoleSuperAdmin, nil)

	if err := s.SetWorkingAgent(sessID, uuid.New()); err == nil {
		t.Error("selecting an offline agent succeeded")
	}
	if err := s.SetWorkingAgent(sessID, agentID); err != nil {
		t.Fatalf("SetWorkingAgent: %v", err)
	}

	s.mu.RLock()
	sess := s.sessions[sessID]
	s.mu.RUnlock()
	if got := sess.EffectiveAgent(); got == nil || *got != agentID {
		t.Errorf("effective agent = %v, want %s", got, agentID)
	}

	s.ClearWorkingAgent(sessID)
	if got := sess.EffectiveAgent(); got != nil {
		t.Errorf("effective agent after clear = %v, want nil", got)
	}
}

func TestEffectiveAgentPrefersBound(t *testing.T) {
	bound := uuid.New()
	other := uuid.New()
	sess := &UserSession{BoundAgentID: &bound, WorkingAgentID: &other}
	if got := sess.EffectiveAgent(); *got != bound {
		t.Errorf("effective agent = %s, want bound %s", got, bound)
	}
}

func TestBroadcastToAgentUsers(t *testing.T) {
	s := newTestState(t)
	agentID, _ := connectAgent(t, s, "box")
	otherAgent := uuid.New()

	_, boundCh := connectSession(s, protocol.RoleUser, &agentID)
	_, superCh := connectSession(s, protocol.RoleSuperAdmin, nil)
	_, otherCh := connectSession(s, protocol.RoleUser, &otherAgent)

	s.BroadcastToAgentUsers(agentID, protocol.Pong{Type: protocol.TypePong})

	drainType(t, boundCh, protocol.TypePong)
	drainType(t, superCh, protocol.TypePong)
	select {
	case data := <-otherCh:
		typ, _ := protocol.MessageType(data)
		if typ == protocol.TypePong {
			t.Error("session bound to another agent received the broadcast")
		}
	default:
	}
}

func TestBroadcastToInstanceReachesAttachedOnly(t *testing.T) {
	s := newTestState(t)
	instID := uuid.New()
	attached, attachedCh := connectSession(s, protocol.RoleUser, nil)
	_, detachedCh := connectSession(s, protocol.RoleUser, nil)
	s.AttachUser(attached, instID)

	s.BroadcastToInstance(instID, protocol.PtyOutput{
		Type: protocol.TypePtyOutput, InstanceID: instID, Data: "aGk=",
	})

	data := drainType(t, attachedCh, protocol.TypePtyOutput)
	var out protocol.PtyOutput
	if err := json.Unmarshal(data, &out); err != nil || out.Data != "aGk=" {
		t.Errorf("output frame = %s (err %v)", data, err)
	}
	select {
	case <-detachedCh:
		t.Error("detached session received instance output")
	default:
	}
}

func TestQueueFullDropsFrame(t *testing.T) {
	s := newTestState(t)
	ch := make(chan []byte, 1)
	id := uuid.New()
	s.queueRaw(ch, []byte("a"), "session", id)
	s.queueRaw(ch, []byte("b"), "session", id)
	if len(ch) != 1 {
		t.Fatalf("queue len = %d, want 1", len(ch))
	}
	if got := <-ch; string(got) != "a" {
		t.Errorf("kept frame = %q, want first frame", got)
	}
}

func TestForceCloseInstanceRoutesToOwner(t *testing.T) {
	s := newTestState(t)
	agentID, agentCh := connectAgent(t, s, "box")
	instID := uuid.New()
	s.AddInstance(agentID, protocol.Instance{
		ID: instID, AgentID: agentID,
		Status: protocol.InstanceRunning, CreatedAt: time.Now().UTC(),
	})

	owner, err := s.ForceCloseInstance(instID)
	if err != nil {
		t.Fatalf("ForceCloseInstance: %v", err)
	}
	if owner != agentID {
		t.Errorf("owner = %s, want %s", owner, agentID)
	}

	data := drainType(t, agentCh, protocol.TypeCloseInstance)
	var msg protocol.CloseInstance
	if err := json.Unmarshal(data, &msg); err != nil || msg.InstanceID != instID {
		t.Errorf("close frame = %s (err %v)", data, err)
	}

	if _, err := s.ForceCloseInstance(uuid.New()); err == nil {
		t.Error("force close of unknown instance succeeded")
	}
}

func TestForceDisconnectAgent(t *testing.T) {
	s := newTestState(t)
	agentID, _ := connectAgent(t, s, "box")

	if err := s.ForceDisconnectAgent(agentID); err != nil {
		t.Fatalf("ForceDisconnectAgent: %v", err)
	}
	if s.AgentConnected(agentID) {
		t.Error("agent still listed after force disconnect")
	}
	if err := s.ForceDisconnectAgent(agentID); err == nil {
		t.Error("second force disconnect succeeded")
	}
}

func TestAdminStats(t *testing.T) {
	s := newTestState(t)
	agentID, _ := connectAgent(t, s, "box")
	s.AddInstance(agentID, protocol.Instance{
		ID: uuid.New(), AgentID: agentID,
		Status: protocol.InstanceRunning, CreatedAt: time.Now().UTC(),
	})
	s.AddInstance(agentID, protocol.Instance{
		ID: uuid.New(), AgentID: agentID,
		Status: protocol.InstanceSuspended, CreatedAt: time.Now().UTC(),
	})
	connectSession(s, protocol.RoleUser, &agentID)

	agents, stats := s.AdminStats()
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(agents))
	}
	if agents[0].InstanceCount != 2 || agents[0].UserCount != 1 {
		t.Errorf("agent info = %+v", agents[0])
	}
	if stats.TotalInstances != 2 || stats.RunningInstances != 1 || stats.TotalUsers != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDeleteAgentRemovesPersistedTokens(t *testing.T) {
	s := newTestStateWithStore(t)
	agentID, _ := connectAgent(t, s, "box")

	// Registration persists the token hashes in the background.
	waitFor(t, func() bool {
		rec, _ := s.store.GetAgent(agentID)
		return rec != nil
	})

	if err := s.DeleteAgent(agentID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if s.AgentConnected(agentID) {
		t.Error("agent still connected after delete")
	}
	if rec, _ := s.store.GetAgent(agentID); rec != nil {
		t.Error("agent record survived delete")
	}
	if _, _, ok := s.Authenticate("admin-box"); ok {
		t.Error("deleted agent's token still authenticates")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClientIPHeader(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"direct", "", "203.0.113.9:51234", "203.0.113.9"},
		{"forwarded", "198.51.100.7", "127.0.0.1:80", "198.51.100.7"},
		{"forwarded chain", "198.51.100.7, 10.0.0.1", "127.0.0.1:80", "198.51.100.7"},
		{"unparseable remote", "", "bogus", "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: http.Header{}}
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

// Package server is the routing core of the tunnel: it accepts agent and
// user websockets, authenticates users, and relays terminal traffic
// between the two sides. All live state is in-memory; only agent
// identities, terminal history and audit logs persist.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/config"
	"github.com/termtunnel/termtunnel/internal/protocol"
	"github.com/termtunnel/termtunnel/internal/ratelimit"
	"github.com/termtunnel/termtunnel/internal/store"
)

// sendQueueSize bounds each peer's outbound frame queue. A peer that
// cannot drain 256 frames is slow; further frames to it are dropped.
const sendQueueSize = 256

// ConnectedAgent is one live agent connection.
type ConnectedAgent struct {
	ID          uuid.UUID
	Name        string
	ConnectedAt time.Time

	adminTokenHash string
	shareTokenHash string

	send       chan []byte
	disconnect context.CancelFunc
}

// UserSession is one authenticated user websocket.
type UserSession struct {
	ID   uuid.UUID
	Role protocol.Role
	// BoundAgentID is fixed at auth time; nil for super admins.
	BoundAgentID *uuid.UUID
	// WorkingAgentID is a super admin's currently selected agent.
	WorkingAgentID *uuid.UUID

	attached map[uuid.UUID]bool
	send     chan []byte
}

// EffectiveAgent is the agent a session's commands act on: the bound agent
// for admins and users, the selected working agent for super admins.
func (u *UserSession) EffectiveAgent() *uuid.UUID {
	if u.BoundAgentID != nil {
		return u.BoundAgentID
	}
	return u.WorkingAgentID
}

// State is the shared server state: connected agents, user sessions,
// instance records and the persistence and rate-limit backends.
// Instances live outside the agent records so that suspended instances
// survive an agent disconnect and can be restored on reconnect.
type State struct {
	cfg     *config.ServerConfig
	store   *store.Store
	limiter ratelimit.Limiter

	mu        sync.RWMutex
	agents    map[uuid.UUID]*ConnectedAgent
	sessions  map[uuid.UUID]*UserSession
	instances map[uuid.UUID]*protocol.Instance
}

// NewState builds the server state. The limiter may be nil (no limiting).
func NewState(cfg *config.ServerConfig, st *store.Store, limiter ratelimit.Limiter) *State {
	return &State{
		cfg:       cfg,
		store:     st,
		limiter:   limiter,
		agents:    make(map[uuid.UUID]*ConnectedAgent),
		sessions:  make(map[uuid.UUID]*UserSession),
		instances: make(map[uuid.UUID]*protocol.Instance),
	}
}

// ==========================================================================
// Agent registry
// ==========================================================================

// RegisterAgent records a connected agent, persists its identity in the
// background, and announces it online. A re-register for the same id
// replaces the previous connection's channel. Instance records are kept
// separately and are untouched by registration.
func (s *State) RegisterAgent(id uuid.UUID, name, adminToken, shareToken string, send chan []byte, disconnect context.CancelFunc) {
	adminHash := HashToken(adminToken)
	shareHash := HashToken(shareToken)

	s.mu.Lock()
	s.agents[id] = &ConnectedAgent{
		ID:             id,
		Name:           name,
		ConnectedAt:    time.Now().UTC(),
		adminTokenHash: adminHash,
		shareTokenHash: shareHash,
		send:           send,
		disconnect:     disconnect,
	}
	s.mu.Unlock()

	if s.store != nil {
		go func() {
			if err := s.store.UpsertAgent(id, name, adminHash, shareHash); err != nil {
				slog.Error("persist agent failed", "agent", id, "err", err)
			}
		}()
	}

	s.BroadcastAgentStatus(id, true)
}

// UnregisterAgent drops an agent's connection record and announces it
// offline. Instance records stay behind in suspended form until the
// reaper expires them or the agent reconnects.
func (s *State) UnregisterAgent(id uuid.UUID) {
	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()
	s.BroadcastAgentStatus(id, false)
}

// AgentName returns a connected agent's display name.
func (s *State) AgentName(id uuid.UUID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return "", false
	}
	return agent.Name, true
}

// AgentConnected reports whether an agent currently holds a connection.
func (s *State) AgentConnected(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[id]
	return ok
}

// SendToAgent queues a frame for an agent. Unknown agents are an error;
// a full queue drops the frame.
func (s *State) SendToAgent(id uuid.UUID, msg any) error {
	s.mu.RLock()
	agent, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s not connected", id)
	}
	s.queueFrame(agent.send, msg, "agent", id)
	return nil
}

// ==========================================================================
// Instance records
// ==========================================================================

// GetInstances lists an agent's instances with live attach counts.
func (s *State) GetInstances(agentID uuid.UUID) []protocol.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.Instance
	for _, inst := range s.instances {
		if inst.AgentID != agentID {
			continue
		}
		snapshot := *inst
		snapshot.AttachedUsers = s.instanceUserCountLocked(inst.ID)
		out = append(out, snapshot)
	}
	return out
}

// AddInstance records a new instance.
func (s *State) AddInstance(agentID uuid.UUID, inst protocol.Instance) {
	inst.AgentID = agentID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = &inst
}

// RemoveInstance drops an instance record.
func (s *State) RemoveInstance(agentID, instanceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[instanceID]; ok && inst.AgentID == agentID {
		delete(s.instances, instanceID)
	}
}

// FindInstanceAgent locates the agent owning an instance.
func (s *State) FindInstanceAgent(instanceID uuid.UUID) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return uuid.Nil, false
	}
	return inst.AgentID, true
}

// UpdateAgentInstancesStatus sets the status of every instance of one
// agent. Used to suspend on disconnect.
func (s *State) UpdateAgentInstancesStatus(agentID uuid.UUID, status protocol.InstanceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.AgentID == agentID {
			inst.Status = status
		}
	}
}

// RestoreInstance flips a suspended instance back to running. Returns
// false when the instance is unknown, belongs to another agent or was not
// suspended, in which case the caller adds it as new.
func (s *State) RestoreInstance(agentID, instanceID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok || inst.AgentID != agentID || inst.Status != protocol.InstanceSuspended {
		return false
	}
	inst.Status = protocol.InstanceRunning
	slog.Info("restored suspended instance", "instance", instanceID, "agent", agentID)
	return true
}

// CleanupExpiredSuspendedInstances removes instances suspended longer than
// timeout, measured from their creation time, and returns the removed ids.
func (s *State) CleanupExpiredSuspendedInstances(timeout time.Duration) []uuid.UUID {
	now := time.Now().UTC()
	var removed []uuid.UUID

	s.mu.Lock()
	for id, inst := range s.instances {
		if inst.Status != protocol.InstanceSuspended {
			continue
		}
		if now.Sub(inst.CreatedAt) > timeout {
			delete(s.instances, id)
			removed = append(removed, id)
			slog.Info("reaped expired suspended instance", "instance", id, "agent", inst.AgentID)
		}
	}
	s.mu.Unlock()

	return removed
}

// ==========================================================================
// User sessions
// ==========================================================================

// RegisterSession records an authenticated user session.
func (s *State) RegisterSession(id uuid.UUID, role protocol.Role, boundAgent *uuid.UUID, send chan []byte) *UserSession {
	sess := &UserSession{
		ID:           id,
		Role:         role,
		BoundAgentID: boundAgent,
		attached:     make(map[uuid.UUID]bool),
		send:         send,
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess
}

// UnregisterSession drops a user session.
func (s *State) UnregisterSession(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SessionCount reports the number of live user sessions.
func (s *State) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// AttachUser subscribes a session to an instance's output and returns the
// new attach count for that instance.
func (s *State) AttachUser(sessionID, instanceID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.attached[instanceID] = true
	}
	return s.instanceUserCountLocked(instanceID)
}

// DetachUser removes a subscription and returns the new attach count.
func (s *State) DetachUser(sessionID, instanceID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		delete(sess.attached, instanceID)
	}
	return s.instanceUserCountLocked(instanceID)
}

// InstanceUserCount counts the sessions attached to an instance.
func (s *State) InstanceUserCount(instanceID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instanceUserCountLocked(instanceID)
}

func (s *State) instanceUserCountLocked(instanceID uuid.UUID) int {
	n := 0
	for _, sess := range s.sessions {
		if sess.attached[instanceID] {
			n++
		}
	}
	return n
}

// SetWorkingAgent points a super admin session at an agent. The agent must
// be connected.
func (s *State) SetWorkingAgent(sessionID, agentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return fmt.Errorf("agent %s not connected", agentID)
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	id := agentID
	sess.WorkingAgentID = &id
	return nil
}

// ClearWorkingAgent drops a super admin session's agent selection.
func (s *State) ClearWorkingAgent(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.WorkingAgentID = nil
	}
}

// ==========================================================================
// Fan-out
// ==========================================================================

// SendToSession queues a frame for one session.
func (s *State) SendToSession(sessionID uuid.UUID, msg any) error {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	s.queueFrame(sess.send, msg, "session", sessionID)
	return nil
}

// BroadcastToInstance fans a frame out to every session attached to an
// instance.
func (s *State) BroadcastToInstance(instanceID uuid.UUID, msg any) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("encode broadcast failed", "err", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if sess.attached[instanceID] {
			s.queueRaw(sess.send, data, "session", id)
		}
	}
}

// BroadcastToAgentUsers fans a frame out to the sessions bound to an agent
// plus all unbound (super admin) sessions.
func (s *State) BroadcastToAgentUsers(agentID uuid.UUID, msg any) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("encode broadcast failed", "err", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if sess.BoundAgentID == nil || *sess.BoundAgentID == agentID {
			s.queueRaw(sess.send, data, "session", id)
		}
	}
}

// BroadcastToSuperAdmins fans a frame out to unbound sessions only.
func (s *State) BroadcastToSuperAdmins(msg any) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("encode broadcast failed", "err", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if sess.BoundAgentID == nil {
			s.queueRaw(sess.send, data, "session", id)
		}
	}
}

// BroadcastAgentStatus announces an agent going online or offline to its
// users and the super admins.
func (s *State) BroadcastAgentStatus(agentID uuid.UUID, online bool) {
	s.BroadcastToAgentUsers(agentID, protocol.AgentStatusChanged{
		Type:    protocol.TypeAgentStatusChanged,
		AgentID: agentID,
		Online:  online,
	})
}

// queueFrame marshals and queues a frame, dropping it when the peer's
// queue is full.
func (s *State) queueFrame(ch chan []byte, msg any, kind string, id uuid.UUID) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("encode frame failed", "err", err)
		return
	}
	s.queueRaw(ch, data, kind, id)
}

func (s *State) queueRaw(ch chan []byte, data []byte, kind string, id uuid.UUID) {
	select {
	case ch <- data:
	default:
		slog.Warn("peer queue full, dropping frame", "peer", kind, "id", id)
	}
}

// ==========================================================================
// Admin operations
// ==========================================================================

// AdminStats snapshots every connected agent plus global totals.
func (s *State) AdminStats() ([]protocol.AgentInfo, protocol.GlobalStats) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]protocol.AgentInfo, 0, len(s.agents))
	totalInstances := len(s.instances)
	runningInstances := 0
	for _, inst := range s.instances {
		if inst.Status == protocol.InstanceRunning {
			runningInstances++
		}
	}

	for id, agent := range s.agents {
		instanceCount := 0
		for _, inst := range s.instances {
			if inst.AgentID == id {
				instanceCount++
			}
		}
		userCount := 0
		for _, sess := range s.sessions {
			if sess.BoundAgentID != nil && *sess.BoundAgentID == id {
				userCount++
			}
		}

		connectedAt := agent.ConnectedAt
		infos = append(infos, protocol.AgentInfo{
			ID:            id,
			Name:          agent.Name,
			Status:        protocol.AgentOnline,
			ConnectedAt:   &connectedAt,
			InstanceCount: instanceCount,
			UserCount:     userCount,
		})
	}

	stats := protocol.GlobalStats{
		TotalAgents:      len(s.agents),
		OnlineAgents:     len(s.agents),
		TotalInstances:   totalInstances,
		RunningInstances: runningInstances,
		TotalUsers:       len(s.sessions),
	}
	return infos, stats
}

// ForceDisconnectAgent drops an agent's connection and announces it
// offline. The agent will reconnect on its own schedule.
func (s *State) ForceDisconnectAgent(agentID uuid.UUID) error {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if ok {
		delete(s.agents, agentID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s not found", agentID)
	}
	if agent.disconnect != nil {
		agent.disconnect()
	}
	s.BroadcastAgentStatus(agentID, false)
	return nil
}

// DeleteAgent removes an agent and its instance records from memory and
// drops its database row, so its tokens stop authenticating.
func (s *State) DeleteAgent(agentID uuid.UUID) error {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if ok {
		delete(s.agents, agentID)
	}
	for id, inst := range s.instances {
		if inst.AgentID == agentID {
			delete(s.instances, id)
		}
	}
	s.mu.Unlock()
	if ok && agent.disconnect != nil {
		agent.disconnect()
	}

	if s.store != nil {
		if _, err := s.store.DeleteAgent(agentID); err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
	}
	s.BroadcastAgentStatus(agentID, false)
	return nil
}

// ForceCloseInstance asks whichever agent owns the instance to close it.
// Returns the owning agent id.
func (s *State) ForceCloseInstance(instanceID uuid.UUID) (uuid.UUID, error) {
	agentID, ok := s.FindInstanceAgent(instanceID)
	if !ok {
		return uuid.Nil, fmt.Errorf("instance %s not found", instanceID)
	}
	if err := s.SendToAgent(agentID, protocol.CloseInstance{
		Type:       protocol.TypeCloseInstance,
		InstanceID: instanceID,
	}); err != nil {
		return uuid.Nil, err
	}
	return agentID, nil
}

// ==========================================================================
// History and audit pass-throughs
// ==========================================================================

// SavePtyOutput appends output to an instance's history ring in the
// background. Data stays in its wire (base64) form.
func (s *State) SavePtyOutput(instanceID uuid.UUID, data string) {
	if s.store == nil || !s.cfg.TerminalHistory.Enabled {
		return
	}
	bufferKB := s.cfg.TerminalHistory.DefaultBufferSizeKB
	go func() {
		if _, err := s.store.SaveTerminalHistory(instanceID, data, len(data), bufferKB); err != nil {
			slog.Warn("save terminal history failed", "instance", instanceID, "err", err)
		}
	}()
}

// TerminalHistory returns an instance's stored output as replayable
// pty_output frames.
func (s *State) TerminalHistory(instanceID uuid.UUID) ([]protocol.PtyOutput, error) {
	if s.store == nil || !s.cfg.TerminalHistory.Enabled {
		return nil, nil
	}
	chunks, err := s.store.GetTerminalHistory(instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.PtyOutput, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, protocol.PtyOutput{
			Type:       protocol.TypePtyOutput,
			InstanceID: instanceID,
			Data:       c.OutputData,
		})
	}
	return out, nil
}

// DeleteTerminalHistory drops an instance's history in the background.
func (s *State) DeleteTerminalHistory(instanceID uuid.UUID) {
	if s.store == nil {
		return
	}
	go func() {
		if err := s.store.DeleteTerminalHistory(instanceID); err != nil {
			slog.Warn("delete terminal history failed", "instance", instanceID, "err", err)
		}
	}()
}

// LogAuditEvent appends an audit record in the background.
func (s *State) LogAuditEvent(ev store.AuditEvent) {
	if s.store == nil || !s.cfg.AuditLog.Enabled {
		return
	}
	go func() {
		if err := s.store.InsertAuditLog(ev); err != nil {
			slog.Warn("audit log write failed", "event", ev.EventType, "err", err)
		}
	}()
}

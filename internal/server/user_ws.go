package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/protocol"
	"github.com/termtunnel/termtunnel/internal/store"
)

const userAuthTimeout = 30 * time.Second

var errPermissionDenied = errors.New("permission denied")

// errNoWorkingAgent is returned for commands needing an agent when a super
// admin has not selected one.
var errNoWorkingAgent = errors.New("no agent associated with session; select a working agent first")

// HandleUserWS serves one user channel: rate limit, authenticate, then
// relay commands until the peer goes away.
func (s *State) HandleUserWS(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("user websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 * 1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sessionID := uuid.New()

	role, agentID, ok := s.waitForAuth(ctx, conn, clientIP)
	if !ok {
		s.LogAuditEvent(store.AuditEvent{
			EventType: "auth_failure",
			SessionID: sessionID.String(),
			UserRole:  "unknown",
			ClientIP:  clientIP,
			Success:   false,
		})
		s.writeDirect(ctx, conn, protocol.AuthResult{
			Type:    protocol.TypeAuthResult,
			Success: false,
			Error:   "Authentication failed",
		})
		return
	}

	send := make(chan []byte, sendQueueSize)
	sess := s.RegisterSession(sessionID, role, agentID, send)
	defer func() {
		s.UnregisterSession(sessionID)
		slog.Info("user session ended", "session", sessionID)
	}()

	slog.Info("user authenticated", "session", sessionID, "role", role, "agent", agentID, "ip", clientIP)
	s.LogAuditEvent(store.AuditEvent{
		EventType: "auth_success",
		SessionID: sessionID.String(),
		UserRole:  string(role),
		AgentID:   agentID,
		ClientIP:  clientIP,
		Success:   true,
	})

	var agentName string
	if agentID != nil {
		agentName, _ = s.AgentName(*agentID)
	}
	if err := s.writeDirect(ctx, conn, protocol.AuthResult{
		Type:      protocol.TypeAuthResult,
		Success:   true,
		Role:      role,
		AgentName: agentName,
		AgentID:   agentID,
	}); err != nil {
		return
	}
	if agentID != nil {
		s.writeDirect(ctx, conn, protocol.InstanceList{
			Type:      protocol.TypeInstanceList,
			Instances: s.GetInstances(*agentID),
		})
	}

	go s.forwardFrames(ctx, conn, send)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Info("user connection closed", "session", sessionID, "err", err)
			return
		}
		if err := s.handleUserFrame(sess, clientIP, data); err != nil {
			slog.Error("user frame handling failed", "session", sessionID, "err", err)
			s.SendToSession(sessionID, protocol.ErrorMsg{
				Type:    protocol.TypeError,
				Message: err.Error(),
			})
		}
	}
}

// waitForAuth reads until the first auth frame and resolves it. The rate
// limiter is consulted before the token is looked at.
func (s *State) waitForAuth(ctx context.Context, conn *websocket.Conn, clientIP string) (protocol.Role, *uuid.UUID, bool) {
	authCtx, cancel := context.WithTimeout(ctx, userAuthTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(authCtx)
		if err != nil {
			return "", nil, false
		}
		typ, err := protocol.MessageType(data)
		if err != nil || typ != protocol.TypeAuth {
			continue
		}
		var auth protocol.Auth
		if err := protocol.Unmarshal(data, &auth); err != nil {
			return "", nil, false
		}

		if s.limiter != nil && !s.limiter.Allow(authCtx, clientIP) {
			slog.Warn("auth rate limit exceeded", "ip", clientIP)
			return "", nil, false
		}

		role, agentID, ok := s.Authenticate(auth.Token)
		if !ok {
			return "", nil, false
		}
		return role, agentID, true
	}
}

// handleUserFrame routes one user command. A returned error is reported
// over the channel; the channel itself stays open.
func (s *State) handleUserFrame(sess *UserSession, clientIP string, data []byte) error {
	typ, err := protocol.MessageType(data)
	if err != nil {
		return err
	}

	switch typ {
	case protocol.TypeAuth:
		slog.Debug("ignoring duplicate auth", "session", sess.ID)
		return nil

	case protocol.TypeCreateInstance:
		return s.userCreateInstance(sess, clientIP, data)

	case protocol.TypeCloseInstance:
		return s.userCloseInstance(sess, clientIP, data)

	case protocol.TypeAttach:
		var msg protocol.Attach
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		return s.userAttach(sess, clientIP, msg.InstanceID)

	case protocol.TypeDetach:
		var msg protocol.Detach
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		return s.userDetach(sess, clientIP, msg.InstanceID)

	case protocol.TypePtyInput:
		var msg protocol.PtyInput
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		if agentID := s.effectiveAgent(sess); agentID != nil {
			return s.SendToAgent(*agentID, msg)
		}
		return nil

	case protocol.TypeResize:
		var msg protocol.Resize
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		if agentID := s.effectiveAgent(sess); agentID != nil {
			return s.SendToAgent(*agentID, msg)
		}
		return nil

	case protocol.TypeListInstances:
		var instances []protocol.Instance
		if agentID := s.effectiveAgent(sess); agentID != nil {
			instances = s.GetInstances(*agentID)
		}
		if instances == nil {
			instances = []protocol.Instance{}
		}
		return s.SendToSession(sess.ID, protocol.InstanceList{
			Type:      protocol.TypeInstanceList,
			Instances: instances,
		})

	case protocol.TypeHeartbeat:
		return s.SendToSession(sess.ID, protocol.Pong{Type: protocol.TypePong})

	case protocol.TypeGetAdminStats:
		if !sess.Role.CanManageAllAgents() {
			return errPermissionDenied
		}
		agents, stats := s.AdminStats()
		return s.SendToSession(sess.ID, protocol.AdminStats{
			Type:   protocol.TypeAdminStats,
			Agents: agents,
			Stats:  stats,
		})

	case protocol.TypeForceDisconnectAgent:
		return s.userForceDisconnect(sess, clientIP, data)

	case protocol.TypeForceCloseInstance:
		return s.userForceClose(sess, clientIP, data)

	case protocol.TypeDeleteAgent:
		return s.userDeleteAgent(sess, clientIP, data)

	case protocol.TypeGetAllTags:
		if !sess.Role.CanCreateInstance() {
			return errPermissionDenied
		}
		tags, err := s.store.GetAllTags()
		if err != nil {
			return err
		}
		if tags == nil {
			tags = []string{}
		}
		return s.SendToSession(sess.ID, protocol.TagList{Type: protocol.TypeTagList, Tags: tags})

	case protocol.TypeGetAgentTags:
		if !sess.Role.CanCreateInstance() {
			return errPermissionDenied
		}
		var msg protocol.AgentIDCommand
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		tags, err := s.store.GetAgentTags(msg.AgentID)
		if err != nil {
			return err
		}
		if tags == nil {
			tags = []string{}
		}
		return s.SendToSession(sess.ID, protocol.AgentTagList{
			Type:    protocol.TypeAgentTags,
			AgentID: msg.AgentID,
			Tags:    tags,
		})

	case protocol.TypeAddAgentTag, protocol.TypeRemoveAgentTag:
		return s.userTagChange(sess, clientIP, typ, data)

	case protocol.TypeGetAuditLogs:
		return s.userAuditLogs(sess, data)

	case protocol.TypeSelectWorkingAgent:
		return s.userSelectWorkingAgent(sess, clientIP, data)

	case protocol.TypeClearWorkingAgent:
		if !sess.Role.CanManageAllAgents() {
			return errPermissionDenied
		}
		s.ClearWorkingAgent(sess.ID)
		s.LogAuditEvent(store.AuditEvent{
			EventType: "clear_working_agent",
			SessionID: sess.ID.String(),
			UserRole:  string(sess.Role),
			ClientIP:  clientIP,
			Success:   true,
		})
		return s.SendToSession(sess.ID, protocol.WorkingAgentCleared{Type: protocol.TypeWorkingAgentCleared})

	case protocol.TypeListAgentInstances:
		if !sess.Role.CanManageAllAgents() {
			return errPermissionDenied
		}
		var msg protocol.AgentIDCommand
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		instances := s.GetInstances(msg.AgentID)
		if instances == nil {
			instances = []protocol.Instance{}
		}
		return s.SendToSession(sess.ID, protocol.InstanceList{
			Type:      protocol.TypeInstanceList,
			Instances: instances,
		})

	default:
		slog.Warn("unknown frame from user", "session", sess.ID, "type", typ)
		return nil
	}
}

func (s *State) userCreateInstance(sess *UserSession, clientIP string, data []byte) error {
	if !sess.Role.CanCreateInstance() {
		return errPermissionDenied
	}
	agentID := s.effectiveAgent(sess)
	if agentID == nil {
		return errNoWorkingAgent
	}
	var msg protocol.UserCreateInstance
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return err
	}

	instanceID := uuid.New()
	slog.Info("instance creation requested",
		"session", sess.ID, "agent", *agentID, "instance", instanceID, "cwd", msg.Cwd)

	cwdDetails := "cwd: " + msg.Cwd
	s.LogAuditEvent(store.AuditEvent{
		EventType:  "create_instance",
		SessionID:  sess.ID.String(),
		UserRole:   string(sess.Role),
		AgentID:    agentID,
		InstanceID: &instanceID,
		ClientIP:   clientIP,
		Success:    true,
		Details:    &cwdDetails,
	})

	return s.SendToAgent(*agentID, protocol.CreateInstance{
		Type:       protocol.TypeCreateInstance,
		InstanceID: instanceID,
		Cwd:        msg.Cwd,
	})
}

func (s *State) userCloseInstance(sess *UserSession, clientIP string, data []byte) error {
	if !sess.Role.CanCloseInstance() {
		return errPermissionDenied
	}
	agentID := s.effectiveAgent(sess)
	if agentID == nil {
		return errNoWorkingAgent
	}
	var msg protocol.UserCloseInstance
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return err
	}

	s.LogAuditEvent(store.AuditEvent{
		EventType:  "close_instance",
		SessionID:  sess.ID.String(),
		UserRole:   string(sess.Role),
		AgentID:    agentID,
		InstanceID: &msg.InstanceID,
		ClientIP:   clientIP,
		Success:    true,
	})

	return s.SendToAgent(*agentID, protocol.CloseInstance{
		Type:       protocol.TypeCloseInstance,
		InstanceID: msg.InstanceID,
	})
}

func (s *State) userAttach(sess *UserSession, clientIP string, instanceID uuid.UUID) error {
	s.AttachUser(sess.ID, instanceID)
	s.LogAuditEvent(store.AuditEvent{
		EventType:  "attach",
		SessionID:  sess.ID.String(),
		UserRole:   string(sess.Role),
		AgentID:    sess.BoundAgentID,
		InstanceID: &instanceID,
		ClientIP:   clientIP,
		Success:    true,
	})

	// Replay stored history before any live output reaches the session.
	history, err := s.TerminalHistory(instanceID)
	if err != nil {
		slog.Warn("history replay failed", "instance", instanceID, "err", err)
	}
	for _, frame := range history {
		s.SendToSession(sess.ID, frame)
	}

	s.BroadcastToInstance(instanceID, protocol.UserJoined{
		Type:       protocol.TypeUserJoined,
		InstanceID: instanceID,
		UserCount:  s.InstanceUserCount(instanceID),
	})
	return nil
}

func (s *State) userDetach(sess *UserSession, clientIP string, instanceID uuid.UUID) error {
	s.DetachUser(sess.ID, instanceID)
	s.LogAuditEvent(store.AuditEvent{
		EventType:  "detach",
		SessionID:  sess.ID.String(),
		UserRole:   string(sess.Role),
		AgentID:    sess.BoundAgentID,
		InstanceID: &instanceID,
		ClientIP:   clientIP,
		Success:    true,
	})

	s.BroadcastToInstance(instanceID, protocol.UserLeft{
		Type:       protocol.TypeUserLeft,
		InstanceID: instanceID,
		UserCount:  s.InstanceUserCount(instanceID),
	})
	return nil
}

func (s *State) userForceDisconnect(sess *UserSession, clientIP string, data []byte) error {
	if !sess.Role.CanManageAllAgents() {
		return errPermissionDenied
	}
	var msg protocol.AgentIDCommand
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return err
	}
	if err := s.ForceDisconnectAgent(msg.AgentID); err != nil {
		return err
	}
	s.LogAuditEvent(store.AuditEvent{
		EventType: "force_disconnect_agent",
		SessionID: sess.ID.String(),
		UserRole:  string(sess.Role),
		TargetID:  &msg.AgentID,
		ClientIP:  clientIP,
		Success:   true,
	})
	event := protocol.AgentEvent{Type: protocol.TypeAgentDisconnected, AgentID: msg.AgentID}
	s.SendToSession(sess.ID, event)
	s.BroadcastToSuperAdmins(event)
	return nil
}

func (s *State) userForceClose(sess *UserSession, clientIP string, data []byte) error {
	if !sess.Role.CanManageAllAgents() {
		return errPermissionDenied
	}
	var msg protocol.InstanceIDCommand
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return err
	}
	owningAgent, err := s.ForceCloseInstance(msg.InstanceID)
	if err != nil {
		return err
	}
	s.LogAuditEvent(store.AuditEvent{
		EventType:  "force_close_instance",
		SessionID:  sess.ID.String(),
		UserRole:   string(sess.Role),
		AgentID:    &owningAgent,
		InstanceID: &msg.InstanceID,
		ClientIP:   clientIP,
		Success:    true,
	})
	// The instance_closed broadcast follows once the agent confirms.
	return nil
}

func (s *State) userDeleteAgent(sess *UserSession, clientIP string, data []byte) error {
	if !sess.Role.CanManageAllAgents() {
		return errPermissionDenied
	}
	var msg protocol.AgentIDCommand
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return err
	}
	if err := s.DeleteAgent(msg.AgentID); err != nil {
		return err
	}
	s.LogAuditEvent(store.AuditEvent{
		EventType: "delete_agent",
		SessionID: sess.ID.String(),
		UserRole:  string(sess.Role),
		TargetID:  &msg.AgentID,
		ClientIP:  clientIP,
		Success:   true,
	})
	event := protocol.AgentEvent{Type: protocol.TypeAgentDeleted, AgentID: msg.AgentID}
	s.SendToSession(sess.ID, event)
	s.BroadcastToSuperAdmins(event)
	return nil
}

func (s *State) userTagChange(sess *UserSession, clientIP, typ string, data []byte) error {
	if !sess.Role.CanCreateInstance() {
		return errPermissionDenied
	}
	var msg protocol.TagCommand
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return err
	}

	var eventType, broadcastType string
	if typ == protocol.TypeAddAgentTag {
		if err := s.store.AddAgentTag(msg.AgentID, msg.Tag); err != nil {
			return err
		}
		eventType, broadcastType = "add_agent_tag", protocol.TypeTagAdded
	} else {
		if err := s.store.RemoveAgentTag(msg.AgentID, msg.Tag); err != nil {
			return err
		}
		eventType, broadcastType = "remove_agent_tag", protocol.TypeTagRemoved
	}

	tagDetails := "tag: " + msg.Tag
	s.LogAuditEvent(store.AuditEvent{
		EventType: eventType,
		SessionID: sess.ID.String(),
		UserRole:  string(sess.Role),
		TargetID:  &msg.AgentID,
		ClientIP:  clientIP,
		Success:   true,
		Details:   &tagDetails,
	})

	s.broadcastToAllSessions(protocol.TagEvent{
		Type:    broadcastType,
		AgentID: msg.AgentID,
		Tag:     msg.Tag,
	})
	return nil
}

func (s *State) userAuditLogs(sess *UserSession, data []byte) error {
	if !sess.Role.CanManageAllAgents() {
		return errPermissionDenied
	}
	var msg protocol.GetAuditLogs
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return err
	}
	limit, offset := 100, 0
	if msg.Limit != nil {
		limit = *msg.Limit
	}
	if msg.Offset != nil {
		offset = *msg.Offset
	}
	logs, total, err := s.store.GetAuditLogs(msg.EventType, limit, offset)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []protocol.AuditLogEntry{}
	}
	return s.SendToSession(sess.ID, protocol.AuditLogList{
		Type:  protocol.TypeAuditLogList,
		Logs:  logs,
		Total: total,
	})
}

func (s *State) userSelectWorkingAgent(sess *UserSession, clientIP string, data []byte) error {
	if !sess.Role.CanManageAllAgents() {
		return errPermissionDenied
	}
	var msg protocol.AgentIDCommand
	if err := protocol.Unmarshal(data, &msg); err != nil {
		return err
	}

	name, ok := s.AgentName(msg.AgentID)
	if !ok {
		return s.SendToSession(sess.ID, protocol.WorkingAgentSelected{
			Type:    protocol.TypeWorkingAgentSelected,
			AgentID: msg.AgentID,
			Success: false,
			Error:   "Agent not found or offline",
		})
	}
	if err := s.SetWorkingAgent(sess.ID, msg.AgentID); err != nil {
		return err
	}

	nameDetails := "agent_name: " + name
	s.LogAuditEvent(store.AuditEvent{
		EventType: "select_working_agent",
		SessionID: sess.ID.String(),
		UserRole:  string(sess.Role),
		AgentID:   &msg.AgentID,
		ClientIP:  clientIP,
		Success:   true,
		Details:   &nameDetails,
	})

	if err := s.SendToSession(sess.ID, protocol.WorkingAgentSelected{
		Type:      protocol.TypeWorkingAgentSelected,
		AgentID:   msg.AgentID,
		AgentName: name,
		Success:   true,
	}); err != nil {
		return err
	}
	instances := s.GetInstances(msg.AgentID)
	if instances == nil {
		instances = []protocol.Instance{}
	}
	return s.SendToSession(sess.ID, protocol.InstanceList{
		Type:      protocol.TypeInstanceList,
		Instances: instances,
	})
}

// effectiveAgent reads the session's effective agent under the state lock;
// a super admin's working agent can change concurrently.
func (s *State) effectiveAgent(sess *UserSession) *uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sess.EffectiveAgent()
}

// broadcastToAllSessions fans a frame out to every user session, used for
// tag change notifications.
func (s *State) broadcastToAllSessions(msg any) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("encode broadcast failed", "err", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		s.queueRaw(sess.send, data, "session", id)
	}
}

// writeDirect writes one frame on the socket itself, used before the
// forwarder goroutine starts and for auth failures.
func (s *State) writeDirect(ctx context.Context, conn *websocket.Conn, msg any) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// clientIP resolves the peer address, honoring X-Forwarded-For when a
// reverse proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

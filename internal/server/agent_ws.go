package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/protocol"
)

const agentRegisterTimeout = 30 * time.Second

// HandleAgentWS serves one agent control channel. The first frame must be
// a register; after that the handler relays agent frames into server state
// and a forwarder goroutine drains the agent's outbound queue.
func (s *State) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("agent websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 * 1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	reg, ok := s.waitForRegister(ctx, conn)
	if !ok {
		slog.Warn("agent closed before registering", "remote", r.RemoteAddr)
		return
	}

	send := make(chan []byte, sendQueueSize)
	s.RegisterAgent(reg.AgentID, reg.Name, reg.AdminToken, reg.ShareToken, send, cancel)
	slog.Info("agent registered", "agent", reg.AgentID, "name", reg.Name)

	defer func() {
		// Suspend before unregistering so records survive for restore.
		s.UpdateAgentInstancesStatus(reg.AgentID, protocol.InstanceSuspended)
		s.UnregisterAgent(reg.AgentID)
		slog.Info("agent unregistered", "agent", reg.AgentID, "name", reg.Name)
	}()

	go s.forwardFrames(ctx, conn, send)

	s.queueFrame(send, protocol.Registered{
		Type:    protocol.TypeRegistered,
		Message: "Registration successful",
	}, "agent", reg.AgentID)

	s.adoptExistingInstances(reg)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Info("agent connection closed", "agent", reg.AgentID, "err", err)
			return
		}
		if err := s.handleAgentFrame(reg.AgentID, data); err != nil {
			slog.Error("agent frame handling failed", "agent", reg.AgentID, "err", err)
		}
	}
}

// waitForRegister reads frames until a register arrives; anything else
// before it is skipped.
func (s *State) waitForRegister(ctx context.Context, conn *websocket.Conn) (*protocol.Register, bool) {
	regCtx, cancel := context.WithTimeout(ctx, agentRegisterTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(regCtx)
		if err != nil {
			return nil, false
		}
		typ, err := protocol.MessageType(data)
		if err != nil || typ != protocol.TypeRegister {
			continue
		}
		var reg protocol.Register
		if err := protocol.Unmarshal(data, &reg); err != nil {
			continue
		}
		return &reg, true
	}
}

// forwardFrames drains the agent's outbound queue onto the websocket.
func (s *State) forwardFrames(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// adoptExistingInstances reconciles the reconnection-sync list: suspended
// records flip back to running silently, unknown instances are added fresh
// and announced to users.
func (s *State) adoptExistingInstances(reg *protocol.Register) {
	if len(reg.ExistingInstances) == 0 {
		return
	}
	slog.Info("agent reconnecting with instances",
		"agent", reg.AgentID, "count", len(reg.ExistingInstances))

	for _, existing := range reg.ExistingInstances {
		if s.RestoreInstance(reg.AgentID, existing.ID) {
			continue
		}
		inst := protocol.Instance{
			ID:        existing.ID,
			AgentID:   reg.AgentID,
			Cwd:       existing.Cwd,
			Status:    protocol.InstanceRunning,
			CreatedAt: time.Now().UTC(),
		}
		s.AddInstance(reg.AgentID, inst)
		slog.Info("adopted recovered instance", "instance", existing.ID, "agent", reg.AgentID)
		s.BroadcastToAgentUsers(reg.AgentID, protocol.InstanceCreatedEvent{
			Type:     protocol.TypeInstanceCreated,
			Instance: inst,
		})
	}
}

// handleAgentFrame routes one agent frame. Errors never close the channel.
func (s *State) handleAgentFrame(agentID uuid.UUID, data []byte) error {
	typ, err := protocol.MessageType(data)
	if err != nil {
		return err
	}

	switch typ {
	case protocol.TypeRegister:
		slog.Debug("ignoring duplicate register", "agent", agentID)

	case protocol.TypeInstanceCreated:
		var msg protocol.AgentInstanceCreated
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		inst := protocol.Instance{
			ID:        msg.InstanceID,
			AgentID:   agentID,
			Cwd:       msg.Cwd,
			Status:    protocol.InstanceRunning,
			CreatedAt: time.Now().UTC(),
		}
		s.AddInstance(agentID, inst)
		slog.Info("instance created", "instance", msg.InstanceID, "agent", agentID, "cwd", msg.Cwd)
		s.BroadcastToAgentUsers(agentID, protocol.InstanceCreatedEvent{
			Type:     protocol.TypeInstanceCreated,
			Instance: inst,
		})

	case protocol.TypeInstanceClosed:
		var msg protocol.AgentInstanceClosed
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		s.RemoveInstance(agentID, msg.InstanceID)
		s.DeleteTerminalHistory(msg.InstanceID)
		slog.Info("instance closed", "instance", msg.InstanceID, "agent", agentID)
		s.BroadcastToAgentUsers(agentID, protocol.InstanceClosedEvent{
			Type:       protocol.TypeInstanceClosed,
			InstanceID: msg.InstanceID,
		})

	case protocol.TypePtyOutput:
		var msg protocol.PtyOutput
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		s.SavePtyOutput(msg.InstanceID, msg.Data)
		s.BroadcastToInstance(msg.InstanceID, msg)

	case protocol.TypeHeartbeat:
		slog.Debug("agent heartbeat", "agent", agentID)

	case protocol.TypeError:
		var msg protocol.ErrorMsg
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		slog.Warn("agent reported error", "agent", agentID, "message", msg.Message)

	default:
		slog.Warn("unknown frame from agent", "agent", agentID, "type", typ)
	}
	return nil
}

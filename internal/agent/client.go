// Package agent implements the outbound side of the tunnel: one Client
// that dials the server, registers, and relays frames between the control
// channel and the local PTY manager. The manager outlives the connection,
// so shells keep running while the tunnel is down.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termtunnel/termtunnel/internal/protocol"
	"github.com/termtunnel/termtunnel/internal/term"
)

const (
	outputChannelSize        = 256
	defaultReconnectInterval = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// Client connects an agent to the tunnel server and serves its PTYs.
type Client struct {
	ServerURL  string // http(s) or ws(s) base URL of the server
	AgentID    uuid.UUID
	Name       string
	AdminToken string
	ShareToken string

	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration

	// AllowedDirs restricts create_instance working directories when
	// non-empty. Paths are prefix-matched.
	AllowedDirs []string

	Manager *term.Manager

	connectedOnce bool
}

// BuildWsURL turns the configured server URL into the agent websocket
// endpoint, translating http(s) schemes to ws(s).
func BuildWsURL(serverURL string) (string, error) {
	trimmed := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		return "wss://" + strings.TrimPrefix(trimmed, "https://") + "/ws/agent", nil
	case strings.HasPrefix(trimmed, "http://"):
		return "ws://" + strings.TrimPrefix(trimmed, "http://") + "/ws/agent", nil
	case strings.HasPrefix(trimmed, "wss://"), strings.HasPrefix(trimmed, "ws://"):
		return trimmed + "/ws/agent", nil
	default:
		return "", fmt.Errorf("invalid server URL %q: must start with http://, https://, ws:// or wss://", serverURL)
	}
}

// Run dials the server and serves until ctx is cancelled, reconnecting at
// a fixed interval after any transport failure. PTY instances survive
// reconnects; their buffered output is replayed on the next registration.
func (c *Client) Run(ctx context.Context) error {
	if c.Manager == nil {
		c.Manager = term.NewManager()
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	wsURL, err := BuildWsURL(c.ServerURL)
	if err != nil {
		return err
	}

	for {
		err := c.connectAndServe(ctx, wsURL)
		c.Manager.SetAllDisconnected()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("connection lost, retrying",
			"err", err, "retry_in", c.ReconnectInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.ReconnectInterval):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context, wsURL string) error {
	slog.Info("connecting to server", "url", wsURL)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 * 1024 * 1024)

	if c.connectedOnce {
		slog.Info("reconnected", "instances", c.Manager.Len())
	}
	c.connectedOnce = true

	// Fresh output channel per connection; every surviving instance is
	// rebound to it before we register.
	outCh := make(chan term.Output, outputChannelSize)
	c.Manager.RebindAll(outCh)

	infos := c.Manager.RunningInfo()
	existing := make([]protocol.ExistingInstance, 0, len(infos))
	for _, info := range infos {
		existing = append(existing, protocol.ExistingInstance{ID: info.ID, Cwd: info.Cwd})
	}
	if len(existing) > 0 {
		slog.Info("re-registering existing instances", "count", len(existing))
	}

	if err := c.writeJSON(ctx, conn, protocol.Register{
		Type:              protocol.TypeRegister,
		AgentID:           c.AgentID,
		Name:              c.Name,
		AdminToken:        c.AdminToken,
		ShareToken:        c.ShareToken,
		ExistingInstances: existing,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	// Replay everything buffered while we were gone, one frame per
	// instance, before any fresh output.
	for id, buf := range c.Manager.DrainAll() {
		if err := c.writeJSON(ctx, conn, protocol.PtyOutput{
			Type:       protocol.TypePtyOutput,
			InstanceID: id,
			Data:       protocol.EncodeData(buf),
		}); err != nil {
			slog.Warn("buffered output replay failed", "instance", id, "err", err)
		} else {
			slog.Debug("replayed buffered output", "instance", id, "bytes", len(buf))
		}
	}

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- data:
			case <-readCtx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(c.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case data := <-inbound:
			if err := c.handleFrame(ctx, conn, data, outCh); err != nil {
				slog.Error("frame handling failed", "err", err)
			}

		case out := <-outCh:
			if err := c.writeJSON(ctx, conn, protocol.PtyOutput{
				Type:       protocol.TypePtyOutput,
				InstanceID: out.InstanceID,
				Data:       protocol.EncodeData(out.Data),
			}); err != nil {
				slog.Warn("pty output send failed", "instance", out.InstanceID, "err", err)
			}

		case <-heartbeat.C:
			if err := c.writeJSON(ctx, conn, protocol.Heartbeat{Type: protocol.TypeHeartbeat}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			slog.Debug("heartbeat sent")
		}
	}
}

// handleFrame dispatches one server frame. Handling errors are reported
// back over the channel where the protocol has a reply; the channel itself
// stays open.
func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte, outCh chan term.Output) error {
	typ, err := protocol.MessageType(data)
	if err != nil {
		return err
	}

	switch typ {
	case protocol.TypeRegistered:
		var msg protocol.Registered
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		slog.Info("registered with server", "message", msg.Message)

	case protocol.TypeCreateInstance:
		var msg protocol.CreateInstance
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		c.handleCreate(ctx, conn, msg, outCh)

	case protocol.TypeCloseInstance:
		var msg protocol.CloseInstance
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		if err := c.Manager.Close(msg.InstanceID); err != nil {
			slog.Error("close instance failed", "instance", msg.InstanceID, "err", err)
		}
		// Confirm regardless; the server drops its record either way.
		c.sendJSON(ctx, conn, protocol.AgentInstanceClosed{
			Type:       protocol.TypeInstanceClosed,
			InstanceID: msg.InstanceID,
		})

	case protocol.TypePtyInput:
		var msg protocol.PtyInput
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		raw, err := protocol.DecodeData(msg.Data)
		if err != nil {
			return fmt.Errorf("decode pty input: %w", err)
		}
		if err := c.Manager.Write(msg.InstanceID, raw); err != nil {
			slog.Warn("pty write failed", "instance", msg.InstanceID, "err", err)
		}

	case protocol.TypeResize:
		var msg protocol.Resize
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		if err := c.Manager.Resize(msg.InstanceID, msg.Cols, msg.Rows); err != nil {
			slog.Warn("resize failed", "instance", msg.InstanceID, "err", err)
		}

	case protocol.TypePing:
		c.sendJSON(ctx, conn, protocol.Heartbeat{Type: protocol.TypeHeartbeat})

	case protocol.TypeError:
		var msg protocol.ErrorMsg
		if err := protocol.Unmarshal(data, &msg); err != nil {
			return err
		}
		slog.Error("server reported error", "message", msg.Message)

	default:
		slog.Warn("unknown frame from server", "type", typ)
	}
	return nil
}

func (c *Client) handleCreate(ctx context.Context, conn *websocket.Conn, msg protocol.CreateInstance, outCh chan term.Output) {
	if err := c.checkAllowedDir(msg.Cwd); err != nil {
		slog.Warn("create instance rejected", "cwd", msg.Cwd, "err", err)
		c.sendJSON(ctx, conn, protocol.ErrorMsg{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("failed to create instance: %v", err),
		})
		return
	}

	if _, err := c.Manager.Create(msg.InstanceID, msg.Cwd, outCh); err != nil {
		slog.Error("create instance failed", "instance", msg.InstanceID, "err", err)
		c.sendJSON(ctx, conn, protocol.ErrorMsg{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("failed to create instance: %v", err),
		})
		return
	}

	c.sendJSON(ctx, conn, protocol.AgentInstanceCreated{
		Type:       protocol.TypeInstanceCreated,
		InstanceID: msg.InstanceID,
		Cwd:        msg.Cwd,
	})
	slog.Info("instance created", "instance", msg.InstanceID, "cwd", msg.Cwd)
}

// checkAllowedDir enforces the working-directory whitelist when one is
// configured. An empty whitelist allows everything.
func (c *Client) checkAllowedDir(cwd string) error {
	if len(c.AllowedDirs) == 0 {
		return nil
	}
	for _, dir := range c.AllowedDirs {
		clean := strings.TrimRight(dir, "/")
		if cwd == clean || strings.HasPrefix(cwd, clean+"/") {
			return nil
		}
	}
	return errors.New("working directory not in allowed list")
}

func (c *Client) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// sendJSON is writeJSON for frames whose delivery failure only merits a log.
func (c *Client) sendJSON(ctx context.Context, conn *websocket.Conn, v any) {
	if err := c.writeJSON(ctx, conn, v); err != nil {
		slog.Warn("frame send failed", "err", err)
	}
}

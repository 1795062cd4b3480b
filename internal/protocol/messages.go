package protocol

import "github.com/google/uuid"

// ============================================================================
// Agent -> Server
// ============================================================================

// Register is the first frame an agent sends after connecting.
// ExistingInstances carries the reconnection-sync list; it is empty on a
// fresh start.
type Register struct {
	Type              string             `json:"type"`
	AgentID           uuid.UUID          `json:"agent_id"`
	Name              string             `json:"name"`
	AdminToken        string             `json:"admin_token"`
	ShareToken        string             `json:"share_token"`
	ExistingInstances []ExistingInstance `json:"existing_instances,omitempty"`
}

// AgentInstanceCreated confirms a create_instance command.
type AgentInstanceCreated struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
	Cwd        string    `json:"cwd"`
}

// AgentInstanceClosed reports that an instance's shell is gone.
type AgentInstanceClosed struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// PtyOutput carries terminal bytes. The same shape is used agent->server
// and server->user. An empty Data payload is the process-exit sentinel.
type PtyOutput struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
	Data       string    `json:"data"`
}

// Heartbeat is a bare keep-alive, sent by agents and users alike.
type Heartbeat struct {
	Type string `json:"type"`
}

// ErrorMsg reports a handling error; it never closes the channel.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ============================================================================
// Server -> Agent
// ============================================================================

// Registered acknowledges a successful agent registration.
type Registered struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CreateInstance asks the agent to open a new PTY. The instance id is
// pre-assigned server-side; the instance only enters server state when the
// agent echoes instance_created.
type CreateInstance struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
	Cwd        string    `json:"cwd"`
}

// CloseInstance asks the agent to kill an instance's shell.
type CloseInstance struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// PtyInput carries keystrokes. Used user->server and server->agent.
type PtyInput struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
	Data       string    `json:"data"`
}

// Resize applies a new window size to an instance's PTY.
type Resize struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
	Cols       uint16    `json:"cols"`
	Rows       uint16    `json:"rows"`
}

// Ping is a server-initiated keep-alive; agents answer with heartbeat.
type Ping struct {
	Type string `json:"type"`
}

// ============================================================================
// User -> Server
// ============================================================================

// Auth must be the first frame on a user channel.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// UserCreateInstance requests a new instance on the session's effective
// agent (admin or super-admin only).
type UserCreateInstance struct {
	Type string `json:"type"`
	Cwd  string `json:"cwd"`
}

// UserCloseInstance requests closing an instance on the effective agent.
type UserCloseInstance struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// Attach subscribes the session to an instance's output.
type Attach struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// Detach is the inverse of Attach.
type Detach struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// ListInstances requests the instance list of the effective agent.
type ListInstances struct {
	Type string `json:"type"`
}

// AgentIDCommand covers the admin commands that carry only an agent id:
// force_disconnect_agent, delete_agent, get_agent_tags,
// select_working_agent, list_agent_instances.
type AgentIDCommand struct {
	Type    string    `json:"type"`
	AgentID uuid.UUID `json:"agent_id"`
}

// InstanceIDCommand covers force_close_instance.
type InstanceIDCommand struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// TagCommand covers add_agent_tag and remove_agent_tag.
type TagCommand struct {
	Type    string    `json:"type"`
	AgentID uuid.UUID `json:"agent_id"`
	Tag     string    `json:"tag"`
}

// GetAuditLogs requests a page of audit records (super-admin only).
type GetAuditLogs struct {
	Type      string  `json:"type"`
	Limit     *int    `json:"limit,omitempty"`
	Offset    *int    `json:"offset,omitempty"`
	EventType *string `json:"event_type,omitempty"`
}

// ============================================================================
// Server -> User
// ============================================================================

// AuthResult answers an Auth frame. On failure the channel is closed right
// after this frame is written.
type AuthResult struct {
	Type      string     `json:"type"`
	Success   bool       `json:"success"`
	Role      Role       `json:"role,omitempty"`
	AgentName string     `json:"agent_name,omitempty"`
	AgentID   *uuid.UUID `json:"agent_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// InstanceList carries the instances of one agent.
type InstanceList struct {
	Type      string     `json:"type"`
	Instances []Instance `json:"instances"`
}

// InstanceCreatedEvent tells users a new instance exists.
type InstanceCreatedEvent struct {
	Type     string   `json:"type"`
	Instance Instance `json:"instance"`
}

// InstanceClosedEvent tells users an instance is gone.
type InstanceClosedEvent struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// UserJoined / UserLeft notify attached sessions about attachment changes.
type UserJoined struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
	UserCount  int       `json:"user_count"`
}

type UserLeft struct {
	Type       string    `json:"type"`
	InstanceID uuid.UUID `json:"instance_id"`
	UserCount  int       `json:"user_count"`
}

// AgentStatusChanged is fanned out when an agent connects or disconnects.
type AgentStatusChanged struct {
	Type    string    `json:"type"`
	AgentID uuid.UUID `json:"agent_id"`
	Online  bool      `json:"online"`
}

// Pong answers a user heartbeat.
type Pong struct {
	Type string `json:"type"`
}

// AdminStats is the super-admin dashboard payload.
type AdminStats struct {
	Type   string      `json:"type"`
	Agents []AgentInfo `json:"agents"`
	Stats  GlobalStats `json:"stats"`
}

// AgentEvent covers agent_disconnected and agent_deleted notifications.
type AgentEvent struct {
	Type    string    `json:"type"`
	AgentID uuid.UUID `json:"agent_id"`
}

// TagList carries all unique tags.
type TagList struct {
	Type string   `json:"type"`
	Tags []string `json:"tags"`
}

// AgentTagList carries one agent's tags.
type AgentTagList struct {
	Type    string    `json:"type"`
	AgentID uuid.UUID `json:"agent_id"`
	Tags    []string  `json:"tags"`
}

// TagEvent covers tag_added and tag_removed broadcasts.
type TagEvent struct {
	Type    string    `json:"type"`
	AgentID uuid.UUID `json:"agent_id"`
	Tag     string    `json:"tag"`
}

// AuditLogList is a page of audit records plus the unfiltered total.
type AuditLogList struct {
	Type  string          `json:"type"`
	Logs  []AuditLogEntry `json:"logs"`
	Total uint64          `json:"total"`
}

// WorkingAgentSelected answers select_working_agent.
type WorkingAgentSelected struct {
	Type      string    `json:"type"`
	AgentID   uuid.UUID `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// WorkingAgentCleared answers clear_working_agent.
type WorkingAgentCleared struct {
	Type string `json:"type"`
}

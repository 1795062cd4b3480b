package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user session's capability level.
type Role string

const (
	// RoleSuperAdmin can manage every agent on the server.
	RoleSuperAdmin Role = "super_admin"
	// RoleAdmin can manage instances on a single bound agent.
	RoleAdmin Role = "admin"
	// RoleUser can only operate terminals on a single bound agent.
	RoleUser Role = "user"
)

// CanCreateInstance reports whether the role may create instances.
func (r Role) CanCreateInstance() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// CanCloseInstance reports whether the role may close instances.
func (r Role) CanCloseInstance() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// CanManageAllAgents reports whether the role may use server-wide admin
// commands (force disconnect, audit logs, working agent selection).
func (r Role) CanManageAllAgents() bool {
	return r == RoleSuperAdmin
}

// AgentStatus is an agent's connection state as seen by the server.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// InstanceStatus tracks one terminal instance's lifecycle.
type InstanceStatus string

const (
	// InstanceRunning means the owning agent is connected and the shell lives.
	InstanceRunning InstanceStatus = "running"
	// InstanceSuspended means the owning agent disconnected; the shell may
	// still be alive on the host and can be re-adopted on reconnect.
	InstanceSuspended InstanceStatus = "suspended"
	// InstanceStopped is terminal.
	InstanceStopped InstanceStatus = "stopped"
)

// Instance describes one PTY instance to users.
type Instance struct {
	ID            uuid.UUID      `json:"id"`
	AgentID       uuid.UUID      `json:"agent_id"`
	Cwd           string         `json:"cwd"`
	Status        InstanceStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	AttachedUsers int            `json:"attached_users"`
}

// ExistingInstance is the reconnection-sync entry an agent reports in its
// register frame for each PTY it still holds.
type ExistingInstance struct {
	ID  uuid.UUID `json:"id"`
	Cwd string    `json:"cwd"`
}

// AgentInfo is the admin-panel view of one agent.
type AgentInfo struct {
	ID            uuid.UUID   `json:"id"`
	Name          string      `json:"name"`
	Status        AgentStatus `json:"status"`
	ConnectedAt   *time.Time  `json:"connected_at"`
	InstanceCount int         `json:"instance_count"`
	UserCount     int         `json:"user_count"`
}

// GlobalStats are server-wide totals for the admin panel.
type GlobalStats struct {
	TotalAgents      int `json:"total_agents"`
	OnlineAgents     int `json:"online_agents"`
	TotalInstances   int `json:"total_instances"`
	RunningInstances int `json:"running_instances"`
	TotalUsers       int `json:"total_users"`
}

// AuditLogEntry is one audit record as returned to super admins.
type AuditLogEntry struct {
	ID         int64      `json:"id"`
	Timestamp  string     `json:"timestamp"`
	EventType  string     `json:"event_type"`
	UserRole   string     `json:"user_role"`
	AgentID    *uuid.UUID `json:"agent_id"`
	InstanceID *uuid.UUID `json:"instance_id"`
	TargetID   *uuid.UUID `json:"target_id"`
	ClientIP   string     `json:"client_ip"`
	Success    bool       `json:"success"`
	Details    *string    `json:"details"`
}

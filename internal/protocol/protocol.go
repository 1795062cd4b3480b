// Package protocol defines the tagged JSON messages exchanged on the two
// tunnel control channels:
//
//   - Agent <-> Server  (/ws/agent)
//   - User  <-> Server  (/ws/user)
//
// Every frame is a JSON text message carrying a snake_case "type"
// discriminator. PTY byte payloads travel base64-encoded in a "data" field.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Agent -> Server
const (
	TypeRegister        = "register"
	TypeInstanceCreated = "instance_created"
	TypeInstanceClosed  = "instance_closed"
	TypePtyOutput       = "pty_output"
	TypeHeartbeat       = "heartbeat"
	TypeError           = "error"
)

// Server -> Agent
const (
	TypeRegistered     = "registered"
	TypeCreateInstance = "create_instance"
	TypeCloseInstance  = "close_instance"
	TypePtyInput       = "pty_input"
	TypeResize         = "resize"
	TypePing           = "ping"
)

// User -> Server
const (
	TypeAuth          = "auth"
	TypeAttach        = "attach"
	TypeDetach        = "detach"
	TypeListInstances = "list_instances"

	TypeGetAdminStats        = "get_admin_stats"
	TypeForceDisconnectAgent = "force_disconnect_agent"
	TypeForceCloseInstance   = "force_close_instance"
	TypeDeleteAgent          = "delete_agent"
	TypeGetAllTags           = "get_all_tags"
	TypeGetAgentTags         = "get_agent_tags"
	TypeAddAgentTag          = "add_agent_tag"
	TypeRemoveAgentTag       = "remove_agent_tag"
	TypeGetAuditLogs         = "get_audit_logs"
	TypeSelectWorkingAgent   = "select_working_agent"
	TypeClearWorkingAgent    = "clear_working_agent"
	TypeListAgentInstances   = "list_agent_instances"
)

// Server -> User
const (
	TypeAuthResult           = "auth_result"
	TypeInstanceList         = "instance_list"
	TypeUserJoined           = "user_joined"
	TypeUserLeft             = "user_left"
	TypeAgentStatusChanged   = "agent_status_changed"
	TypePong                 = "pong"
	TypeAdminStats           = "admin_stats"
	TypeAgentDisconnected    = "agent_disconnected"
	TypeAgentDeleted         = "agent_deleted"
	TypeTagList              = "tag_list"
	TypeAgentTags            = "agent_tags"
	TypeTagAdded             = "tag_added"
	TypeTagRemoved           = "tag_removed"
	TypeAuditLogList         = "audit_log_list"
	TypeWorkingAgentSelected = "working_agent_selected"
	TypeWorkingAgentCleared  = "working_agent_cleared"
)

// Envelope is the minimal frame shape used to route on the type field.
type Envelope struct {
	Type string `json:"type"`
}

// MessageType extracts the type discriminator from a raw frame.
func MessageType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame has no type field")
	}
	return env.Type, nil
}

// Marshal encodes a message for the wire.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a frame into the given message struct.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// EncodeData encodes PTY bytes for a data field (standard base64, padded).
func EncodeData(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeData decodes a base64 data field back into raw PTY bytes.
func DecodeData(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

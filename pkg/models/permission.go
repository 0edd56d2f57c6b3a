package models

import (
	"fmt"
	"time"
)

// PermissionType is the kind of access a tool call needs.
type PermissionType string

const (
	PermissionRead    PermissionType = "read"
	PermissionWrite   PermissionType = "write"
	PermissionAll     PermissionType = "all"
	PermissionCommand PermissionType = "command"
)

// Level returns the position of p in the read < write < all chain.
// Command is outside the chain and reports 0.
func (p PermissionType) Level() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionAll:
		return 3
	default:
		return 0
	}
}

// Valid reports whether p is a known permission type.
func (p PermissionType) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionAll, PermissionCommand:
		return true
	}
	return false
}

// Satisfies reports whether holding p is enough for required. Command only
// satisfies command and is never satisfied by any other type.
func (p PermissionType) Satisfies(required PermissionType) bool {
	if p == PermissionCommand || required == PermissionCommand {
		return p == required
	}
	if !p.Valid() || !required.Valid() {
		return false
	}
	return p.Level() >= required.Level()
}

// ParsePermissionType converts a config or wire string.
func ParsePermissionType(s string) (PermissionType, error) {
	p := PermissionType(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown permission type %q", s)
	}
	return p, nil
}

// PermissionStatus is the resolution state of a request.
type PermissionStatus string

const (
	PermissionPending PermissionStatus = "pending"
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
)

// PermissionRequest is one approval needed before a tool call may run.
// A single tool call may produce several requests, one per required type.
type PermissionRequest struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"session_id"`
	TurnID         string           `json:"turn_id,omitempty"`
	ToolCallID     string           `json:"tool_call_id"`
	ToolName       string           `json:"tool_name"`
	OwnerID        string           `json:"owner_id"`
	PermissionType PermissionType   `json:"permission_type"`
	Status         PermissionStatus `json:"status"`
	Remember       bool             `json:"remember,omitempty"`
	// GrantedBy records how a grant happened: auto, user, batch, remembered.
	GrantedBy string    `json:"granted_by,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// Decision is an external answer to a pending permission request.
type Decision struct {
	SessionID      string         `json:"sessionId"`
	ToolCallID     string         `json:"toolCallId"`
	Granted        bool           `json:"granted"`
	PermissionType PermissionType `json:"permissionType"`
	Remember       bool           `json:"remember,omitempty"`
}

package models

import "time"

// Presence is a connection's displayed identity inside a document room.
type Presence struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SessionInfo describes a live connection for introspection endpoints.
type SessionInfo struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id,omitempty"`
	Documents    []string  `json:"documents"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

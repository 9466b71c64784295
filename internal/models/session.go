package models

import "time"

// SessionState server-side connection lifecycle
type SessionState string

const (
	SessionConnecting     SessionState = "connecting"
	SessionAuthenticating SessionState = "authenticating"
	SessionSubscribed     SessionState = "subscribed"
	SessionDisconnected   SessionState = "disconnected"
)

// SessionInfo read-only view of a live gateway session
type SessionInfo struct {
	SessionID     string       `json:"session_id"`
	UserID        string       `json:"user_id"`
	Authenticated bool         `json:"authenticated"`
	State         SessionState `json:"state"`
	Rooms         []string     `json:"rooms"`
	ConnectedAt   time.Time    `json:"connected_at"`
}

package models

import "time"

// ConflictLog records a resolved concurrent edit for user awareness.
type ConflictLog struct {
	EntityID        string    `json:"entityId"`
	EntityKind      Kind      `json:"entityKind"`
	LocalTimestamp  time.Time `json:"localTimestamp"`
	RemoteTimestamp time.Time `json:"remoteTimestamp"`
	Resolution      string    `json:"resolution"` // local_wins, remote_wins, delete_wins, merged
	DetectedAt      time.Time `json:"detectedAt"`
}

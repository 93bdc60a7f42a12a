package models

import "time"

// MigrationState tracks a user's one-time bulk upload across restarts.
type MigrationState struct {
	UserID          string                   `json:"userId"`
	AttemptCount    int                      `json:"attemptCount"`
	LastAttemptDate time.Time                `json:"lastAttemptDate"`
	MigratedIDs     map[Kind]map[string]bool `json:"migratedIds"`
	FailedIDs       map[string]bool          `json:"failedIds"`
}

// NewMigrationState returns an empty state for userID.
func NewMigrationState(userID string) *MigrationState {
	return &MigrationState{
		UserID:      userID,
		MigratedIDs: make(map[Kind]map[string]bool),
		FailedIDs:   make(map[string]bool),
	}
}

func (s *MigrationState) ensure() {
	if s.MigratedIDs == nil {
		s.MigratedIDs = make(map[Kind]map[string]bool)
	}
	if s.FailedIDs == nil {
		s.FailedIDs = make(map[string]bool)
	}
}

// IsMigrated reports whether id of kind was uploaded by an earlier pass.
func (s *MigrationState) IsMigrated(kind Kind, id string) bool {
	return s.MigratedIDs[kind][id]
}

// MarkMigrated records a successful upload.
func (s *MigrationState) MarkMigrated(kind Kind, id string) {
	s.ensure()
	if s.MigratedIDs[kind] == nil {
		s.MigratedIDs[kind] = make(map[string]bool)
	}
	s.MigratedIDs[kind][id] = true
	delete(s.FailedIDs, id)
}

// MarkFailed records a failed upload.
func (s *MigrationState) MarkFailed(id string) {
	s.ensure()
	s.FailedIDs[id] = true
}

// MigratedCount returns how many ids of kind are migrated.
func (s *MigrationState) MigratedCount(kind Kind) int {
	return len(s.MigratedIDs[kind])
}

// FailedCount returns how many ids are currently marked failed.
func (s *MigrationState) FailedCount() int {
	return len(s.FailedIDs)
}

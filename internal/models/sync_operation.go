package models

import (
	"fmt"
	"time"
)

// OperationType tags a queued sync operation.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// SyncOperation is a pending remote mutation for one entity.
type SyncOperation struct {
	Type       OperationType `json:"type"`
	EntityID   string        `json:"entityId"`
	EntityKind Kind          `json:"entityKind"`
	OwnerID    string        `json:"ownerId"`
	Timestamp  time.Time     `json:"timestamp"`
}

// OperationKey is the dedup identity of a queued operation. The operation
// type is deliberately not part of it: a later operation for the same entity
// supersedes an earlier one of any type.
type OperationKey struct {
	EntityID   string
	EntityKind Kind
}

// Key returns the dedup identity of op.
func (op SyncOperation) Key() OperationKey {
	return OperationKey{EntityID: op.EntityID, EntityKind: op.EntityKind}
}

// RetryID is the retry-controller key for op.
func (op SyncOperation) RetryID() string {
	if op.Type == OperationDelete {
		return fmt.Sprintf("delete_%s", op.EntityID)
	}
	return fmt.Sprintf("upload_%s", op.EntityID)
}

// NewOperation builds a SyncOperation stamped at ts.
func NewOperation(typ OperationType, kind Kind, entityID, ownerID string, ts time.Time) SyncOperation {
	return SyncOperation{
		Type:       typ,
		EntityID:   entityID,
		EntityKind: kind,
		OwnerID:    ownerID,
		Timestamp:  Timestamp(ts),
	}
}

// SyncQueueEnvelope is the persisted form of the operation queue.
type SyncQueueEnvelope struct {
	Version    int             `json:"version"`
	Operations []SyncOperation `json:"operations"`
}

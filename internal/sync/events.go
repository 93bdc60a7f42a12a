package sync

import "time"

// SyncEventType names an engine notification.
type SyncEventType string

const (
	EventSyncStarted        SyncEventType = "sync.started"
	EventSyncCompleted      SyncEventType = "sync.completed"
	EventSyncFailed         SyncEventType = "sync.failed"
	EventQueueDrained       SyncEventType = "queue.drained"
	EventConflictResolved   SyncEventType = "conflict.resolved"
	EventRemoteApplied      SyncEventType = "remote.applied"
	EventMigrationProgress  SyncEventType = "migration.progress"
	EventRetentionCompleted SyncEventType = "retention.completed"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type       SyncEventType  `json:"type"`
	EntityKind string         `json:"entityKind,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Error      string         `json:"error,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
	Time       time.Time      `json:"time"`
}

// SyncEventHandler receives engine notifications. It is called
// synchronously from engine goroutines and must not block.
type SyncEventHandler func(SyncEvent)

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.stateMu.Lock()
	e.handler = handler
	e.stateMu.Unlock()
}

func (e *SyncEngine) emit(ev SyncEvent) {
	e.stateMu.RLock()
	h := e.handler
	e.stateMu.RUnlock()
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	h(ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

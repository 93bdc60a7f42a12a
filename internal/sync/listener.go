package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
	"github.com/kimhsiao/nutrilog/backend/internal/sync/remote"
)

// listenSession holds the subscriptions of one StartListening call. Events
// are applied on their own goroutines so delivery never blocks.
type listenSession struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	subs   []remote.Subscription

	mu      stdsync.Mutex
	stopped bool
	wg      stdsync.WaitGroup
}

// StartListening subscribes to remote changes of every kind owned by
// userID. Listening again for the same user is a no-op while every
// subscription is still delivering; once any of them has ended the session
// is rebuilt. Listening for another user replaces the previous session.
func (e *SyncEngine) StartListening(ctx context.Context, userID string) error {
	if userID == "" {
		return apperrors.New(apperrors.ErrValidation, "user id is required")
	}

	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	if e.session != nil {
		if e.session.userID == userID && !e.session.ended() {
			return nil
		}
		if err := e.session.firstErr(); err != nil {
			e.log.Warn("remote change stream ended, resubscribing", logging.Fields{
				"user_id": e.session.userID,
				"error":   err.Error(),
			})
		}
		e.session.stop()
		e.session = nil
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &listenSession{userID: userID, ctx: sctx, cancel: cancel}
	filters := []remote.Filter{remote.Eq(models.FieldOwnerID, userID)}
	for _, kind := range models.AllKinds {
		kind := kind
		sub, err := e.remote.Listen(sctx, remote.CollectionPath(userID, kind.Collection()), filters,
			func(ev remote.Event) { e.dispatch(s, kind, ev) })
		if err != nil {
			s.stop()
			return fmt.Errorf("failed to listen to %s: %w", kind.Collection(), err)
		}
		s.subs = append(s.subs, sub)
	}

	e.session = s
	e.stateMu.Lock()
	e.userID = userID
	e.stateMu.Unlock()
	e.log.Info("listening for remote changes", logging.Fields{"user_id": userID})
	return nil
}

// IsListening reports whether a session is open and all of its
// subscriptions are still delivering.
func (e *SyncEngine) IsListening() bool {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	return e.session != nil && !e.session.ended()
}

// StopListening cancels every subscription and waits for in-flight events
// to finish applying.
func (e *SyncEngine) StopListening() {
	e.listenMu.Lock()
	s := e.session
	e.session = nil
	e.listenMu.Unlock()
	if s == nil {
		return
	}
	s.stop()
	e.log.Info("stopped listening for remote changes", logging.Fields{"user_id": s.userID})
}

func (s *listenSession) ended() bool {
	for _, sub := range s.subs {
		if remote.Ended(sub) {
			return true
		}
	}
	return false
}

func (s *listenSession) firstErr() error {
	for _, sub := range s.subs {
		if remote.Ended(sub) && sub.Err() != nil {
			return sub.Err()
		}
	}
	return nil
}

func (s *listenSession) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	for _, sub := range s.subs {
		sub.Stop()
	}
	s.wg.Wait()
	s.cancel()
}

func (e *SyncEngine) dispatch(s *listenSession, kind models.Kind, ev remote.Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := e.handleEvent(s.ctx, kind, ev, s.userID); err != nil {
			e.log.ErrorWithCode("failed to apply remote change", err, logging.Fields{
				"entity_kind": string(kind),
				"entity_id":   ev.DocumentID,
				"event":       string(ev.Type),
			})
		}
	}()
}

func (e *SyncEngine) handleEvent(ctx context.Context, kind models.Kind, ev remote.Event, userID string) error {
	if ev.Type == remote.EventRemoved {
		return e.applyRemoval(ctx, kind, ev.DocumentID)
	}
	_, err := e.applyDocument(ctx, kind, ev.Document, userID)
	return err
}

package remote

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

// MemoryStore is an in-process Store. Several engines can share one
// instance to simulate devices talking to the same cloud. Documents are
// deep-copied on the way in and out, and listener delivery is asynchronous.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]models.Document
	listeners   map[int]*memoryListener
	nextID      int

	err       error
	docErrors map[string]error
	sets      map[string]int
	deletes   map[string]int
	closed    bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]models.Document),
		listeners:   make(map[int]*memoryListener),
		docErrors:   make(map[string]error),
		sets:        make(map[string]int),
		deletes:     make(map[string]int),
	}
}

// SetError makes every call fail with err until cleared with nil.
func (s *MemoryStore) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// FailDocument makes writes to documents with the given id fail with err.
// A nil err clears the failure.
func (s *MemoryStore) FailDocument(docID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.docErrors, docID)
		return
	}
	s.docErrors[docID] = err
}

// SetCount returns how many successful Set calls targeted docID.
func (s *MemoryStore) SetCount(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[docID]
}

// DeleteCount returns how many successful Delete calls targeted docID.
func (s *MemoryStore) DeleteCount(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[docID]
}

// Len returns the number of documents in a collection.
func (s *MemoryStore) Len(collectionPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collectionPath])
}

func (s *MemoryStore) checkLocked(docID string) error {
	if s.closed {
		return apperrors.New(apperrors.ErrRemote, "remote store closed")
	}
	if s.err != nil {
		return s.err
	}
	if docID != "" {
		if err := s.docErrors[docID]; err != nil {
			return err
		}
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, docPath string) (models.Document, error) {
	p, err := parseDocPath(docPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(""); err != nil {
		return nil, err
	}
	doc, ok := s.collections[collectionKey(p)][p.DocumentID]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, docPath string, doc models.Document) error {
	p, err := parseDocPath(docPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(p.DocumentID); err != nil {
		return err
	}
	key := collectionKey(p)
	coll, ok := s.collections[key]
	if !ok {
		coll = make(map[string]models.Document)
		s.collections[key] = coll
	}
	prev, existed := coll[p.DocumentID]
	next := doc.Clone()
	coll[p.DocumentID] = next
	s.sets[p.DocumentID]++

	for _, l := range s.listeners {
		if l.collection != key {
			continue
		}
		before := existed && Matches(prev, l.filters)
		after := Matches(next, l.filters)
		switch {
		case after && before:
			l.push(Event{Type: EventModified, DocumentID: p.DocumentID, Document: next.Clone()})
		case after:
			l.push(Event{Type: EventAdded, DocumentID: p.DocumentID, Document: next.Clone()})
		case before:
			l.push(Event{Type: EventRemoved, DocumentID: p.DocumentID})
		}
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, docPath string) error {
	p, err := parseDocPath(docPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(p.DocumentID); err != nil {
		return err
	}
	key := collectionKey(p)
	prev, existed := s.collections[key][p.DocumentID]
	if !existed {
		return nil
	}
	delete(s.collections[key], p.DocumentID)
	s.deletes[p.DocumentID]++

	for _, l := range s.listeners {
		if l.collection == key && Matches(prev, l.filters) {
			l.push(Event{Type: EventRemoved, DocumentID: p.DocumentID})
		}
	}
	return nil
}

// Query implements Store. Results are ordered by document id.
func (s *MemoryStore) Query(ctx context.Context, collectionPath string, filters ...Filter) ([]models.Document, error) {
	p, err := parseCollectionPath(collectionPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(""); err != nil {
		return nil, err
	}
	return s.matchingLocked(collectionKey(p), filters), nil
}

func (s *MemoryStore) matchingLocked(key string, filters []Filter) []models.Document {
	coll := s.collections[key]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.Document, 0, len(ids))
	for _, id := range ids {
		if doc := coll[id]; Matches(doc, filters) {
			out = append(out, doc.Clone())
		}
	}
	return out
}

// Listen implements Store.
func (s *MemoryStore) Listen(ctx context.Context, collectionPath string, filters []Filter, handler Handler) (Subscription, error) {
	p, err := parseCollectionPath(collectionPath)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "listener handler is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(""); err != nil {
		return nil, err
	}

	key := collectionKey(p)
	id := s.nextID
	s.nextID++
	l := newMemoryListener(key, append([]Filter(nil), filters...), handler, func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	})
	for _, doc := range s.matchingLocked(key, l.filters) {
		l.push(Event{Type: EventAdded, DocumentID: doc.ID(), Document: doc})
	}
	s.listeners[id] = l
	go l.run()
	return l, nil
}

// Close stops every listener; later calls fail.
func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listeners := make([]*memoryListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l.Stop()
	}
	return nil
}

// DropListeners ends every open subscription with err, as a failed change
// stream would. The store itself stays usable.
func (s *MemoryStore) DropListeners(err error) {
	s.mu.Lock()
	listeners := make([]*memoryListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l.end(err)
	}
}

// ListenerCount returns the number of open subscriptions.
func (s *MemoryStore) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func collectionKey(p Path) string {
	return CollectionPath(p.UserID, p.Collection)
}

// memoryListener queues events without bound so writers never block on a
// slow handler.
type memoryListener struct {
	collection string
	filters    []Filter
	handler    Handler
	detach     func()

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
}

func newMemoryListener(collection string, filters []Filter, handler Handler, detach func()) *memoryListener {
	return &memoryListener{
		collection: collection,
		filters:    filters,
		handler:    handler,
		detach:     detach,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (l *memoryListener) push(ev Event) {
	l.mu.Lock()
	l.pending = append(l.pending, ev)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *memoryListener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		for _, ev := range batch {
			select {
			case <-l.done:
				return
			default:
			}
			l.handler(ev)
		}
	}
}

// Stop implements Subscription. It is safe to call more than once.
func (l *memoryListener) Stop() {
	l.end(nil)
}

func (l *memoryListener) end(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
		l.detach()
	})
}

// Done implements Subscription.
func (l *memoryListener) Done() <-chan struct{} {
	return l.done
}

// Err implements Subscription.
func (l *memoryListener) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Package remote provides the cloud document store the sync engine writes to.
// Documents live under a per-user namespace:
//
//	users/{userId}/{collection}/{documentId}
package remote

import (
	"context"
	"reflect"
	"strings"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

const usersRoot = "users"

// Path addresses a document or, with an empty DocumentID, a collection.
type Path struct {
	UserID     string
	Collection string
	DocumentID string
}

// DocPath returns the path of one document.
func DocPath(userID, collection, docID string) string {
	return Path{UserID: userID, Collection: collection, DocumentID: docID}.String()
}

// CollectionPath returns the path of a user's collection.
func CollectionPath(userID, collection string) string {
	return Path{UserID: userID, Collection: collection}.String()
}

// String renders the path.
func (p Path) String() string {
	s := usersRoot + "/" + p.UserID + "/" + p.Collection
	if p.DocumentID != "" {
		s += "/" + p.DocumentID
	}
	return s
}

// IsDocument reports whether p addresses a single document.
func (p Path) IsDocument() bool {
	return p.DocumentID != ""
}

// ParsePath parses a collection or document path.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != usersRoot {
		return Path{}, apperrors.Newf(apperrors.ErrInvalid, "invalid remote path %q", s)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Path{}, apperrors.Newf(apperrors.ErrInvalid, "invalid remote path %q", s)
		}
	}
	p := Path{UserID: parts[1], Collection: parts[2]}
	if len(parts) == 4 {
		p.DocumentID = parts[3]
	}
	return p, nil
}

func parseDocPath(s string) (Path, error) {
	p, err := ParsePath(s)
	if err != nil {
		return Path{}, err
	}
	if !p.IsDocument() {
		return Path{}, apperrors.Newf(apperrors.ErrInvalid, "%q is not a document path", s)
	}
	return p, nil
}

func parseCollectionPath(s string) (Path, error) {
	p, err := ParsePath(s)
	if err != nil {
		return Path{}, err
	}
	if p.IsDocument() {
		return Path{}, apperrors.Newf(apperrors.ErrInvalid, "%q is not a collection path", s)
	}
	return p, nil
}

// Filter is an equality predicate evaluated server-side.
type Filter struct {
	Field string
	Value interface{}
}

// Eq builds an equality filter.
func Eq(field string, value interface{}) Filter {
	return Filter{Field: field, Value: value}
}

// Matches reports whether doc satisfies every filter.
func Matches(doc models.Document, filters []Filter) bool {
	for _, f := range filters {
		if !reflect.DeepEqual(doc[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// EventType classifies a change notification.
type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

// Event is one pushed change. Removed events carry only the id.
type Event struct {
	Type       EventType
	DocumentID string
	Document   models.Document
}

// Handler receives change events for one subscription. Calls for a single
// subscription are sequential.
type Handler func(Event)

// Subscription is the handle returned by Listen. Done is closed once the
// subscription stops delivering, whether through Stop or because the
// underlying stream failed; Err then reports the failure, if any.
type Subscription interface {
	Stop()
	Done() <-chan struct{}
	Err() error
}

// Ended reports whether sub has stopped delivering events.
func Ended(sub Subscription) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}

// Store is a path-addressed document store with change notifications.
type Store interface {
	// Get returns the document, or nil when it does not exist.
	Get(ctx context.Context, docPath string) (models.Document, error)
	// Set replaces the document, creating it if needed.
	Set(ctx context.Context, docPath string, doc models.Document) error
	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, docPath string) error
	// Query returns the collection's documents that match every filter.
	Query(ctx context.Context, collectionPath string, filters ...Filter) ([]models.Document, error)
	// Listen delivers an Added event for every current match, then every
	// subsequent change, until the subscription is stopped.
	Listen(ctx context.Context, collectionPath string, filters []Filter, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
}

package remote

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func foodDoc(id, owner string) models.Document {
	f := models.NewFoodEntry(owner, "apple", 95, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	f.ID = id
	return models.Encode(f)
}

// =====================================================
// Path Tests
// =====================================================

// TestParsePath verifies document and collection paths.
func TestParsePath(t *testing.T) {
	p, err := ParsePath("users/u1/foodEntries/f1")
	require.NoError(t, err)
	assert.Equal(t, Path{UserID: "u1", Collection: "foodEntries", DocumentID: "f1"}, p)
	assert.True(t, p.IsDocument())
	assert.Equal(t, "users/u1/foodEntries/f1", p.String())

	p, err = ParsePath(CollectionPath("u1", "dailyLogs"))
	require.NoError(t, err)
	assert.False(t, p.IsDocument())

	for _, bad := range []string{"", "users/u1", "accounts/u1/x", "users//x", "users/u1/x/y/z"} {
		_, err := ParsePath(bad)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "path %q", bad)
	}
}

// TestMatches verifies equality filters.
func TestMatches(t *testing.T) {
	doc := foodDoc("f1", "u1")
	assert.True(t, Matches(doc, nil))
	assert.True(t, Matches(doc, []Filter{Eq(models.FieldOwnerID, "u1")}))
	assert.False(t, Matches(doc, []Filter{Eq(models.FieldOwnerID, "u2")}))
	assert.False(t, Matches(doc, []Filter{Eq("missing", "x")}))
}

// =====================================================
// MemoryStore Tests
// =====================================================

// TestMemoryStore_CRUD verifies get, set, delete and copy isolation.
func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	path := DocPath("u1", "foodEntries", "f1")

	got, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.Nil(t, got)

	doc := foodDoc("f1", "u1")
	require.NoError(t, s.Set(ctx, path, doc))
	doc["name"] = "mutated"

	got, err = s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "apple", got["name"])
	got["name"] = "mutated again"

	again, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "apple", again["name"])

	require.NoError(t, s.Delete(ctx, path))
	require.NoError(t, s.Delete(ctx, path))
	got, err = s.Get(ctx, path)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, s.SetCount("f1"))
	assert.Equal(t, 1, s.DeleteCount("f1"))

	assert.Error(t, s.Set(ctx, CollectionPath("u1", "foodEntries"), doc))
}

// TestMemoryStore_QueryScopesUsers verifies namespaces and filters.
func TestMemoryStore_QueryScopesUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "b"), foodDoc("b", "u1")))
	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "a"), foodDoc("a", "u1")))
	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "c"), foodDoc("c", "someone-else")))
	require.NoError(t, s.Set(ctx, DocPath("u2", "foodEntries", "d"), foodDoc("d", "u2")))

	docs, err := s.Query(ctx, CollectionPath("u1", "foodEntries"), Eq(models.FieldOwnerID, "u1"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID())
	assert.Equal(t, "b", docs[1].ID())
}

// TestMemoryStore_Errors verifies injected failures.
func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := apperrors.New(apperrors.ErrRemote, "quota exceeded")

	s.FailDocument("f1", boom)
	assert.ErrorIs(t, s.Set(ctx, DocPath("u1", "foodEntries", "f1"), foodDoc("f1", "u1")), boom)
	assert.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "f2"), foodDoc("f2", "u1")))
	s.FailDocument("f1", nil)
	assert.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "f1"), foodDoc("f1", "u1")))

	s.SetError(boom)
	_, err := s.Query(ctx, CollectionPath("u1", "foodEntries"))
	assert.ErrorIs(t, err, boom)
	s.SetError(nil)
	_, err = s.Query(ctx, CollectionPath("u1", "foodEntries"))
	assert.NoError(t, err)
}

// TestMemoryStore_Listen verifies snapshot, change and removal delivery.
func TestMemoryStore_Listen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	coll := CollectionPath("u1", "foodEntries")
	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "f1"), foodDoc("f1", "u1")))

	rec := &recorder{}
	sub, err := s.Listen(ctx, coll, []Filter{Eq(models.FieldOwnerID, "u1")}, rec.handle)
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "f1"), foodDoc("f1", "u1")))
	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "f2"), foodDoc("f2", "u1")))
	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "x"), foodDoc("x", "other")))
	require.NoError(t, s.Set(ctx, DocPath("u2", "foodEntries", "y"), foodDoc("y", "u1")))
	require.NoError(t, s.Delete(ctx, DocPath("u1", "foodEntries", "f2")))

	events := rec.waitFor(t, 4)
	require.Len(t, events, 4)
	assert.Equal(t, Event{Type: EventAdded, DocumentID: "f1", Document: foodDoc("f1", "u1")}, events[0])
	assert.Equal(t, EventModified, events[1].Type)
	assert.Equal(t, EventAdded, events[2].Type)
	assert.Equal(t, "f2", events[2].DocumentID)
	assert.Equal(t, Event{Type: EventRemoved, DocumentID: "f2"}, events[3])
}

// TestMemoryStore_StopListening verifies no delivery after Stop.
func TestMemoryStore_StopListening(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &recorder{}
	sub, err := s.Listen(ctx, CollectionPath("u1", "foodEntries"), nil, rec.handle)
	require.NoError(t, err)

	sub.Stop()
	sub.Stop()
	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "f1"), foodDoc("f1", "u1")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

// TestMemoryStore_DropListeners verifies a dropped subscription reports that
// it ended and why, while a stopped one ends without an error.
func TestMemoryStore_DropListeners(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	coll := CollectionPath("u1", "foodEntries")

	stopped, err := s.Listen(ctx, coll, nil, (&recorder{}).handle)
	require.NoError(t, err)
	assert.False(t, Ended(stopped))
	assert.NoError(t, stopped.Err())
	stopped.Stop()
	assert.True(t, Ended(stopped))
	assert.NoError(t, stopped.Err())

	rec := &recorder{}
	dropped, err := s.Listen(ctx, coll, nil, rec.handle)
	require.NoError(t, err)
	require.Equal(t, 1, s.ListenerCount())

	streamErr := errors.New("stream reset")
	s.DropListeners(streamErr)

	assert.True(t, Ended(dropped))
	assert.Equal(t, streamErr, dropped.Err())
	assert.Equal(t, 0, s.ListenerCount())
	dropped.Stop()

	require.NoError(t, s.Set(ctx, DocPath("u1", "foodEntries", "f1"), foodDoc("f1", "u1")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

// =====================================================
// Mongo Tests
// =====================================================

// TestNormalize verifies driver types become codec-friendly values.
func TestNormalize(t *testing.T) {
	ts := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	raw := bson.M{
		"_id":          "u1/f1",
		"_uid":         "u1",
		"id":           "f1",
		"lastModified": primitive.NewDateTimeFromTime(ts),
		"foodItemIds":  bson.A{"a", "b"},
		"items":        bson.A{bson.D{{Key: "name", Value: "rice"}, {Key: "calories", Value: int32(200)}}},
	}

	doc := fromBSON(raw)
	assert.NotContains(t, doc, "_id")
	assert.NotContains(t, doc, "_uid")
	got, ok := doc["lastModified"].(time.Time)
	require.True(t, ok)
	assert.True(t, ts.Equal(got))
	assert.Equal(t, []interface{}{"a", "b"}, doc["foodItemIds"])
	assert.Equal(t, []interface{}{map[string]interface{}{"name": "rice", "calories": int32(200)}}, doc["items"])

	refs, err := models.DecodeChildRefs(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, refs.FoodIDs)
}

// TestToEvent verifies change stream events map onto store events.
func TestToEvent(t *testing.T) {
	var ev changeEvent
	ev.OperationType = "delete"
	ev.DocumentKey.ID = "u1/f1"
	got, ok := toEvent("u1", ev)
	require.True(t, ok)
	assert.Equal(t, Event{Type: EventRemoved, DocumentID: "f1"}, got)

	ev.OperationType = "update"
	_, ok = toEvent("u1", ev)
	assert.False(t, ok, "update without full document is skipped")

	ev.FullDocument = bson.M{"id": "f1"}
	got, ok = toEvent("u1", ev)
	require.True(t, ok)
	assert.Equal(t, EventModified, got.Type)

	ev.OperationType = "drop"
	_, ok = toEvent("u1", ev)
	assert.False(t, ok)
}

// TestClassify verifies driver failures map onto retryable codes.
func TestClassify(t *testing.T) {
	assert.True(t, apperrors.Is(classify("get", context.DeadlineExceeded), apperrors.ErrTimeout))
	assert.True(t, apperrors.IsRetryable(classify("get", errors.New("server selection error"))))
	assert.ErrorIs(t, classify("get", context.Canceled), context.Canceled)
}

// TestMongoStore_Integration runs the store contract against a live replica
// set when NUTRILOG_TEST_MONGO_URI is set.
func TestMongoStore_Integration(t *testing.T) {
	uri := os.Getenv("NUTRILOG_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("NUTRILOG_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := NewMongoStore(ctx, uri, "nutrilog_test_"+models.NewID()[:8], 5*time.Second)
	require.NoError(t, err)
	defer func() {
		_ = s.db.Drop(ctx)
		_ = s.Close(ctx)
	}()
	require.NoError(t, s.EnsureIndexes(ctx))

	rec := &recorder{}
	sub, err := s.Listen(ctx, CollectionPath("u1", "foodEntries"), []Filter{Eq(models.FieldOwnerID, "u1")}, rec.handle)
	require.NoError(t, err)
	defer sub.Stop()

	path := DocPath("u1", "foodEntries", "f1")
	require.NoError(t, s.Set(ctx, path, foodDoc("f1", "u1")))
	got, err := s.Get(ctx, path)
	require.NoError(t, err)
	rec1, err := models.Decode(models.KindFoodEntry, got)
	require.NoError(t, err)
	assert.Equal(t, "f1", rec1.Meta().ID)

	docs, err := s.Query(ctx, CollectionPath("u1", "foodEntries"), Eq(models.FieldOwnerID, "u1"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, s.Delete(ctx, path))
	events := rec.waitFor(t, 2)
	assert.Equal(t, EventAdded, events[0].Type)
	assert.Equal(t, EventRemoved, events[len(events)-1].Type)
}

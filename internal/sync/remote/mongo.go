package remote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
	"github.com/kimhsiao/nutrilog/backend/internal/logging"
	"github.com/kimhsiao/nutrilog/backend/internal/metrics"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

const (
	// fieldUser scopes every stored document to its namespace owner.
	fieldUser = "_uid"
	fieldKey  = "_id"

	DefaultTimeout = 30 * time.Second
)

// MongoStore maps the path namespace onto MongoDB: one collection per
// remote collection name, _id = "{userId}/{documentId}". Push notifications
// come from change streams, which need a replica set.
type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *logging.Logger
	owned   bool
}

// NewMongoClient connects and pings.
func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(20).
		SetMaxConnIdleTime(30 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkUnavailable, "connect to MongoDB", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperrors.Wrap(apperrors.ErrNetworkUnavailable, "ping MongoDB", err)
	}
	return client, nil
}

// NewMongoStore connects to uri and uses database. Close disconnects.
func NewMongoStore(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	client, err := NewMongoClient(ctx, uri)
	if err != nil {
		return nil, err
	}
	s := NewMongoStoreFromClient(client, database, timeout)
	s.owned = true
	return s, nil
}

// NewMongoStoreFromClient wraps an existing client. Close leaves it connected.
func NewMongoStoreFromClient(client *mongo.Client, database string, timeout time.Duration) *MongoStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := logging.Get().Component("remote.mongo")
	settings := gobreaker.Settings{
		Name:        "remote-store",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", logging.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		// Absent documents and caller cancellation say nothing about
		// the server's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, mongo.ErrNoDocuments) || errors.Is(err, context.Canceled)
		},
	}
	return &MongoStore{
		client:  client,
		db:      client.Database(database),
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
		log:     log,
	}
}

// call runs fn through the breaker under the per-call timeout and maps the
// outcome into the error taxonomy.
func (s *MongoStore) call(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	metrics.ObserveRemote(op, err)
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrTimeout, op, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperrors.Wrap(apperrors.ErrNetworkUnavailable, op, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return apperrors.Wrap(apperrors.ErrNetworkUnavailable, op, err)
	default:
		return apperrors.Wrap(apperrors.ErrRemote, op, err)
	}
}

func scopedID(p Path) string {
	return p.UserID + "/" + p.DocumentID
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, docPath string) (models.Document, error) {
	p, err := parseDocPath(docPath)
	if err != nil {
		return nil, err
	}
	out, err := s.call(ctx, "get", func(ctx context.Context) (interface{}, error) {
		var raw bson.M
		err := s.db.Collection(p.Collection).FindOne(ctx, bson.M{fieldKey: scopedID(p)}).Decode(&raw)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return fromBSON(raw), nil
	})
	if err != nil || out == nil {
		return nil, err
	}
	return out.(models.Document), nil
}

// Set implements Store.
func (s *MongoStore) Set(ctx context.Context, docPath string, doc models.Document) error {
	p, err := parseDocPath(docPath)
	if err != nil {
		return err
	}
	stored := bson.M{}
	for k, v := range doc {
		stored[k] = v
	}
	stored[fieldKey] = scopedID(p)
	stored[fieldUser] = p.UserID

	_, err = s.call(ctx, "set", func(ctx context.Context) (interface{}, error) {
		return s.db.Collection(p.Collection).ReplaceOne(ctx,
			bson.M{fieldKey: scopedID(p)},
			stored,
			options.Replace().SetUpsert(true),
		)
	})
	return err
}

// Delete implements Store.
func (s *MongoStore) Delete(ctx context.Context, docPath string) error {
	p, err := parseDocPath(docPath)
	if err != nil {
		return err
	}
	_, err = s.call(ctx, "delete", func(ctx context.Context) (interface{}, error) {
		return s.db.Collection(p.Collection).DeleteOne(ctx, bson.M{fieldKey: scopedID(p)})
	})
	return err
}

func queryFilter(p Path, filters []Filter) bson.M {
	q := bson.M{fieldUser: p.UserID}
	for _, f := range filters {
		q[f.Field] = f.Value
	}
	return q
}

// Query implements Store. Results are ordered by document id.
func (s *MongoStore) Query(ctx context.Context, collectionPath string, filters ...Filter) ([]models.Document, error) {
	p, err := parseCollectionPath(collectionPath)
	if err != nil {
		return nil, err
	}
	out, err := s.call(ctx, "query", func(ctx context.Context) (interface{}, error) {
		cursor, err := s.db.Collection(p.Collection).Find(ctx, queryFilter(p, filters),
			options.Find().SetSort(bson.D{{Key: fieldKey, Value: 1}}))
		if err != nil {
			return nil, err
		}
		defer cursor.Close(ctx)

		var raws []bson.M
		if err := cursor.All(ctx, &raws); err != nil {
			return nil, err
		}
		docs := make([]models.Document, 0, len(raws))
		for _, raw := range raws {
			docs = append(docs, fromBSON(raw))
		}
		return docs, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]models.Document), nil
}

// changeEvent is the subset of a change stream event the store consumes.
type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

// Listen implements Store. The change stream is opened before the initial
// snapshot is read so no change between the two is missed.
func (s *MongoStore) Listen(ctx context.Context, collectionPath string, filters []Filter, handler Handler) (Subscription, error) {
	p, err := parseCollectionPath(collectionPath)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "listener handler is required")
	}

	match := bson.M{"documentKey._id": bson.M{"$regex": "^" + regexp.QuoteMeta(p.UserID+"/")}}
	if len(filters) > 0 {
		full := bson.M{}
		for _, f := range filters {
			full["fullDocument."+f.Field] = f.Value
		}
		match = bson.M{"$and": bson.A{match, bson.M{"$or": bson.A{
			bson.M{"operationType": "delete"},
			full,
		}}}}
	}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: match}}}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := s.db.Collection(p.Collection).Watch(streamCtx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		metrics.ObserveRemote("listen", err)
		return nil, classify("listen", err)
	}

	initial, err := s.Query(ctx, collectionPath, filters...)
	if err != nil {
		cancel()
		_ = stream.Close(context.Background())
		return nil, err
	}

	sub := &mongoSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer stream.Close(context.Background())

		for _, doc := range initial {
			handler(Event{Type: EventAdded, DocumentID: doc.ID(), Document: doc})
		}
		for stream.Next(streamCtx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				s.log.Error("failed to decode change event", err, logging.Fields{"collection": collectionPath})
				continue
			}
			if out, ok := toEvent(p.UserID, ev); ok {
				handler(out)
			}
		}
		if streamCtx.Err() != nil {
			return
		}
		err := stream.Err()
		if err == nil {
			err = errors.New("change stream closed")
		}
		sub.err = classify("listen", err)
		s.log.ErrorWithCode("change stream ended", sub.err, logging.Fields{"collection": collectionPath})
	}()
	return sub, nil
}

func toEvent(userID string, ev changeEvent) (Event, bool) {
	docID := ev.DocumentKey.ID
	if prefix := userID + "/"; len(docID) > len(prefix) && docID[:len(prefix)] == prefix {
		docID = docID[len(prefix):]
	}
	switch ev.OperationType {
	case "insert":
		return Event{Type: EventAdded, DocumentID: docID, Document: fromBSON(ev.FullDocument)}, true
	case "update", "replace":
		if ev.FullDocument == nil {
			// Deleted before the lookup ran; the delete event follows.
			return Event{}, false
		}
		return Event{Type: EventModified, DocumentID: docID, Document: fromBSON(ev.FullDocument)}, true
	case "delete":
		return Event{Type: EventRemoved, DocumentID: docID}, true
	default:
		return Event{}, false
	}
}

type mongoSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done implements Subscription.
func (m *mongoSubscription) Done() <-chan struct{} {
	return m.done
}

// Err implements Subscription. It is only meaningful once Done is closed.
func (m *mongoSubscription) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Stop implements Subscription and waits for the stream goroutine to exit.
func (m *mongoSubscription) Stop() {
	m.cancel()
	<-m.done
}

// EnsureIndexes creates the owner index on every synced collection.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	for _, kind := range models.AllKinds {
		_, err := s.call(ctx, "ensure_indexes", func(ctx context.Context) (interface{}, error) {
			return s.db.Collection(kind.Collection()).Indexes().CreateOne(ctx, mongo.IndexModel{
				Keys: bson.D{{Key: fieldUser, Value: 1}, {Key: models.FieldOwnerID, Value: 1}},
			})
		})
		if err != nil {
			return fmt.Errorf("ensure index on %s: %w", kind.Collection(), err)
		}
	}
	return nil
}

// Close disconnects the client when the store created it.
func (s *MongoStore) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// fromBSON strips storage-only keys and converts driver types into the
// plain values the document codec understands.
func fromBSON(raw bson.M) models.Document {
	doc := make(models.Document, len(raw))
	for k, v := range raw {
		if k == fieldKey || k == fieldUser {
			continue
		}
		doc[k] = normalize(v)
	}
	return doc
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.A:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case primitive.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}

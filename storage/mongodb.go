package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentinel/core"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoCursor is the part of *mongo.Cursor the store uses; mockable in tests.
type MongoCursor interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// MongoSingleResult is the part of *mongo.SingleResult the store uses.
type MongoSingleResult interface {
	Decode(v interface{}) error
}

// MongoCollection is the part of *mongo.Collection the store uses.
type MongoCollection interface {
	InsertOne(ctx context.Context, doc interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) MongoSingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (MongoCursor, error)
	FindOneAndUpdate(ctx context.Context, filter, update interface{}, opts ...*options.FindOneAndUpdateOptions) MongoSingleResult
}

// mongoCollection adapts *mongo.Collection to MongoCollection
type mongoCollection struct {
	*mongo.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) MongoSingleResult {
	return c.Collection.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (MongoCursor, error) {
	return c.Collection.Find(ctx, filter, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update interface{}, opts ...*options.FindOneAndUpdateOptions) MongoSingleResult {
	return c.Collection.FindOneAndUpdate(ctx, filter, update, opts...)
}

// MongoCollections groups the collections of a MongoStore.
type MongoCollections struct {
	Alerts MongoCollection
	Rules  MongoCollection
	Events MongoCollection
}

// MongoStore is a Store on MongoDB. Rule versions are separate documents
// keyed by (rule_id, version).
type MongoStore struct {
	client *mongo.Client
	coll   MongoCollections
	logger *zap.SugaredLogger
	now    func() time.Time
}

// MongoOptions configures NewMongoStore.
type MongoOptions struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	Timeout     time.Duration
}

// NewMongoStore connects, pings and ensures indexes.
func NewMongoStore(ctx context.Context, opts MongoOptions, logger *zap.SugaredLogger) (*MongoStore, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(opts.URI)
	if opts.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	}
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(opts.Database)
	if err := ensureMongoIndexes(ctx, db); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.Infow("Connected to MongoDB", "database", opts.Database)

	s := NewMongoStoreWithCollections(MongoCollections{
		Alerts: mongoCollection{db.Collection("alerts")},
		Rules:  mongoCollection{db.Collection("rules")},
		Events: mongoCollection{db.Collection("events")},
	}, logger)
	s.client = client
	return s, nil
}

// NewMongoStoreWithCollections builds a store over existing collections.
func NewMongoStoreWithCollections(coll MongoCollections, logger *zap.SugaredLogger) *MongoStore {
	return &MongoStore{coll: coll, logger: logger, now: time.Now}
}

func ensureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		"rules": {{
			Keys:    bson.D{{Key: "rule_id", Value: 1}, {Key: "version", Value: -1}},
			Options: options.Index().SetUnique(true),
		}},
		"alerts": {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "rule_id", Value: 1}}},
		},
		"events": {
			{Keys: bson.D{{Key: "source", Value: 1}, {Key: "type", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
	}
	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
	}
	return nil
}

func (s *MongoStore) SaveAlert(ctx context.Context, a *core.Alert) error {
	_, err := s.coll.Alerts.InsertOne(ctx, a)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return classify("save alert", err)
}

func (s *MongoStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	var a core.Alert
	err := s.coll.Alerts.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("alert")
	}
	if err != nil {
		return nil, classify("get alert", err)
	}
	return &a, nil
}

func (s *MongoStore) ListAlerts(ctx context.Context, q AlertQuery) ([]*core.Alert, error) {
	filter := bson.M{}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if q.RuleID != "" {
		filter["rule_id"] = q.RuleID
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(normalizeLimit(q.Limit)))

	cursor, err := s.coll.Alerts.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify("list alerts", err)
	}
	defer cursor.Close(ctx)

	out := make([]*core.Alert, 0)
	for cursor.Next(ctx) {
		var a core.Alert
		if err := cursor.Decode(&a); err != nil {
			return nil, core.NewPermanentStorageError("list alerts", err)
		}
		out = append(out, &a)
	}
	return out, classify("list alerts", cursor.Err())
}

// UpdateAlertStatus only matches documents whose current status may move to
// status, so concurrent updates cannot skip the state machine.
func (s *MongoStore) UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus, at time.Time) (*core.Alert, error) {
	filter := bson.M{"_id": id, "status": bson.M{"$in": transitionSources(status)}}
	update := bson.M{"$set": bson.M{"status": status, "updated_at": at.UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var a core.Alert
	err := s.coll.Alerts.FindOneAndUpdate(ctx, filter, update, opts).Decode(&a)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, classify("update alert", err)
	}
	current, getErr := s.GetAlert(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, invalidTransition(current.Status, status)
}

func (s *MongoStore) LoadRules(ctx context.Context) ([]core.Rule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "rule_id", Value: 1}, {Key: "version", Value: -1}})
	cursor, err := s.coll.Rules.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, classify("load rules", err)
	}
	defer cursor.Close(ctx)

	var all []core.Rule
	for cursor.Next(ctx) {
		var r core.Rule
		if err := cursor.Decode(&r); err != nil {
			return nil, core.NewPermanentStorageError("load rules", err)
		}
		normalizeRule(&r)
		all = append(all, r)
	}
	if err := cursor.Err(); err != nil {
		return nil, classify("load rules", err)
	}
	return core.LatestVersions(all), nil
}

func (s *MongoStore) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	r, err := s.latestRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound("rule")
	}
	return r, nil
}

func (s *MongoStore) latestRule(ctx context.Context, id string) (*core.Rule, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var r core.Rule
	err := s.coll.Rules.FindOne(ctx, bson.M{"rule_id": id}, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get rule", err)
	}
	normalizeRule(&r)
	return &r, nil
}

// maxRuleSaveAttempts bounds retries when two writers race for a version.
const maxRuleSaveAttempts = 3

func (s *MongoStore) SaveRule(ctx context.Context, rule *core.Rule) (*core.Rule, error) {
	for attempt := 0; attempt < maxRuleSaveAttempts; attempt++ {
		latest, err := s.latestRule(ctx, rule.ID)
		if err != nil {
			return nil, err
		}
		stored := copyRule(*rule)
		now := s.now().UTC()
		stored.Version = 1
		stored.CreatedAt = now
		if latest != nil {
			stored.Version = latest.Version + 1
			stored.CreatedAt = latest.CreatedAt
		}
		stored.UpdatedAt = now

		_, err = s.coll.Rules.InsertOne(ctx, stored)
		if err == nil {
			return &stored, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, classify("save rule", err)
		}
	}
	return nil, core.NewTransientStorageError("save rule", fmt.Errorf("version conflict on rule %s", rule.ID))
}

func (s *MongoStore) SaveEvent(ctx context.Context, ev *core.Event) error {
	_, err := s.coll.Events.InsertOne(ctx, ev)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return classify("save event", err)
}

func (s *MongoStore) LoadEvents(ctx context.Context, q EventQuery) ([]*core.Event, error) {
	filter := bson.M{}
	if q.Source != "" {
		filter["source"] = q.Source
	}
	if q.Type != "" {
		filter["type"] = q.Type
	}
	ts := bson.M{}
	if !q.Since.IsZero() {
		ts["$gte"] = q.Since.UTC()
	}
	if !q.Until.IsZero() {
		ts["$lt"] = q.Until.UTC()
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(normalizeLimit(q.Limit)))

	cursor, err := s.coll.Events.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify("load events", err)
	}
	defer cursor.Close(ctx)

	out := make([]*core.Event, 0)
	for cursor.Next(ctx) {
		var ev core.Event
		if err := cursor.Decode(&ev); err != nil {
			return nil, core.NewPermanentStorageError("load events", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		if m, ok := normalizeBSON(ev.Fields).(map[string]interface{}); ok {
			ev.Fields = m
		}
		out = append(out, &ev)
	}
	return out, classify("load events", cursor.Err())
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return classify("ping", s.client.Ping(ctx, nil))
}

func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func normalizeRule(r *core.Rule) {
	for i := range r.Conditions {
		r.Conditions[i].Value = normalizeBSON(r.Conditions[i].Value)
		for j := range r.Conditions[i].Values {
			r.Conditions[i].Values[j] = normalizeBSON(r.Conditions[i].Values[j])
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
}

// normalizeBSON turns driver document types into plain maps and slices so
// field resolution sees the same shapes as for JSON input.
func normalizeBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.D:
		m := make(map[string]interface{}, len(t))
		for _, e := range t {
			m[e.Key] = normalizeBSON(e.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = normalizeBSON(val)
		}
		return m
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeBSON(val)
		}
		return t
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeBSON(val)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = normalizeBSON(t[i])
		}
		return t
	case primitive.DateTime:
		return t.Time().UTC()
	}
	return v
}

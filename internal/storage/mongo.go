package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoStorage reads the database-wide change stream and runs pipelines on the server.
// Change events come from the change stream, including those caused by
// writes made through this type.
type MongoStorage struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
	retry  time.Duration
}

type mongoChange struct {
	ID            bson.Raw `bson:"_id"`
	OperationType string   `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey       bson.M `bson:"documentKey"`
	FullDocument      bson.M `bson:"fullDocument"`
	UpdateDescription *struct {
		UpdatedFields bson.M   `bson:"updatedFields"`
		RemovedFields []string `bson:"removedFields"`
	} `bson:"updateDescription"`
}

// NewMongoStorage connects to MongoDB and pings it.
func NewMongoStorage(ctx context.Context, url, database string, logger *zap.Logger) (*MongoStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &MongoStorage{
		client: client,
		db:     client.Database(database),
		logger: logger,
		retry:  time.Second,
	}, nil
}

// Changes opens the database change stream scoped to ops. When the stream
// breaks it is resumed from the last seen token.
func (m *MongoStorage) Changes(ctx context.Context, ops []OperationType) (<-chan ChangeEvent, error) {
	if len(ops) == 0 {
		ops = DefaultOperations
	}
	types := bson.A{}
	for _, op := range ops {
		types = append(types, string(op))
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: types}}}}}},
	}

	cs, err := m.db.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("opening change stream: %w", err)
	}

	out := make(chan ChangeEvent)
	go func() {
		defer close(out)
		for {
			for cs.Next(ctx) {
				var raw mongoChange
				if err := cs.Decode(&raw); err != nil {
					m.logger.Warn("undecodable change event", zap.Error(err))
					continue
				}
				select {
				case out <- raw.event():
				case <-ctx.Done():
					cs.Close(context.Background())
					return
				}
			}
			token := cs.ResumeToken()
			streamErr := cs.Err()
			cs.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("change stream interrupted, resuming", zap.Error(streamErr))

			for {
				select {
				case <-time.After(m.retry):
				case <-ctx.Done():
					return
				}
				opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
				if token != nil {
					opts.SetResumeAfter(token)
				}
				cs, err = m.db.Watch(ctx, pipeline, opts)
				if err == nil {
					break
				}
				m.logger.Warn("change stream resume failed", zap.Error(err))
			}
		}
	}()
	return out, nil
}

func (c mongoChange) event() ChangeEvent {
	ev := ChangeEvent{
		OperationType: OperationType(c.OperationType),
		Collection:    c.NS.Coll,
		DocumentKey:   c.DocumentKey["_id"],
	}
	if c.FullDocument != nil {
		ev.FullDocument = normalizeBSON(c.FullDocument).(Document)
	}
	if c.UpdateDescription != nil {
		ev.UpdateDescription = &UpdateDescription{
			UpdatedFields: normalizeBSON(c.UpdateDescription.UpdatedFields).(Document),
			RemovedFields: c.UpdateDescription.RemovedFields,
		}
	}
	return ev
}

// stages converts JSON stages to BSON documents. Extended JSON keeps key
// order and understands {"$oid": ...} values.
func stages(pipeline Pipeline) (bson.A, error) {
	out := make(bson.A, 0, len(pipeline))
	for i, raw := range pipeline {
		var d bson.D
		if err := bson.UnmarshalExtJSON(raw, false, &d); err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MongoStorage) aggregate(ctx context.Context, collection string, pipeline bson.A) ([]Document, error) {
	cursor, err := m.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(results))
	for _, r := range results {
		docs = append(docs, normalizeBSON(r).(Document))
	}
	return docs, nil
}

// Aggregate runs the pipeline on the server.
func (m *MongoStorage) Aggregate(ctx context.Context, collection string, pipeline Pipeline) ([]Document, error) {
	p, err := stages(pipeline)
	if err != nil {
		return nil, err
	}
	return m.aggregate(ctx, collection, p)
}

// AggregateByID prepends a native $match on _id, so ObjectIDs from the change stream match.
func (m *MongoStorage) AggregateByID(ctx context.Context, collection string, id any, pipeline Pipeline) ([]Document, error) {
	p, err := stages(pipeline)
	if err != nil {
		return nil, err
	}
	scoped := append(bson.A{bson.D{{Key: "$match", Value: bson.D{{Key: "_id", Value: id}}}}}, p...)
	return m.aggregate(ctx, collection, scoped)
}

// CollectionNames lists the database's collections.
func (m *MongoStorage) CollectionNames(ctx context.Context) ([]string, error) {
	return m.db.ListCollectionNames(ctx, bson.D{})
}

// Insert writes a document; the change stream reports it.
func (m *MongoStorage) Insert(ctx context.Context, collection string, doc Document) (any, error) {
	d := Document{}
	for k, v := range doc {
		d[k] = v
	}
	id := ensureID(d)
	if _, err := m.db.Collection(collection).InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return id, nil
}

// Update applies $set/$unset to one document.
func (m *MongoStorage) Update(ctx context.Context, collection string, id any, mut Mutation) error {
	update := bson.D{}
	if len(mut.Set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: bson.M(mut.Set)})
	}
	if len(mut.Unset) > 0 {
		unset := bson.M{}
		for _, f := range mut.Unset {
			unset[f] = ""
		}
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}
	if len(update) == 0 {
		return nil
	}
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one document.
func (m *MongoStorage) Delete(ctx context.Context, collection string, id any) error {
	res, err := m.db.Collection(collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.client.Disconnect(ctx)
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return nil
	}
	return err
}

// normalizeBSON turns driver containers into plain maps and slices so
// documents marshal to JSON objects and arrays.
func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(Document, len(t))
		for k, e := range t {
			out[k] = normalizeBSON(e)
		}
		return out
	case map[string]any:
		out := make(Document, len(t))
		for k, e := range t {
			out[k] = normalizeBSON(e)
		}
		return out
	case bson.D:
		out := make(Document, len(t))
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeBSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeBSON(e)
		}
		return out
	}
	return v
}

package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore implements DocumentStore using the MongoDB driver.
type MongoStore struct {
	client   *mongo.Client
	database string
}

// NewMongoStore connects to the given MongoDB instance. A malformed
// connection string is ErrRejected; an unreachable server is not.
func NewMongoStore(ctx context.Context, connectionString, database string) (*MongoStore, error) {
	opts := options.Client().ApplyURI(connectionString)
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w: %w", ErrRejected, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	return &MongoStore{client: client, database: database}, nil
}

// Upsert replaces each document by _id, inserting when absent.
func (m *MongoStore) Upsert(ctx context.Context, collection string, docs []Document) (Ack, error) {
	ack := Ack{Location: m.database + "." + collection}
	if len(docs) == 0 {
		return ack, nil
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	for _, d := range docs {
		body, err := toBSON(d)
		if err != nil {
			return ack, fmt.Errorf("encoding document %v: %w: %w", d.ID, ErrRejected, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: d.ID}}).
			SetReplacement(body).
			SetUpsert(true))
	}

	coll := m.client.Database(m.database).Collection(collection)
	res, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return ack, fmt.Errorf("upserting into %s: %w", collection, err)
	}
	ack.Written = res.MatchedCount + res.UpsertedCount
	return ack, nil
}

// ReplaceAll upserts docs, then deletes documents left over from earlier
// runs. Readers never observe an empty collection.
func (m *MongoStore) ReplaceAll(ctx context.Context, collection string, docs []Document) (Ack, error) {
	ack, err := m.Upsert(ctx, collection, docs)
	if err != nil {
		return ack, err
	}

	ids := make(bson.A, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$nin", Value: ids}}}}

	coll := m.client.Database(m.database).Collection(collection)
	res, err := coll.DeleteMany(ctx, filter)
	if err != nil {
		return ack, fmt.Errorf("pruning %s: %w", collection, err)
	}
	ack.Deleted = res.DeletedCount
	return ack, nil
}

// Count returns the number of documents in a collection.
func (m *MongoStore) Count(ctx context.Context, collection string) (int64, error) {
	n, err := m.client.Database(m.database).Collection(collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

// Close disconnects from MongoDB.
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// toBSON encodes the document body with _id as its first field.
func toBSON(d Document) (bson.D, error) {
	raw, err := bson.Marshal(d.Body)
	if err != nil {
		return nil, err
	}
	var body bson.D
	if err := bson.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	out := make(bson.D, 0, len(body)+1)
	out = append(out, bson.E{Key: "_id", Value: d.ID})
	for _, e := range body {
		if e.Key == "_id" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

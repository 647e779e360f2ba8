//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/medallion/medallion/internal/storage"
)

func TestS3PutGet(t *testing.T) {
	skipIfNoS3(t)
	ctx := context.Background()

	store, err := storage.NewS3Store(ctx, s3Config(t))
	if err != nil {
		t.Fatalf("connecting to S3: %v", err)
	}

	bucket := uniqueName("medallion-it")
	ack, err := store.Put(ctx, bucket, "2024-06-30/clients.csv", []byte("id_client\n1\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ack.Bytes != 12 {
		t.Errorf("ack bytes = %d, want 12", ack.Bytes)
	}

	data, err := store.Get(ctx, bucket, "2024-06-30/clients.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "id_client\n1\n" {
		t.Errorf("Get = %q", data)
	}

	ok, err := store.Exists(ctx, bucket, "2024-06-30/missing.csv")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("missing key reported as existing")
	}
	if _, err := store.Get(ctx, bucket, "2024-06-30/missing.csv"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get missing: expected ErrNotFound, got %v", err)
	}
}

func TestMongoReplaceAll(t *testing.T) {
	skipIfNoMongo(t)
	ctx := context.Background()

	store, err := storage.NewMongoStore(ctx, mongoURI(t), mongoDatabase(t))
	if err != nil {
		t.Fatalf("connecting to MongoDB: %v", err)
	}
	defer store.Close(ctx)

	coll := uniqueName("revenue_by_country")
	first := []storage.Document{
		{ID: "France", Body: map[string]any{"pays": "France", "ca_total": 120.5}},
		{ID: "Spain", Body: map[string]any{"pays": "Spain", "ca_total": 40.0}},
	}
	if _, err := store.ReplaceAll(ctx, coll, first); err != nil {
		t.Fatalf("first ReplaceAll: %v", err)
	}

	second := []storage.Document{{ID: "France", Body: map[string]any{"pays": "France", "ca_total": 130.0}}}
	ack, err := store.ReplaceAll(ctx, coll, second)
	if err != nil {
		t.Fatalf("second ReplaceAll: %v", err)
	}
	if ack.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", ack.Deleted)
	}

	n, err := store.Count(ctx, coll)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

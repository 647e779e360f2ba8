// Package storage provides the object store and document store the pipeline
// persists to, plus the retry wrapper applied to every remote call.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key or collection does not exist. It is
	// never retried.
	ErrNotFound = errors.New("not found")

	// ErrRejected marks a request the store refused outright: bad keys,
	// unencodable documents, denied credentials. It is never retried.
	ErrRejected = errors.New("request rejected")

	// ErrUnavailable matches every *UnavailableError.
	ErrUnavailable = errors.New("storage unavailable")
)

// ObjectStore is a bucket/key blob store.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) (Ack, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// DocumentStore is a collection/document store keyed by _id.
type DocumentStore interface {
	// Upsert replaces or inserts each document by ID.
	Upsert(ctx context.Context, collection string, docs []Document) (Ack, error)
	// ReplaceAll upserts docs and then removes every document whose ID is
	// not among them.
	ReplaceAll(ctx context.Context, collection string, docs []Document) (Ack, error)
	Count(ctx context.Context, collection string) (int64, error)
}

// Document is one row mirrored into a collection. Body is any value the
// backend can encode; ID becomes the document _id.
type Document struct {
	ID   any
	Body any
}

// Ack acknowledges a completed write.
type Ack struct {
	Location string
	Bytes    int64
	Written  int64
	Deleted  int64
}

// UnavailableError reports a call that still failed after every retry, or
// that was rejected by an open circuit breaker.
type UnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// ObjectLocation renders bucket/key the way logs and acks show it.
func ObjectLocation(bucket, key string) string {
	return bucket + "/" + key
}

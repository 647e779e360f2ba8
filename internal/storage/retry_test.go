package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fakeTimer fires immediately and records every requested wait.
type fakeTimer struct {
	waits *[]time.Duration
	c     chan time.Time
}

func (f *fakeTimer) Start(d time.Duration) {
	*f.waits = append(*f.waits, d)
	f.c <- time.Time{}
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) C() <-chan time.Time { return f.c }

func testRetrier(waits *[]time.Duration) *Retrier {
	return &Retrier{
		Delays: DefaultDelays,
		Timer: func() backoff.Timer {
			return &fakeTimer{waits: waits, c: make(chan time.Time, 1)}
		},
	}
}

var errTransient = errors.New("connection reset")

func TestPutFailsTwiceThenSucceeds(t *testing.T) {
	var waits []time.Duration
	mem := NewMemoryObjectStore()
	mem.PutErrs = []error{errTransient, errTransient}
	store := &RetryingObjectStore{Store: mem, Retrier: testRetrier(&waits)}

	ack, err := store.Put(context.Background(), "silver", "run/clients.parquet", []byte("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.Location != "silver/run/clients.parquet" {
		t.Errorf("unexpected ack location %s", ack.Location)
	}
	if mem.PutCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", mem.PutCalls)
	}
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 10*time.Second {
		t.Errorf("expected waits [2s 10s], got %v", waits)
	}
	var total time.Duration
	for _, w := range waits {
		total += w
	}
	if total != 12*time.Second {
		t.Errorf("expected 12s total backoff, got %v", total)
	}
}

func TestPutExhaustsRetries(t *testing.T) {
	var waits []time.Duration
	mem := NewMemoryObjectStore()
	mem.PutErrs = []error{errTransient, errTransient, errTransient, errTransient, errTransient}
	store := &RetryingObjectStore{Store: mem, Retrier: testRetrier(&waits)}

	_, err := store.Put(context.Background(), "gold", "k", []byte("x"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UnavailableError, got %T", err)
	}
	if ue.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", ue.Attempts)
	}
	if !errors.Is(err, errTransient) {
		t.Error("expected the last cause to be wrapped")
	}
	if len(waits) != 3 {
		t.Errorf("expected 3 waits, got %v", waits)
	}
	if _, err := mem.Get(context.Background(), "gold", "k"); !errors.Is(err, ErrNotFound) {
		t.Error("nothing should have been committed")
	}
}

func TestGetNotFoundIsNotRetried(t *testing.T) {
	var waits []time.Duration
	mem := NewMemoryObjectStore()
	store := &RetryingObjectStore{Store: mem, Retrier: testRetrier(&waits)}

	_, err := store.Get(context.Background(), "silver", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("not found must not be reported as unavailable")
	}
	if mem.GetCalls != 1 {
		t.Errorf("expected a single attempt, got %d", mem.GetCalls)
	}
	if len(waits) != 0 {
		t.Errorf("expected no waits, got %v", waits)
	}
}

func TestRejectedRequestIsNotRetried(t *testing.T) {
	var waits []time.Duration
	fs, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r := testRetrier(&waits)
	attempts := 0
	r.OnAttempt = func(string, int, error) { attempts++ }
	store := &RetryingObjectStore{Store: fs, Retrier: r}

	_, err = store.Put(context.Background(), "gold", "../outside", []byte("x"))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("a rejected request must not be reported as unavailable")
	}
	if attempts != 1 || len(waits) != 0 {
		t.Errorf("expected one attempt and no waits, got %d attempts, waits %v", attempts, waits)
	}
}

func TestOpenWaitsForBackend(t *testing.T) {
	var waits []time.Duration
	calls := 0
	store, err := Open(context.Background(), testRetrier(&waits), "mongodb", func(context.Context) (*MemoryDocumentStore, error) {
		calls++
		if calls < 3 {
			return nil, errTransient
		}
		return NewMemoryDocumentStore(), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil || calls != 3 {
		t.Errorf("expected a store after 3 attempts, got %v after %d", store, calls)
	}
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 10*time.Second {
		t.Errorf("expected waits [2s 10s], got %v", waits)
	}
}

func TestOpenRejectsBadConnectionString(t *testing.T) {
	var waits []time.Duration
	_, err := Open(context.Background(), testRetrier(&waits), "mongodb", func(ctx context.Context) (*MongoStore, error) {
		return NewMongoStore(ctx, "not-a-mongodb-uri", "analytics")
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(waits) != 0 {
		t.Errorf("expected no waits, got %v", waits)
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{Delays: []time.Duration{time.Hour}}
	calls := 0
	err := r.Do(ctx, "put", func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestOnAttemptHook(t *testing.T) {
	var waits []time.Duration
	r := testRetrier(&waits)
	var seen []int
	r.OnAttempt = func(op string, attempt int, err error) {
		if op != "upsert" {
			t.Errorf("unexpected op %s", op)
		}
		seen = append(seen, attempt)
	}
	docs := NewMemoryDocumentStore()
	docs.UpsertErrs = []error{errTransient}
	store := &RetryingDocumentStore{Store: docs, Retrier: r}

	if _, err := store.Upsert(context.Background(), "customer_metrics", []Document{{ID: int64(1), Body: "a"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 || seen[1] != 2 {
		t.Errorf("expected attempts [1 2], got %v", seen)
	}
}

func TestBreakerFailsFast(t *testing.T) {
	var waits []time.Duration
	r := testRetrier(&waits)
	r.Delays = nil
	r.Breaker = NewBreaker("objects", 2)

	failing := func(context.Context) error { return errTransient }
	for i := 0; i < 2; i++ {
		if err := r.Do(context.Background(), "put", failing); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}

	called := false
	err := r.Do(context.Background(), "put", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected open breaker to fail fast, got %v", err)
	}
	if called {
		t.Error("open breaker should not invoke the call")
	}
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	r := &Retrier{Breaker: NewBreaker("objects", 1)}
	for i := 0; i < 3; i++ {
		err := r.Do(context.Background(), "get", func(context.Context) error { return ErrNotFound })
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d: expected ErrNotFound, got %v", i, err)
		}
	}
}

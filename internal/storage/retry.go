package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/medallion/medallion/internal/config"
	"github.com/medallion/medallion/internal/logging"
)

// DefaultDelays is the wait before each retry: up to three retries after
// the first attempt.
var DefaultDelays = []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}

// Retrier runs storage calls with a fixed delay sequence between attempts.
type Retrier struct {
	Delays  []time.Duration
	Logger  *slog.Logger
	Breaker *gobreaker.CircuitBreaker[any]

	// Timer overrides the wait clock; tests inject one that fires at once.
	Timer func() backoff.Timer

	// OnAttempt is called after every attempt with its outcome.
	OnAttempt func(op string, attempt int, err error)
}

// NewRetrier builds a Retrier from the retry config. A positive breaker
// threshold trips the breaker after that many consecutive exhausted calls.
func NewRetrier(name string, cfg config.RetryConfig, logger *slog.Logger) *Retrier {
	delays := cfg.Delays
	if delays == nil {
		delays = DefaultDelays
	}
	r := &Retrier{
		Delays: delays,
		Logger: logging.Component(logger, "storage").With("store", name),
	}
	if cfg.BreakerThreshold > 0 {
		r.Breaker = NewBreaker(name, cfg.BreakerThreshold)
	}
	return r
}

// NewBreaker returns a breaker that opens after threshold consecutive
// failures. Not-found, rejected requests and cancellation do not count as
// failures.
func NewBreaker(name string, threshold int) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    name,
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err) || errors.Is(err, context.Canceled)
		},
	})
}

// Do runs fn until it succeeds, fails permanently, or the delays run out.
// attrs are added to every log record for the call.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...any) error {
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(append([]any{"op", op}, attrs...)...)

	if r.Breaker == nil {
		return r.retry(ctx, op, logger, fn)
	}
	_, err := r.Breaker.Execute(func() (any, error) {
		return nil, r.retry(ctx, op, logger, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Error("circuit open, failing fast", "error", err)
		return &UnavailableError{Op: op, Attempts: 0, Err: err}
	}
	return err
}

func (r *Retrier) retry(ctx context.Context, op string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	attempt := 0
	permanent := false
	operation := func() error {
		attempt++
		err := fn(ctx)
		if r.OnAttempt != nil {
			r.OnAttempt(op, attempt, err)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || isPermanent(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("storage call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	var timer backoff.Timer
	if r.Timer != nil {
		timer = r.Timer()
	}
	seq := backoff.WithContext(&delaySequence{delays: r.Delays}, ctx)

	err := backoff.RetryNotifyWithTimer(operation, seq, notify, timer)
	switch {
	case err == nil:
		if attempt > 1 {
			logger.Info("storage call succeeded after retry", "attempts", attempt)
		} else {
			logger.Debug("storage call succeeded")
		}
		return nil
	case ctx.Err() != nil:
		logger.Warn("storage call cancelled", "attempts", attempt, "error", ctx.Err())
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case permanent:
		return err
	default:
		logger.Error("storage call failed, giving up", "attempts", attempt, "error", err)
		return &UnavailableError{Op: op, Attempts: attempt, Err: err}
	}
}

// Open runs a backend constructor under r, so a store that is still
// starting up is waited for like any other call.
func Open[T any](ctx context.Context, r *Retrier, name string, open func(context.Context) (T, error)) (T, error) {
	var store T
	err := r.Do(ctx, "connect", func(ctx context.Context) error {
		s, err := open(ctx)
		if err != nil {
			return err
		}
		store = s
		return nil
	}, "backend", name)
	return store, err
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected)
}

// delaySequence yields each configured delay once, then stops.
type delaySequence struct {
	delays []time.Duration
	next   int
}

func (s *delaySequence) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

func (s *delaySequence) Reset() { s.next = 0 }

// RetryingObjectStore applies a Retrier to every ObjectStore call.
type RetryingObjectStore struct {
	Store   ObjectStore
	Retrier *Retrier
}

func (s *RetryingObjectStore) Put(ctx context.Context, bucket, key string, data []byte) (Ack, error) {
	var ack Ack
	err := s.Retrier.Do(ctx, "put", func(ctx context.Context) error {
		var err error
		ack, err = s.Store.Put(ctx, bucket, key, data)
		return err
	}, "bucket", bucket, "key", key)
	return ack, err
}

func (s *RetryingObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := s.Retrier.Do(ctx, "get", func(ctx context.Context) error {
		var err error
		data, err = s.Store.Get(ctx, bucket, key)
		return err
	}, "bucket", bucket, "key", key)
	return data, err
}

func (s *RetryingObjectStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	var ok bool
	err := s.Retrier.Do(ctx, "exists", func(ctx context.Context) error {
		var err error
		ok, err = s.Store.Exists(ctx, bucket, key)
		return err
	}, "bucket", bucket, "key", key)
	return ok, err
}

// RetryingDocumentStore applies a Retrier to every DocumentStore call.
type RetryingDocumentStore struct {
	Store   DocumentStore
	Retrier *Retrier
}

func (s *RetryingDocumentStore) Upsert(ctx context.Context, collection string, docs []Document) (Ack, error) {
	var ack Ack
	err := s.Retrier.Do(ctx, "upsert", func(ctx context.Context) error {
		var err error
		ack, err = s.Store.Upsert(ctx, collection, docs)
		return err
	}, "collection", collection, "documents", len(docs))
	return ack, err
}

func (s *RetryingDocumentStore) ReplaceAll(ctx context.Context, collection string, docs []Document) (Ack, error) {
	var ack Ack
	err := s.Retrier.Do(ctx, "replace_all", func(ctx context.Context) error {
		var err error
		ack, err = s.Store.ReplaceAll(ctx, collection, docs)
		return err
	}, "collection", collection, "documents", len(docs))
	return ack, err
}

func (s *RetryingDocumentStore) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := s.Retrier.Do(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = s.Store.Count(ctx, collection)
		return err
	}, "collection", collection)
	return n, err
}

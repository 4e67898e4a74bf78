package storage

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions configures the transient-failure retry policy applied at the
// storage boundary. The defaults are deliberate policy choices, not contract:
// tune them per backend.
type RetryOptions struct {
	// MaxRetries bounds the retry budget per operation. Exhausting it makes
	// the failure permanent, which halts the circuit.
	MaxRetries uint64
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryOptions returns the default policy: 8 attempts with exponential
// backoff from 50ms up to 2s.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:      8,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// RetryingStore decorates an ObjectStore with exponential-backoff retries for
// transient I/O failures. ErrNotFound and ErrCorrupt are never retried.
type RetryingStore struct {
	inner ObjectStore
	opts  RetryOptions
}

// NewRetryingStore wraps inner with the given retry policy.
func NewRetryingStore(inner ObjectStore, opts RetryOptions) *RetryingStore {
	return &RetryingStore{inner: inner, opts: opts}
}

func (s *RetryingStore) retry(op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialInterval
	policy.MaxInterval = s.opts.MaxInterval

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(policy, s.opts.MaxRetries))
}

func (s *RetryingStore) Get(key string) ([]byte, error) {
	var val []byte
	err := s.retry(func() error {
		var err error
		val, err = s.inner.Get(key)
		return err
	})
	return val, err
}

func (s *RetryingStore) Put(key string, value []byte) error {
	return s.retry(func() error {
		return s.inner.Put(key, value)
	})
}

func (s *RetryingStore) Delete(key string) error {
	return s.retry(func() error {
		return s.inner.Delete(key)
	})
}

func (s *RetryingStore) List(prefix string) ([]string, error) {
	var keys []string
	err := s.retry(func() error {
		var err error
		keys, err = s.inner.List(prefix)
		return err
	})
	return keys, err
}

func (s *RetryingStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	// A failed scan restarts from the beginning, so fn may observe the same
	// key again across attempts; callers rebuild into fresh state or write
	// idempotently.
	return s.retry(func() error {
		return s.inner.Scan(prefix, fn)
	})
}

func (s *RetryingStore) Close() error {
	return s.inner.Close()
}

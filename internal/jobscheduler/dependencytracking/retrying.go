package dependencytracking

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
	"github.com/dbcdk/dataio/internal/common/logging"
)

type RetryConfig struct {
	// Total number of attempts per call, including the first.
	Attempts uint
	// Initial delay between attempts; doubled on every retry.
	Delay time.Duration
	// Upper bound on the duration of a single attempt.
	CallTimeout time.Duration
	// Decides whether an error is worth retrying. Defaults to retrying everything.
	IsRetryable func(error) bool
}

// RetryingMapStore retries failed calls to the wrapped MapStore with exponential backoff.
// Not-found and invalid-argument errors are returned immediately.
type RetryingMapStore struct {
	store  MapStore
	config RetryConfig
	log    *logrus.Entry
}

func NewRetryingMapStore(store MapStore, config RetryConfig) *RetryingMapStore {
	if config.Attempts == 0 {
		config.Attempts = 1
	}
	return &RetryingMapStore{
		store:  store,
		config: config,
		log:    logrus.StandardLogger().WithField("service", "RetryingMapStore"),
	}
}

func (r *RetryingMapStore) do(ctx context.Context, operation string, call func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			callCtx, cancel := r.callContext(ctx)
			defer cancel()
			return call(callCtx)
		},
		retry.Context(ctx),
		retry.Attempts(r.config.Attempts),
		retry.Delay(r.config.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(r.retryable),
		retry.OnRetry(func(n uint, err error) {
			logging.WithStacktrace(r.log, err).
				WithField("operation", operation).
				WithField("attempt", n+1).
				Warn("map store call failed; retrying")
		}),
	)
}

func (r *RetryingMapStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.config.CallTimeout)
}

func (r *RetryingMapStore) retryable(err error) bool {
	if dataioerrors.IsNotFound(err) {
		return false
	}
	var invalid *dataioerrors.ErrInvalidArgument
	if errors.As(err, &invalid) {
		return false
	}
	if r.config.IsRetryable != nil {
		return r.config.IsRetryable(err)
	}
	return true
}

func (r *RetryingMapStore) Load(ctx context.Context, key TrackingKey) (*DependencyTracking, error) {
	var record *DependencyTracking
	err := r.do(ctx, "Load", func(ctx context.Context) error {
		var err error
		record, err = r.store.Load(ctx, key)
		return err
	})
	return record, err
}

func (r *RetryingMapStore) LoadAll(ctx context.Context, keys []TrackingKey) ([]*DependencyTracking, error) {
	var records []*DependencyTracking
	err := r.do(ctx, "LoadAll", func(ctx context.Context) error {
		var err error
		records, err = r.store.LoadAll(ctx, keys)
		return err
	})
	return records, err
}

func (r *RetryingMapStore) LoadAllKeys(ctx context.Context) ([]TrackingKey, error) {
	var keys []TrackingKey
	err := r.do(ctx, "LoadAllKeys", func(ctx context.Context) error {
		var err error
		keys, err = r.store.LoadAllKeys(ctx)
		return err
	})
	return keys, err
}

func (r *RetryingMapStore) Store(ctx context.Context, record *DependencyTracking) error {
	return r.do(ctx, "Store", func(ctx context.Context) error {
		return r.store.Store(ctx, record)
	})
}

func (r *RetryingMapStore) StoreAll(ctx context.Context, records []*DependencyTracking) error {
	return r.do(ctx, "StoreAll", func(ctx context.Context) error {
		return r.store.StoreAll(ctx, records)
	})
}

func (r *RetryingMapStore) Delete(ctx context.Context, key TrackingKey) error {
	return r.do(ctx, "Delete", func(ctx context.Context) error {
		return r.store.Delete(ctx, key)
	})
}

func (r *RetryingMapStore) DeleteAll(ctx context.Context, keys []TrackingKey) error {
	return r.do(ctx, "DeleteAll", func(ctx context.Context) error {
		return r.store.DeleteAll(ctx, keys)
	})
}

package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/log"
	"github.com/cofferhq/coffer/pkg/metrics"
)

// RetryConfig bounds the retry budget per backend call.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig is tuned for flaky object stores: a handful of
// attempts with jittered exponential backoff, bounded to about a minute.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      9,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		MaxElapsedTime:  time.Minute,
	}
}

// Retry decorates a backend with retries on transient failures.
// Permanent failures, already-exists and not-found surface immediately.
type Retry struct {
	inner  Backend
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetry wraps b so every operation is retried per cfg
func NewRetry(b Backend, cfg RetryConfig) *Retry {
	return &Retry{inner: b, cfg: cfg, logger: log.WithComponent("backend")}
}

func (r *Retry) retry(ctx context.Context, key string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval
	bo.MaxElapsedTime = r.cfg.MaxElapsedTime

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if errdefs.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		metrics.BackendRetriesTotal.Inc()
		r.logger.Debug().Str("key", key).Int("attempt", attempt).Err(err).
			Msg("retrying backend operation")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.MaxRetries), ctx))
}

func (r *Retry) Put(ctx context.Context, h Handle, data []byte) error {
	return r.retry(ctx, h.Key(), func() error { return r.inner.Put(ctx, h, data) })
}

func (r *Retry) PutIfAbsent(ctx context.Context, h Handle, data []byte) error {
	return r.retry(ctx, h.Key(), func() error { return r.inner.PutIfAbsent(ctx, h, data) })
}

func (r *Retry) Get(ctx context.Context, h Handle) (data []byte, err error) {
	err = r.retry(ctx, h.Key(), func() error {
		data, err = r.inner.Get(ctx, h)
		return err
	})
	return data, err
}

func (r *Retry) GetRange(ctx context.Context, h Handle, offset int64, length int) (data []byte, err error) {
	err = r.retry(ctx, h.Key(), func() error {
		data, err = r.inner.GetRange(ctx, h, offset, length)
		return err
	})
	return data, err
}

// List is not retried as a whole: the callback may have observed
// entries already. Transient failures inside the transport's own
// pagination are its concern; a failed List surfaces to the caller.
func (r *Retry) List(ctx context.Context, t FileType, fn func(name string, size int64) error) error {
	return r.inner.List(ctx, t, fn)
}

func (r *Retry) Delete(ctx context.Context, h Handle) error {
	return r.retry(ctx, h.Key(), func() error { return r.inner.Delete(ctx, h) })
}

func (r *Retry) Exists(ctx context.Context, h Handle) (ok bool, err error) {
	err = r.retry(ctx, h.Key(), func() error {
		ok, err = r.inner.Exists(ctx, h)
		return err
	})
	return ok, err
}

func (r *Retry) Close() error { return r.inner.Close() }

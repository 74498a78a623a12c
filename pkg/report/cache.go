package report

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/config"
	"github.com/voidshard/b1k/pkg/errors"
	"github.com/voidshard/b1k/pkg/structs"
)

// cacheNow is overridden in tests
var cacheNow = time.Now

// Opener builds the Sink of a report section, like Open.
type Opener func(ctx context.Context, cfg *config.Store, name string) (Sink, error)

// Cache shares one Sink per report section between every job of a process,
// so connection pools & circuit breakers outlive a single job run.
//
// A report that could not be reached is not dialed again for `retry`; until
// then Open returns the remembered ErrUnavailable straight away.
type Cache struct {
	open  Opener
	retry time.Duration

	lock   sync.Mutex
	sinks  map[string]Sink
	failed map[string]failure
}

type failure struct {
	err error
	at  time.Time
}

// NewCache wraps open. A zero retry uses the breaker timeout.
func NewCache(open Opener, retry time.Duration) *Cache {
	if retry <= 0 {
		retry = defaultBreakerTimeout
	}
	return &Cache{open: open, retry: retry, sinks: map[string]Sink{}, failed: map[string]failure{}}
}

// Open returns the shared sink for `report:<name>`, opening it on first use.
//
// Closing a returned sink does nothing; shared sinks are closed by Close.
func (c *Cache) Open(ctx context.Context, cfg *config.Store, name string) (Sink, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if s, ok := c.sinks[name]; ok {
		return borrow(s), nil
	}
	if f, ok := c.failed[name]; ok && cacheNow().Sub(f.at) < c.retry {
		return nil, f.err
	}

	s, err := c.open(ctx, cfg, name)
	if err != nil {
		if stderrors.Is(err, errors.ErrUnavailable) {
			c.failed[name] = failure{err: err, at: cacheNow()}
		}
		return nil, err
	}
	delete(c.failed, name)
	c.sinks[name] = s
	return borrow(s), nil
}

// Close closes every shared sink.
func (c *Cache) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var errs *multierror.Error
	for name, s := range c.sinks {
		if err := s.Close(); err != nil {
			logger.With(logger.Fields{"report": name}).WithError(err).Warn("failed to close report")
			errs = multierror.Append(errs, err)
		}
		delete(c.sinks, name)
	}
	return errs.ErrorOrNil()
}

// borrowed is a shared Sink whose Close is left to the Cache.
type borrowed struct {
	sink Sink
}

func borrow(s Sink) Sink {
	if f, ok := s.(*File); ok {
		// holds nothing to close, & jobs need the concrete type for markers
		return f
	}
	return &borrowed{sink: s}
}

func (b *borrowed) Publish(ctx context.Context, r *structs.JobReport) error {
	return b.sink.Publish(ctx, r)
}

func (b *borrowed) Close() error {
	return nil
}

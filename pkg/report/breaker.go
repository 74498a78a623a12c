package report

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/voidshard/b1k/internal/logger"
	"github.com/voidshard/b1k/pkg/structs"
)

// Breaker wraps a Sink so that a database that keeps failing is not hit by
// every state change of every job; while the circuit is open publishes fail fast.
type Breaker struct {
	name string
	sink Sink
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps the given sink.
func NewBreaker(name string, sink Sink, opts *Options) *Breaker {
	opts.setDefaults()
	failures := opts.BreakerFailures
	return &Breaker{
		name: name,
		sink: sink,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.With(logger.Fields{"report": name, "from": from.String(), "to": to.String()}).Warn("report circuit changed state")
			},
		}),
	}
}

// Publish hands the snapshot to the wrapped sink unless the circuit is open.
func (b *Breaker) Publish(ctx context.Context, r *structs.JobReport) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.sink.Publish(ctx, r)
	})
	return err
}

// Close closes the wrapped sink.
func (b *Breaker) Close() error {
	return b.sink.Close()
}

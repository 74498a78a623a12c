package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/voidshard/b1k/internal/logger"
)

// Finisher is a stage that can be told no more work is coming.
type Finisher interface {
	Finish()
}

// Dispatcher is one concurrent stage: a delay queue drained by a single
// goroutine calling process for each item once it is due.
//
// An error or panic from process drops the item (after calling OnDrop); the
// stage itself keeps running. Retrying is up to process, by queueing the
// item again.
type Dispatcher[T any] struct {
	name    string
	queue   *delayQueue[T]
	process func(ctx context.Context, item T) error
	next    Finisher

	// OnDrop is called for every item process failed on
	OnDrop func(item T, err error)

	finishing chan struct{}
	finish    sync.Once
	done      chan struct{}
}

// NewDispatcher returns a stage calling process for each item; next (may be
// nil) is finished once this stage has drained.
func NewDispatcher[T any](name string, process func(ctx context.Context, item T) error, next Finisher) *Dispatcher[T] {
	return &Dispatcher[T]{
		name:      name,
		queue:     newDelayQueue[T](),
		process:   process,
		next:      next,
		finishing: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Queue adds an item that becomes visible at notBefore (zero: immediately).
func (d *Dispatcher[T]) Queue(item T, notBefore time.Time) {
	d.queue.push(item, notBefore)
}

// Start runs the stage loop in its own goroutine.
func (d *Dispatcher[T]) Start(ctx context.Context) {
	go d.run(ctx)
}

// Finish tells the stage to exit once its queue is empty.
func (d *Dispatcher[T]) Finish() {
	d.finish.Do(func() { close(d.finishing) })
}

// Done is closed when the stage loop has exited.
func (d *Dispatcher[T]) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher[T]) run(ctx context.Context) {
	log := logger.With(logger.Fields{"stage": d.name})
	log.Debug("running dispatcher")

	for {
		item, ok := d.queue.pop(d.finishing)
		if !ok {
			break
		}
		if err := d.safeProcess(ctx, item); err != nil {
			log.WithError(err).Error("dropping item")
			if d.OnDrop != nil {
				d.OnDrop(item, err)
			}
		}
	}

	if d.next != nil {
		d.next.Finish()
	}
	log.Debug("exiting dispatcher loop")
	close(d.done)
}

func (d *Dispatcher[T]) safeProcess(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s stage: %v\n%s", d.name, r, debug.Stack())
		}
	}()
	return d.process(ctx, item)
}

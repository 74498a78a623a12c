package queue

import (
	"context"
)

// Queue carries run requests to the hosts of a fleet.
type Queue interface {
	// Register the handler for run requests addressed to this host.
	//
	// The handler is passed a slice of requests; requests arriving close
	// together are batched if the Queue in use supports it (otherwise you'll
	// always get a single item in the slice).
	Register(host string, handler func(ctx context.Context, work []*Meta)) error

	// Run the queue & process requests (via Register funcs). This blocks until Close() is called.
	Run() error

	// Enqueue a request for the given host.
	//
	// The returned id can be given to Kill to withdraw the request before a worker takes it.
	Enqueue(host string, req *Request) (string, error)

	// Kill withdraws a queued request with ID given to us by Enqueue.
	Kill(queuedID string) error

	// Close & shutdown the queue.
	Close() error
}

package transfer

import (
	"context"
	"time"
)

//go:generate mockgen -source=interface.go -destination=../../internal/mocks/pkg/transfer_mock/engine.go -package=transfer_mock

// Request describes one transfer.
type Request struct {
	// Name is used to label log output
	Name string

	// Sources are copied (in order) to Destination
	Sources []string

	// Destination is a local path or a remote address the Engine understands.
	// Missing directory structure is created before the transfer starts.
	Destination string

	// Excludes are patterns that must not be copied
	Excludes []string

	// Verbosity 0-3
	Verbosity int

	// Timeout for IO / connection stalls (not the whole transfer)
	Timeout time.Duration
}

// Engine moves data from a source to a destination.
//
// Implementations must create missing destination directories & must fail loudly
// rather than skip content silently.
type Engine interface {
	Run(ctx context.Context, req *Request) error
}

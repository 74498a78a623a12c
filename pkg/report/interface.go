package report

import (
	"context"

	"github.com/voidshard/b1k/pkg/structs"
)

//go:generate mockgen -source=interface.go -destination=../../internal/mocks/pkg/report_mock/sink.go -package=report_mock

// Sink persists job snapshots. Publish is called synchronously on every state
// change, so a slow sink stalls the caller.
type Sink interface {
	// Publish writes the snapshot, replacing whatever was written for the same
	// job run before.
	Publish(ctx context.Context, r *structs.JobReport) error

	// Close releases any resources (connections) held by the sink.
	Close() error
}

// Package cluster defines the coordination port the controller uses for high
// availability. Multiple controller replicas may run, but only the leader
// consumes ingest and stitch tasks.
package cluster

import "context"

// Coordinator manages leader election so only one controller instance actively
// coordinates jobs.
type Coordinator interface {
	// Start initiates coordination and blocks until context cancellation or error.
	Start(ctx context.Context) error
	// Stop gracefully terminates coordination.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	OnLeadershipChange(cb func(isLeader bool))
}

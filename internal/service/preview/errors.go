package preview

import "errors"

var (
	// ErrNotFound indicates no deployment exists for the key.
	ErrNotFound = errors.New("deployment not found")
	// ErrInvalidKey indicates the team or branch cannot be used as a route segment.
	ErrInvalidKey = errors.New("invalid deployment key")
	// ErrLaunchFailure indicates the instance could not be prepared, started or routed.
	ErrLaunchFailure = errors.New("launch failure")
	// ErrHealthTimeout indicates the instance never answered its health probe.
	ErrHealthTimeout = errors.New("health timeout")
	// ErrCanceled indicates an in-flight create was abandoned by a stop or restart.
	ErrCanceled = errors.New("create canceled")
	// ErrShuttingDown indicates the orchestrator no longer accepts new work.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

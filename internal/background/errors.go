package background

import "errors"

var (
	// ErrQueueFull is delivered via OnError when a task is displaced from a
	// full queue, or when a new task cannot displace anything.
	ErrQueueFull = errors.New("search queue full")

	// ErrTimeout is delivered via OnError when the live search exceeded the
	// configured timeout and retries are exhausted.
	ErrTimeout = errors.New("search timed out")

	// ErrClosed is returned by StartSearch after Close.
	ErrClosed = errors.New("orchestrator closed")
)

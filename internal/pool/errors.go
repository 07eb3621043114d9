package pool

import "errors"

// ErrNoReadyWorkers indicates that no worker is ready to accept work.
// There is no internal queue; callers see this at the dispatch boundary.
var ErrNoReadyWorkers = errors.New("pool: no ready workers")

// ErrShuttingDown indicates the pool is shutting down; all pending work is
// rejected with this error.
var ErrShuttingDown = errors.New("pool: shutdown in progress")

// ErrInitFailed indicates that zero workers survived initialization. The
// manager stays up in this degraded state and surfaces the error to callers
// of its execution methods.
var ErrInitFailed = errors.New("pool: worker initialization failed")

// ErrWorkerNotReady indicates a batch was addressed to a worker that is no
// longer ready.
var ErrWorkerNotReady = errors.New("pool: worker not ready")

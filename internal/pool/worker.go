package pool

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code int
	Err  error
}

// Clean reports whether the process exited voluntarily with status zero.
func (s ExitStatus) Clean() bool {
	return s.Code == 0 && s.Err == nil
}

// Process is a running worker child process: a bidirectional message channel
// plus process control. The real implementation wraps an OS child process;
// tests substitute an in-memory one.
type Process interface {
	// Send writes one message to the worker. Dates inside the message must
	// already be in wire form.
	Send(msg interface{}) error
	// Messages delivers decoded messages from the worker. The channel is
	// closed when the worker's output closes.
	Messages() <-chan interface{}
	// Exited delivers exactly one exit status when the process ends.
	Exited() <-chan ExitStatus
	// Kill force-terminates the process.
	Kill() error
}

// Worker is one pool slot. Mutable fields are guarded by the manager's
// mutex. A slot whose process dies is replaced by a new Worker carrying the
// same index.
type Worker struct {
	index      int
	ready      bool
	queryCount int64
	errorCount int64
	proc       Process

	// readyCh receives the init outcome exactly once: nil after the worker's
	// ready message, or the worker's reported init error.
	readyCh chan error
	// done is closed once the worker's exit has been handled.
	done chan struct{}
}

// Index returns the worker's stable slot number.
func (w *Worker) Index() int { return w.index }

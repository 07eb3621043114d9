package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/SergeyGaydamakov/counters/internal/debug"
	"github.com/SergeyGaydamakov/counters/internal/wire"
)

// processWorker wraps an OS child process speaking the wire protocol over
// its stdin/stdout. Stderr passes through to the parent's stderr.
type processWorker struct {
	cmd    *exec.Cmd
	enc    *wire.Encoder
	msgs   chan interface{}
	exited chan ExitStatus
}

// SpawnProcessFunc returns a SpawnFunc launching binary with args for each
// worker. Binary is typically the current executable with a "worker"
// subcommand.
func SpawnProcessFunc(binary string, args ...string) SpawnFunc {
	return func(ctx context.Context) (Process, error) {
		return spawnProcess(ctx, binary, args...)
	}
}

func spawnProcess(ctx context.Context, binary string, args ...string) (*processWorker, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: start worker %s: %w", binary, err)
	}
	debug.Logf("pool: spawned worker pid=%d", cmd.Process.Pid)

	p := &processWorker{
		cmd:    cmd,
		enc:    wire.NewEncoder(stdin),
		msgs:   make(chan interface{}, 16),
		exited: make(chan ExitStatus, 1),
	}

	go func() {
		dec := wire.NewDecoder(stdout)
		for {
			msg, err := dec.Decode()
			if err != nil {
				close(p.msgs)
				return
			}
			p.msgs <- msg
		}
	}()

	go func() {
		err := cmd.Wait()
		status := ExitStatus{}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.Code = exitErr.ExitCode()
		} else if err != nil {
			status.Code = -1
			status.Err = err
		}
		debug.Logf("pool: worker pid=%d exited code=%d err=%v", cmd.Process.Pid, status.Code, status.Err)
		p.exited <- status
	}()

	return p, nil
}

func (p *processWorker) Send(msg interface{}) error {
	return p.enc.Encode(msg)
}

func (p *processWorker) Messages() <-chan interface{} { return p.msgs }

func (p *processWorker) Exited() <-chan ExitStatus { return p.exited }

func (p *processWorker) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

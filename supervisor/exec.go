package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

// ExecStarter spawns the backend as a child process.
type ExecStarter struct {
	Log     *zap.SugaredLogger
	Command string
	Args    []string
	Dir     string
}

func (e *ExecStarter) Start(ctx context.Context) (Handle, error) {
	cmd := exec.Command(e.Command, e.Args...)
	cmd.Dir = e.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.Command, err)
	}

	log := e.Log.Named("backend_proc").With("PID", cmd.Process.Pid)
	go logLines(log.Named("stdout"), stdout)
	go logLines(log.Named("stderr"), stderr)

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		err := cmd.Wait()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				log.Debugf("unexpected exit error: %s", err)
			}
		}
		log.Infow("process exited", "ExitCode", cmd.ProcessState.ExitCode())
	}()
	return h, nil
}

// logLines drains a child output pipe into the logger so the pipe never
// fills up and blocks the child.
func logLines(log *zap.SugaredLogger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug(scanner.Text())
	}
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *execHandle) Terminate() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
)

// LogFileName is the file, inside the instance directory, receiving the
// worker's output.
const LogFileName = "log.txt"

// LaunchSpec describes one worker process to spawn.
type LaunchSpec struct {
	Dir    string   // working directory
	Script string   // start script path
	Env    []string // extra KEY=VALUE pairs
}

// Process is a spawned worker.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Kill terminates the process (and its children) without waiting.
	Kill() error
}

// Launcher spawns worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs start scripts with the platform shell.
type ExecLauncher struct {
	logger logger.Logger
}

func NewExecLauncher(log logger.Logger) *ExecLauncher {
	return &ExecLauncher{logger: log}
}

func (l *ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	out, err := os.Create(filepath.Join(spec.Dir, LogFileName))
	if err != nil {
		return nil, fmt.Errorf("open node log: %w", err)
	}

	// not bound to ctx: the worker outlives the request that created it
	cmd := shellCommand(spec.Script)
	cmd.Dir = spec.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), spec.Env...)
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Script, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		_ = out.Close()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			l.logger.Warn("wait for node process failed",
				logger.Int("pid", cmd.Process.Pid),
				logger.Error(err))
		}
		l.logger.Debug("node process exited",
			logger.Int("pid", cmd.Process.Pid),
			logger.Int("code", cmd.ProcessState.ExitCode()))
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	killOnce sync.Once
	killErr  error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.killErr = killProcess(p.cmd)
	})
	return p.killErr
}

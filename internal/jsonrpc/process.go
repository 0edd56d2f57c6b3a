package jsonrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultKillGrace is how long a terminated process may take to exit before
// it is killed.
const DefaultKillGrace = 3 * time.Second

// ProcessConfig describes a child process speaking JSON-RPC on stdio.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// KillGrace is the wait between SIGTERM and SIGKILL.
	// Default: 3s
	KillGrace time.Duration

	Handler Handler
	Logger  *slog.Logger

	// OnKill is called when shutdown had to escalate to a forced kill.
	OnKill func()
}

// Process is a running child process with a connection on its stdio.
type Process struct {
	*Conn

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	grace  time.Duration
	logger *slog.Logger
	onKill func()

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Start launches the process. The process is not tied to ctx; use Stop to
// end it.
func Start(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("jsonrpc: command is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("command", cfg.Command)
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	logger.Info("started process", "pid", cmd.Process.Pid)

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		grace:  cfg.KillGrace,
		logger: logger,
		onKill: cfg.OnKill,
		exited: make(chan struct{}),
	}
	go p.logStderr(stderr)
	p.Conn = NewConn(stdout, stdin, cfg.Handler, logger)
	go func() {
		<-p.Conn.Done()
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr is the process's exit status. It is only meaningful after Exited.
func (p *Process) ExitErr() error { return p.waitErr }

// Stop closes stdin, sends SIGTERM, waits KillGrace and then kills the
// process. It is safe to call more than once. ctx bounds the whole sequence;
// when it ends early the process is killed at once.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Process) stop(ctx context.Context) error {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
		return p.Conn.Close()
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		p.kill("grace period elapsed")
	case <-ctx.Done():
		p.kill("stop cancelled")
	}
	<-p.exited
	return p.Conn.Close()
}

func (p *Process) kill(reason string) {
	p.logger.Warn("killing unresponsive process", "pid", p.cmd.Process.Pid, "reason", reason, "grace", p.grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("kill failed", "pid", p.cmd.Process.Pid, "error", err)
		return
	}
	if p.onKill != nil {
		p.onKill()
	}
}

func (p *Process) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.logger.Debug("process stderr", "line", line)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/smnsjas/go-ogconnector/channel"
)

// peerExitGrace is how long a peer may keep running after its pipes are
// closed before it is killed.
const peerExitGrace = 2 * time.Second

// processPipes is the stdio of a spawned peer process.
type processPipes struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger
	grace  time.Duration

	closeOnce sync.Once
	exited    chan struct{}
}

func (p *processPipes) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *processPipes) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes both pipes and returns without waiting for the process. The
// process is reaped in the background and killed if it outlives the grace
// period.
func (p *processPipes) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.stdout.Close()
		go p.reap()
	})
	return nil
}

func (p *processPipes) reap() {
	defer close(p.exited)

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		p.logger.Warn("peer did not exit, killing it", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		err = <-done
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.logger.Warn("reap peer process", "pid", p.cmd.Process.Pid, "error", err)
		return
	}
	p.logger.Debug("peer process exited", "pid", p.cmd.Process.Pid, "state", p.cmd.ProcessState.String())
}

// parseCommandLine splits a shell-style command line into argv.
func parseCommandLine(line string) ([]string, error) {
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse exec command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("exec command is empty")
	}
	return argv, nil
}

// execDialer returns a DialFunc that spawns a fresh peer process for every
// connection attempt. A peer still running grace after its connection is
// closed is killed.
func execDialer(line string, grace time.Duration, logger *slog.Logger) (channel.DialFunc, error) {
	argv, err := parseCommandLine(line)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start peer: %w", err)
		}
		logger.Debug("peer process started", "pid", cmd.Process.Pid, "argv", argv)

		return &processPipes{
			cmd:    cmd,
			stdin:  stdin,
			stdout: stdout,
			logger: logger,
			grace:  grace,
			exited: make(chan struct{}),
		}, nil
	}, nil
}

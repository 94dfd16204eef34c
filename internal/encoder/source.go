// Package encoder owns one encoder child process and exposes its stdout
// as a lazy sequence of NAL units, draining stderr so the child never
// blocks, and enforcing a graceful-then-forceful shutdown of the whole
// process group.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/virtdisplay/sessionstream/internal/nal"
)

// CommandBuilder builds the concrete encoder invocation. This package
// treats the command line and codec parameters as a black box owned by
// the caller.
type CommandBuilder func() (name string, args []string)

// Source owns one encoder subprocess.
type Source struct {
	build CommandBuilder
	chunk int

	softCap, hardCap int
	logger           *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
}

// New creates a Source. chunk is the stdout read chunk size (~32 KiB is
// a reasonable default); softCap/hardCap configure the internal NAL
// extractor.
func New(build CommandBuilder, chunk, softCap, hardCap int, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{build: build, chunk: chunk, softCap: softCap, hardCap: hardCap, logger: logger}
}

// Start spawns the encoder child with stdin closed and stdout/stderr as
// pipes, in its own process group so Stop can signal the whole group.
// Fails if already running.
func (s *Source) Start(ctx context.Context) (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, fmt.Errorf("encoder source: already running")
	}

	name, args := s.build()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder source: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder source: stderr pipe: %w", err)
	}
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder source: spawn: %w", err)
	}

	s.cmd = cmd
	s.running = true

	go s.drainStderr(stderrPipe)

	return stdoutPipe, nil
}

// drainStderr logs the child's diagnostics line by line so it never
// blocks on a full stderr pipe.
func (s *Source) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("encoder stderr", "line", scanner.Text())
	}
}

// Stream reads stdout in chunk-sized reads, feeds an internal NAL
// extractor, and returns a channel yielding each emitted unit. On EOF or
// after Stop, it flushes the extractor's tail, yields any final unit, and
// closes the channel.
func (s *Source) Stream(stdout io.Reader) <-chan []byte {
	out := make(chan []byte, 64)
	extractor := nal.New(s.softCap, s.hardCap, s.logger)

	go func() {
		defer close(out)
		buf := make([]byte, s.chunk)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				for _, u := range extractor.Push(buf[:n]) {
					out <- u
				}
			}
			if err != nil {
				for _, u := range extractor.Flush() {
					out <- u
				}
				return
			}
		}
	}()

	return out
}

// Stop sends termination to the process group, waits up to timeout, then
// force-kills the group if still alive. Idempotent: calling it on a
// non-running source is a no-op. Always leaves the source not-running.
func (s *Source) Stop(timeout time.Duration) {
	s.mu.Lock()
	cmd := s.cmd
	running := s.running
	s.running = false
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return
	}

	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	alive := func() bool {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	if err := WaitExit(ctx, alive, 0, 50*time.Millisecond); err != nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	<-done
}

// WaitExit blocks until alive reports false, polling with retry-go
// instead of a hand-rolled sleep loop. attempts of 0 means unbounded;
// retry.Context(ctx) is what actually bounds the wait. Used by Stop's
// TERM-then-KILL budget and by callers that need a bounded wait without
// owning the process directly (e.g. tests).
func WaitExit(ctx context.Context, alive func() bool, attempts uint, delay time.Duration) error {
	return retry.Do(
		func() error {
			if alive() {
				return fmt.Errorf("still running")
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
	)
}

// Package proc implements the Process Supervisor (C1): spawning the
// orchestration runtime's CLI as a child process, capturing its stderr (and
// optionally stdout), and shutting it down cleanly. Grounded on the
// teacher's DockerWatcherImpl constructor/interface shape (narrow local
// interface over a concrete SDK, wired through a logger field) applied to
// os/exec instead of the Docker event stream.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// SpawnOptions configures a supervised child process.
type SpawnOptions struct {
	// CaptureStdout additionally pipes and buffers the child's stdout,
	// for callers that need the orchestration runtime's own CLI output
	// (e.g. resolving a container ID via "docker compose ps -q <label>").
	CaptureStdout bool
	// Dir sets the child's working directory; empty means the caller's cwd.
	Dir string
}

// Handle is a running (or exited) supervised process. Every Handle returned
// by Spawn must be passed to exactly one of Wait or Shutdown.
type Handle struct {
	argv   []string
	cmd    *exec.Cmd
	stderr *syncBuffer
	stdout *syncBuffer
	logger zerolog.Logger

	// drained is released once every piped stream has been read to EOF.
	drained sync.WaitGroup
}

// Argv returns the command line the handle was spawned with.
func (h *Handle) Argv() []string { return h.argv }

// Stdout returns the captured stdout, if SpawnOptions.CaptureStdout was set.
func (h *Handle) Stdout() string {
	if h.stdout == nil {
		return ""
	}
	return h.stdout.String()
}

// ExitError wraps a non-zero exit from a supervised process, joining its
// command line and captured stderr so the Controller can log a single
// actionable line instead of a bare exit code.
type ExitError struct {
	Argv   []string
	Stderr string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		stderr = "Unknown error"
	}
	return fmt.Sprintf("%s: %s", strings.Join(e.Argv, " "), stderr)
}

// Spawn starts argv[0] with argv[1:] as arguments, piping stderr (and
// optionally stdout) into in-memory buffers drained by background
// goroutines so the child never blocks on a full pipe.
func Spawn(ctx context.Context, argv []string, opts SpawnOptions, logger zerolog.Logger) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("proc: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = processGroupAttr()

	h := &Handle{
		argv:   argv,
		cmd:    cmd,
		stderr: newSyncBuffer(),
		logger: logger.With().Str("component", "proc").Strs("argv", argv).Logger(),
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stderr pipe: %w", err)
	}
	h.drained.Add(1)
	go drain(stderrPipe, h.stderr, &h.drained)

	if opts.CaptureStdout {
		h.stdout = newSyncBuffer()
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("proc: stdout pipe: %w", err)
		}
		h.drained.Add(1)
		go drain(stdoutPipe, h.stdout, &h.drained)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: starting %s: %w", argv[0], err)
	}
	h.logger.Info().Msg("spawned child process")
	return h, nil
}

// Wait blocks until the child exits. A non-zero exit is reported as an
// *ExitError carrying the captured stderr.
func Wait(h *Handle) error {
	// cmd.Wait closes the pipes, so every read from them must finish first.
	h.drained.Wait()
	err := h.cmd.Wait()
	if err == nil {
		h.logger.Info().Msg("child process exited cleanly")
		return nil
	}
	h.logger.Warn().Err(err).Msg("child process exited with error")
	return &ExitError{Argv: h.argv, Stderr: h.stderr.String()}
}

// Shutdown sends SIGTERM to the child's process group and waits for it to
// exit, bounded by ctx.
func Shutdown(ctx context.Context, h *Handle) error {
	h.logger.Info().Msg("shutting down child process")
	if h.cmd.Process != nil {
		if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM); err != nil {
			h.logger.Warn().Err(err).Msg("sending SIGTERM to child process group failed")
		}
	}

	done := make(chan error, 1)
	go func() { done <- Wait(h) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func drain(r interface {
	Read([]byte) (int, error)
}, buf *syncBuffer, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf.WriteLine(scanner.Text())
	}
}

// syncBuffer is a mutex-guarded line buffer, matching the teacher's
// StateTracker lock discipline rather than introducing a new pattern.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newSyncBuffer() *syncBuffer { return &syncBuffer{} }

func (b *syncBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

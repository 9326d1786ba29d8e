// Package process supervises external commands: it redirects their merged
// output to a file, enforces timeouts and reports the lifecycle as a stream
// of notifications.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
)

const (
	// exitCodeTerminated is the shell convention for "terminated by SIGTERM".
	exitCodeTerminated = 143

	// killGrace is how long a cancelled process tree gets before SIGKILL.
	killGrace = 5 * time.Second

	// pipeDrainDelay bounds waiting for output pipes held open by grandchildren.
	pipeDrainDelay = 2 * time.Second
)

// Kind tags a Notification.
type Kind string

const (
	KindStarted Kind = "started"
	KindExited  Kind = "exited"
	KindFailed  Kind = "failed"
)

// Notification is one lifecycle step of a supervised process.
type Notification struct {
	Kind       Kind
	Process    *os.Process // Set on KindStarted
	OutputPath string
	Err        error // Set on KindFailed
}

// Config describes one supervised command.
type Config struct {
	Command []string

	// Timeout bounds the process lifetime. Zero waits until exit or cancellation.
	Timeout time.Duration

	// OutputPath receives stdout and stderr. It is created or truncated.
	// When empty a temporary file is used and removed on Close unless KeepOutput is set.
	OutputPath string
	KeepOutput bool

	// DestroyOnCancel treats termination by SIGTERM (exit code 143) as a clean exit.
	DestroyOnCancel bool

	Verbose bool
}

// Supervisor starts commands and tracks their temporary output files.
type Supervisor struct {
	log   log.Logger
	clock clock.Clock

	mu    sync.Mutex
	temps []string
}

func NewSupervisor(logger log.Logger, clk clock.Clock) *Supervisor {
	if logger == nil {
		logger = log.Root()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Supervisor{
		log:   logger.New("component", "process-supervisor"),
		clock: clk,
	}
}

// Supervise starts the command and returns its notifications: KindStarted,
// then exactly one of KindExited or KindFailed, then the channel is closed.
// Cancelling ctx terminates the process tree and closes the channel without
// a terminal notification.
func (s *Supervisor) Supervise(ctx context.Context, cfg Config) <-chan Notification {
	out := make(chan Notification, 2)
	go func() {
		defer close(out)
		s.supervise(ctx, cfg, out)
	}()
	return out
}

func (s *Supervisor) supervise(ctx context.Context, cfg Config, out chan<- Notification) {
	if len(cfg.Command) == 0 {
		out <- Notification{Kind: KindFailed, Err: errors.New("command cannot be empty")}
		return
	}

	logFn := s.log.Debug
	if cfg.Verbose {
		logFn = s.log.Info
	}

	outputFile, err := s.prepareOutput(cfg)
	if err != nil {
		out <- Notification{Kind: KindFailed, Err: err}
		return
	}
	outputPath := outputFile.Name()
	logFn("Run", "command", strings.Join(cfg.Command, " "), "output", outputPath)

	tail := newTailBuffer(defaultOutputTailBytes)
	writer := io.MultiWriter(outputFile, tail)

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.WaitDelay = pipeDrainDelay

	if err := cmd.Start(); err != nil {
		_ = outputFile.Close()
		out <- Notification{Kind: KindFailed, OutputPath: outputPath, Err: fmt.Errorf("failed to start %s: %w", cfg.Command[0], err)}
		return
	}
	out <- Notification{Kind: KindStarted, Process: cmd.Process, OutputPath: outputPath}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if cfg.Timeout > 0 {
		timer := s.clock.NewTimer(cfg.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C()
	}

	finish := func() {
		_ = outputFile.Sync()
		_ = outputFile.Close()
	}

	select {
	case waitErr := <-waitCh:
		finish()
		exitCode, n := s.classifyExit(cfg, waitErr, tail)
		logFn("Exit", "command", cfg.Command[0], "code", exitCode)
		n.OutputPath = outputPath
		out <- n

	case <-timeoutCh:
		s.kill(cmd, waitCh)
		finish()
		s.log.Warn("Process timed out", "command", cfg.Command[0], "timeout", cfg.Timeout)
		out <- Notification{
			Kind:       KindFailed,
			OutputPath: outputPath,
			Err:        &TimeoutError{Command: cfg.Command, Timeout: cfg.Timeout, Output: tail.String(), Truncated: tail.Truncated()},
		}

	case <-ctx.Done():
		s.stop(cmd, waitCh)
		finish()
		logFn("Process cancelled", "command", cfg.Command[0])
	}
}

func (s *Supervisor) classifyExit(cfg Config, waitErr error, tail *tailBuffer) (int, Notification) {
	if waitErr == nil {
		return 0, Notification{Kind: KindExited}
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			// Exited cleanly, a descendant kept the output pipe open.
			return 0, Notification{Kind: KindExited}
		}
		return -1, Notification{Kind: KindFailed, Err: fmt.Errorf("failed waiting for %s: %w", cfg.Command[0], waitErr)}
	}

	code := exitErr.ExitCode()
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM {
		code = exitCodeTerminated
	}
	if cfg.DestroyOnCancel && code == exitCodeTerminated {
		return code, Notification{Kind: KindExited}
	}
	return code, Notification{
		Kind: KindFailed,
		Err:  &ExitError{Command: cfg.Command, ExitCode: code, Output: tail.String(), Truncated: tail.Truncated()},
	}
}

// stop terminates the process tree and waits for Wait to return, escalating
// to SIGKILL after killGrace.
func (s *Supervisor) stop(cmd *exec.Cmd, waitCh <-chan error) {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()

	if err := terminateTree(ctx, cmd.Process); err != nil {
		s.log.Debug("Failed to terminate process tree", "pid", cmd.Process.Pid, "err", err)
	}

	grace := s.clock.NewTimer(killGrace)
	defer grace.Stop()
	select {
	case <-waitCh:
		return
	case <-grace.C():
	}

	killTree(ctx, cmd.Process)
	<-waitCh
}

// kill sends SIGKILL to the process tree right away. A timed out process
// gets no grace period.
func (s *Supervisor) kill(cmd *exec.Cmd, waitCh <-chan error) {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	killTree(ctx, cmd.Process)
	<-waitCh
}

func (s *Supervisor) prepareOutput(cfg Config) (*os.File, error) {
	if cfg.OutputPath == "" {
		f, err := os.CreateTemp("", "op-composer-*.output")
		if err != nil {
			return nil, fmt.Errorf("failed to create output file: %w", err)
		}
		if !cfg.KeepOutput {
			s.mu.Lock()
			s.temps = append(s.temps, f.Name())
			s.mu.Unlock()
		}
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

// Close removes the temporary output files of every supervised process.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	temps := s.temps
	s.temps = nil
	s.mu.Unlock()

	var errs []error
	for _, path := range temps {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

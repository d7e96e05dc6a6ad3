// Package rsnapshot renders rsnapshot configuration and runs rsnapshot.
package rsnapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/rs/zerolog"
)

// Watchdog limits for native syncs.
const (
	WatchdogLimit = 10 * time.Hour
	WatchdogGrace = 60 * time.Second
)

// ErrWatchdog marks a run terminated by the watchdog.
var ErrWatchdog = errors.New("rsnapshot exceeded its time limit")

// Service defines the interface for rsnapshot operations.
type Service interface {
	WriteConfig(path, content string) error
	WritePasswordFile(path, password string) error
	RemovePasswordFile(path string) error
	Run(ctx context.Context, confPath string, mode models.Mode, watchdog bool) (*models.RsnapshotResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
	ExecuteWithWatchdog(ctx context.Context, limit, grace time.Duration, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// ExecuteWithWatchdog runs a command that receives SIGTERM after limit and
// SIGKILL grace later if it is still running.
func (e *DefaultExecutor) ExecuteWithWatchdog(ctx context.Context, limit, grace time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	output, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("%w after %s: %w", ErrWatchdog, limit, err)
	}
	return output, err
}

// Impl implements the rsnapshot Service interface.
type Impl struct {
	binary   string
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new rsnapshot service using binary.
func New(logger zerolog.Logger, binary string) *Impl {
	return NewWithExecutor(logger, binary, &DefaultExecutor{})
}

// NewWithExecutor creates a new rsnapshot service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, binary string, executor CommandExecutor) *Impl {
	if binary == "" {
		binary = "rsnapshot"
	}
	return &Impl{
		binary:   binary,
		executor: executor,
		logger:   logger,
	}
}

// WriteConfig replaces the rsnapshot configuration file.
func (s *Impl) WriteConfig(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing rsnapshot config %s: %w", path, err)
	}
	s.logger.Debug().Str("path", path).Str("config", content).Msg("rsnapshot config written")
	return nil
}

// WritePasswordFile writes the rsync daemon password readable by the owner only.
func (s *Impl) WritePasswordFile(path, password string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating password file: %w", err)
	}
	defer f.Close()

	// An existing file keeps its mode on open.
	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("securing password file: %w", err)
	}
	if _, err := f.WriteString(password); err != nil {
		return fmt.Errorf("writing password file: %w", err)
	}
	return nil
}

// RemovePasswordFile deletes the password file. A missing file is not an error.
func (s *Impl) RemovePasswordFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing password file: %w", err)
	}
	return nil
}

// Run invokes rsnapshot with confPath for mode. A non-zero exit is reported
// in the result, not as the returned error.
func (s *Impl) Run(ctx context.Context, confPath string, mode models.Mode, watchdog bool) (*models.RsnapshotResult, error) {
	result := &models.RsnapshotResult{ExitCode: -1}
	start := time.Now()

	args := []string{"-c", confPath, mode.Verb()}

	s.logger.Info().
		Str("mode", string(mode)).
		Bool("watchdog", watchdog).
		Msg("running rsnapshot")

	var output []byte
	var err error
	if watchdog {
		output, err = s.executor.ExecuteWithWatchdog(ctx, WatchdogLimit, WatchdogGrace, s.binary, args...)
	} else {
		output, err = s.executor.Execute(ctx, s.binary, args...)
	}
	result.Output = string(output)
	result.Duration = time.Since(start)

	if len(output) > 0 {
		s.logger.Debug().Str("output", result.Output).Msg("rsnapshot output")
	}

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}
	result.TimedOut = errors.Is(err, ErrWatchdog)

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return nil, fmt.Errorf("starting rsnapshot: %w", err)
	}

	result.Error = fmt.Errorf("rsnapshot %s failed (exit code %d): %w", mode.Verb(), result.ExitCode, err)
	return result, nil
}

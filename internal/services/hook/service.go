// Package hook runs operator-supplied shell commands on the backup server.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for local hook execution.
type Service interface {
	RunLocal(ctx context.Context, command string) (*models.HookResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl implements the hook Service interface.
type Impl struct {
	shell    string
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new hook service running commands with bash.
func New(logger zerolog.Logger) *Impl {
	return NewWithExecutor(logger, &DefaultExecutor{})
}

// NewWithExecutor creates a new hook service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		shell:    "bash",
		executor: executor,
		logger:   logger,
	}
}

// RunLocal runs command through the shell. A non-zero exit is reported in
// the result, not as the returned error.
func (s *Impl) RunLocal(ctx context.Context, command string) (*models.HookResult, error) {
	result := &models.HookResult{Command: command, ExitCode: -1}

	s.logger.Debug().Str("command", command).Msg("running local hook")

	output, err := s.executor.Execute(ctx, s.shell, "-c", command)
	result.Output = string(output)
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return nil, fmt.Errorf("starting %s: %w", s.shell, err)
	}

	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}
	result.Error = fmt.Errorf("hook exited with code %d: %w", result.ExitCode, err)

	s.logger.Debug().Str("output", result.Output).Int("exit_code", result.ExitCode).Msg("local hook failed")
	return result, nil
}

// Package rsync queries rsync daemons serving native backup sources.
package rsync

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/rs/zerolog"
)

// MarkerFile must be present in a native source before it is synced.
const MarkerFile = ".backup"

// Service defines the interface for rsync daemon operations.
type Service interface {
	HasBackupMarker(ctx context.Context, item models.BackupItem) (bool, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.Output()
}

// Impl implements the rsync Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new rsync service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new rsync service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// HasBackupMarker lists the top level of the item's native source and
// reports whether it contains MarkerFile. Some daemons answer with an empty
// listing instead of an error, which would make a sync erase the snapshot.
func (s *Impl) HasBackupMarker(ctx context.Context, item models.BackupItem) (bool, error) {
	url := item.NativeURL()
	s.logger.Info().Int("number", item.Number).Str("url", url).Msg("checking remote .backup existence")

	env := []string{"RSYNC_PASSWORD=" + item.ConnectPassword}
	output, err := s.executor.ExecuteWithEnv(ctx, env, "rsync", url)
	if err != nil {
		return false, fmt.Errorf("listing %s: %w", url, err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[len(fields)-1] == MarkerFile {
			return true, nil
		}
	}
	return false, nil
}

// Package dump prepares database dumps on backup sources before they are
// synced.
package dump

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/gorsnapshot/internal/models"
	sshsvc "github.com/fgeck/gorsnapshot/internal/services/ssh"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// Service defines the interface for dump operations.
type Service interface {
	Prepare(ctx context.Context, item models.BackupItem) (*models.DumpResult, error)
	CleanupPartial(item models.BackupItem) (int, error)
}

// Impl implements the dump Service interface.
type Impl struct {
	ssh      sshsvc.Service
	settings models.SSHSettings
	logger   zerolog.Logger
}

// New creates a new dump service running scripts through ssh.
func New(logger zerolog.Logger, ssh sshsvc.Service, settings models.SSHSettings) *Impl {
	return &Impl{
		ssh:      ssh,
		settings: settings,
		logger:   logger,
	}
}

// Prepare runs the dump script for item on its source host.
// A failing script is reported in the result, not as the returned error.
func (s *Impl) Prepare(ctx context.Context, item models.BackupItem) (*models.DumpResult, error) {
	result := &models.DumpResult{}
	start := time.Now()

	script, err := BuildScript(item)
	if err != nil {
		return nil, fmt.Errorf("building dump script: %w", err)
	}

	s.logger.Info().
		Int("number", item.Number).
		Str("type", string(item.Type)).
		Str("source", item.Source).
		Str("dump_dir", item.DumpDir()).
		Msg("running remote dump")
	s.logger.Debug().Int("number", item.Number).Str("script", script).Msg("remote dump script")

	res, err := s.ssh.Run(ctx, item.SSHTarget(s.settings), shellquote.Join("bash", "-c", script))
	if err != nil {
		return nil, fmt.Errorf("running dump script: %w", err)
	}

	result.Output = res.Output
	result.Duration = time.Since(start)
	if res.Error != nil {
		result.Error = fmt.Errorf("remote dump failed: %w", res.Error)
		s.logger.Debug().Int("number", item.Number).Str("output", res.Output).Msg("remote dump output")
		return result, nil
	}

	s.logger.Info().
		Int("number", item.Number).
		Dur("duration", result.Duration).
		Msg("remote dump succeeded")

	return result, nil
}

// PartialPattern returns the glob matching rsync temporary files left in the
// sync directory by an interrupted transfer of item's dumps. It returns ""
// when the item has nothing to clean.
func PartialPattern(item models.BackupItem) string {
	var name string
	switch {
	case item.IsXtrabackup():
		return ""
	case item.Type == models.TypeMySQLSSH, item.Type == models.TypePostgreSQLSSH:
		name = ".*.gz.*"
	case item.Type == models.TypeMongoDBSSH:
		name = ".*.tar.gz.*"
	default:
		return ""
	}
	return filepath.Join(item.Path, ".sync", "rsnapshot"+item.DumpDir(), name)
}

// CleanupPartial removes partially transferred dump files from the local
// sync directory and returns how many were removed.
func (s *Impl) CleanupPartial(item models.BackupItem) (int, error) {
	pattern := PartialPattern(item)
	if pattern == "" {
		return 0, nil
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("matching %s: %w", pattern, err)
	}

	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing %s: %w", m, err)
		}
		removed++
	}

	s.logger.Info().
		Int("number", item.Number).
		Int("removed", removed).
		Msg("removed partially downloaded dumps")

	return removed, nil
}

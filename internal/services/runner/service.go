// Package runner orchestrates the backup workflow.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/gorsnapshot/internal/metrics"
	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/fgeck/gorsnapshot/internal/services/bootstrap"
	"github.com/fgeck/gorsnapshot/internal/services/dump"
	"github.com/fgeck/gorsnapshot/internal/services/hook"
	"github.com/fgeck/gorsnapshot/internal/services/rsnapshot"
	"github.com/fgeck/gorsnapshot/internal/services/rsync"
	"github.com/fgeck/gorsnapshot/internal/services/ssh"
	"github.com/fgeck/gorsnapshot/internal/services/telegram"
	"github.com/fgeck/gorsnapshot/internal/services/wol"
	"github.com/rs/zerolog"
)

// ErrRunFailed is returned when at least one item reported an error.
var ErrRunFailed = errors.New("backup run finished with errors")

// Service defines the interface for the backup runner.
type Service interface {
	Run(ctx context.Context, cfg *models.Config, mode models.Mode, filter models.Filter) (*models.RunSummary, error)
}

// MetricsExporter writes run summaries for the node_exporter textfile collector.
type MetricsExporter interface {
	Export(dir string, summary models.RunSummary) (string, error)
}

// Services bundles the collaborators of a run.
type Services struct {
	Hook      hook.Service
	SSH       ssh.Service
	Bootstrap bootstrap.Service
	Dump      dump.Service
	Rsync     rsync.Service
	Rsnapshot rsnapshot.Service
	WOL       wol.Service
	Telegram  telegram.Service
	Metrics   MetricsExporter
	Hostname  func() (string, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	svc    Services
	debug  bool
	logger zerolog.Logger
}

// New creates a new runner service for cfg.
func New(logger zerolog.Logger, cfg *models.Config, debug bool) *Impl {
	sshSvc := ssh.New(logger)
	return NewWithServices(logger, Services{
		Hook:      hook.New(logger),
		SSH:       sshSvc,
		Bootstrap: bootstrap.New(logger, sshSvc, cfg.SSH),
		Dump:      dump.New(logger, sshSvc, cfg.SSH),
		Rsync:     rsync.New(logger),
		Rsnapshot: rsnapshot.New(logger, cfg.Rsnapshot.Binary),
		WOL:       wol.New(logger),
		Telegram:  telegram.New(logger),
		Metrics:   metrics.NewExporter(logger),
		Hostname:  os.Hostname,
	}, debug)
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(logger zerolog.Logger, svc Services, debug bool) *Impl {
	if svc.Hostname == nil {
		svc.Hostname = os.Hostname
	}
	return &Impl{
		svc:    svc,
		debug:  debug,
		logger: logger,
	}
}

// Run processes every enabled item matching filter, in configuration order.
// Disabled and filtered-out items produce no result.
// Item failures are counted, never fatal; the returned summary is always
// set when the loop ran, and the error wraps ErrRunFailed if any item
// reported an error.
func (s *Impl) Run(ctx context.Context, cfg *models.Config, mode models.Mode, filter models.Filter) (*models.RunSummary, error) {
	hostname, err := s.svc.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.RsnapshotConf), 0o755); err != nil {
		return nil, fmt.Errorf("creating rsnapshot config dir: %w", err)
	}

	summary := &models.RunSummary{
		Mode:      mode,
		Hostname:  hostname,
		StartTime: time.Now(),
	}

	s.logger.Info().
		Str("mode", string(mode)).
		Str("hostname", hostname).
		Int("items", len(cfg.Items)).
		Msg("starting backup run")

	state := models.NewRunState(mode)
	for _, item := range cfg.Items {
		if err := ctx.Err(); err != nil {
			s.logger.Error().Err(err).Msg("run interrupted")
			state.Errors++
			break
		}
		// Items outside the run are left out of the results.
		if !item.Enabled {
			s.logger.Debug().Int("number", item.Number).Str("host", item.Host).Msg("item disabled, skipping")
			continue
		}
		if !filter.Matches(item) {
			s.logger.Debug().Int("number", item.Number).Str("host", item.Host).Msg("item filtered out, skipping")
			continue
		}
		state.Record(s.processItem(ctx, cfg, state, item))
	}

	summary.Duration = time.Since(summary.StartTime)
	summary.Errors = state.Errors
	summary.Results = state.Results

	s.report(ctx, cfg, *summary)

	if state.Errors > 0 {
		s.logger.Error().
			Int("errors", state.Errors).
			Dur("duration", summary.Duration).
			Msgf("rsnapshot_backup %s on %s errors found: %d", mode, hostname, state.Errors)
		return summary, fmt.Errorf("%w: %d errors", ErrRunFailed, state.Errors)
	}

	s.logger.Info().
		Dur("duration", summary.Duration).
		Int("completed", state.Count(models.StatusCompleted)).
		Int("skipped", state.Count(models.StatusSkipped)).
		Msgf("rsnapshot_backup %s on %s finished OK", mode, hostname)
	return summary, nil
}

// report delivers the optional notification and metrics. Failures are
// logged only; they never change the run outcome.
func (s *Impl) report(ctx context.Context, cfg *models.Config, summary models.RunSummary) {
	if cfg.Metrics.TextfileDir != "" && s.svc.Metrics != nil {
		if path, err := s.svc.Metrics.Export(cfg.Metrics.TextfileDir, summary); err != nil {
			s.logger.Error().Err(err).Msg("failed to write metrics textfile")
		} else {
			s.logger.Debug().Str("path", path).Msg("metrics exported")
		}
	}

	if cfg.Telegram == nil || s.svc.Telegram == nil {
		return
	}
	result, err := s.svc.Telegram.SendNotification(ctx, *cfg.Telegram, summary)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}
	s.logger.Info().Msg("Telegram notification sent")
}

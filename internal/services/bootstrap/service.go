// Package bootstrap establishes and validates passwordless SSH access to
// backup sources.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fgeck/gorsnapshot/internal/models"
	sshsvc "github.com/fgeck/gorsnapshot/internal/services/ssh"
	"github.com/rs/zerolog"
)

// Errors returned by the service.
var (
	ErrAccessDenied     = errors.New("ssh without password failed")
	ErrHostnameMismatch = errors.New("remote hostname mismatch")
)

// Service defines the interface for SSH bootstrap operations.
type Service interface {
	Ensure(ctx context.Context, item models.BackupItem) error
	ValidateHostname(ctx context.Context, item models.BackupItem) error
}

// HostnameFunc returns the local hostname.
type HostnameFunc func() (string, error)

// ProvisionFunc installs the local identity into the local authorized keys.
type ProvisionFunc func(identityFile, authorizedKeys string) (bool, error)

// Impl implements the bootstrap Service interface.
type Impl struct {
	ssh       sshsvc.Service
	settings  models.SSHSettings
	hostname  HostnameFunc
	provision ProvisionFunc
	logger    zerolog.Logger
}

// New creates a new bootstrap service.
func New(logger zerolog.Logger, ssh sshsvc.Service, settings models.SSHSettings) *Impl {
	return NewWithFuncs(logger, ssh, settings, os.Hostname, sshsvc.ProvisionLoopbackKey)
}

// NewWithFuncs creates a bootstrap service with custom hostname and key
// provisioning functions (for testing).
func NewWithFuncs(logger zerolog.Logger, ssh sshsvc.Service, settings models.SSHSettings, hostname HostnameFunc, provision ProvisionFunc) *Impl {
	return &Impl{
		ssh:       ssh,
		settings:  settings,
		hostname:  hostname,
		provision: provision,
		logger:    logger,
	}
}

// Ensure verifies non-interactive SSH access to the item's source. When the
// check fails and the item names this machine, the local key is authorized
// and the check is repeated once.
func (s *Impl) Ensure(ctx context.Context, item models.BackupItem) error {
	log := s.logger.With().Int("number", item.Number).Str("host", item.Host).Logger()
	target := item.SSHTarget(s.settings)

	log.Info().Msg("checking remote SSH")
	first := s.check(ctx, target)
	if first == nil {
		log.Info().Msg("SSH without password succeeded")
		return nil
	}

	local, err := s.hostname()
	if err != nil || item.Host != local {
		return fmt.Errorf("%w: %v", ErrAccessDenied, first)
	}

	log.Info().Msg("loopback connect detected, adding local key to authorized keys")
	changed, err := s.provision(s.settings.IdentityFile, s.settings.AuthorizedKeys)
	if err != nil {
		return fmt.Errorf("loopback authorization failed: %w", err)
	}
	log.Info().Bool("authorized_keys_changed", changed).Msg("loopback authorization succeeded")

	log.Info().Msg("checking again remote SSH")
	if err := s.check(ctx, target); err != nil {
		return fmt.Errorf("%w after loopback authorization: %v", ErrAccessDenied, err)
	}
	log.Info().Msg("SSH without password succeeded")
	return nil
}

// ValidateHostname compares the remote hostname with the item's declared
// host, ignoring surrounding whitespace.
func (s *Impl) ValidateHostname(ctx context.Context, item models.BackupItem) error {
	log := s.logger.With().Int("number", item.Number).Logger()
	log.Info().Msg("hostname validation required")

	result, err := s.ssh.Run(ctx, item.SSHTarget(s.settings), "hostname")
	if err != nil {
		return fmt.Errorf("remote hostname validation failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("remote hostname validation failed: %w", result.Error)
	}

	received := strings.TrimSpace(result.Output)
	if received != item.Host {
		return fmt.Errorf("%w: received %q, expected %q", ErrHostnameMismatch, received, item.Host)
	}

	log.Info().Str("hostname", received).Msg("remote hostname received and validated")
	return nil
}

func (s *Impl) check(ctx context.Context, target models.SSHTarget) error {
	result, err := s.ssh.TestConnection(ctx, target)
	if err != nil {
		return err
	}
	return result.Error
}

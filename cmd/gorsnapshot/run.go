package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/gorsnapshot/internal/config"
	"github.com/fgeck/gorsnapshot/internal/lock"
	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/fgeck/gorsnapshot/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runBackup(cmd *cobra.Command, args []string) error {
	mode, ok := selectedMode()
	if !ok {
		_ = cmd.Help()
		return errNoMode
	}
	cmd.SilenceUsage = true

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	if !cfg.Enabled {
		log.Info().Str("config", configFile).Msg("rsnapshot_backup not enabled in config, exiting")
		return nil
	}

	runLock, err := lock.TryAcquire(cfg.Paths.LockFile)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			log.Error().Str("lock", cfg.Paths.LockFile).Msg("another run holds the lock, exiting")
		} else {
			log.Error().Err(err).Msg("failed to acquire run lock")
		}
		return err
	}
	defer func() {
		if err := runLock.Release(); err != nil {
			log.Error().Err(err).Msg("failed to release run lock")
		}
	}()

	log.Info().
		Str("config", configFile).
		Str("mode", string(mode)).
		Int("items", len(cfg.Items)).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	filter := models.Filter{Host: hostFilter}
	if cmd.Flags().Changed("item-number") {
		filter.ItemNumber = &itemNumber
	}

	runnerSvc := runner.New(log.Logger, cfg, debug)
	if _, err := runnerSvc.Run(ctx, cfg, mode, filter); err != nil {
		return err
	}
	return nil
}

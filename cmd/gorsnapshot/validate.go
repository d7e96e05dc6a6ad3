package main

import (
	"fmt"
	"os"

	"github.com/fgeck/gorsnapshot/internal/config"
	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without executing any backup operations.
The effective configuration, with item defaults applied and secrets
omitted, is printed as YAML.`,
	RunE: validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	var invalid int
	for i, item := range cfg.Items {
		item = config.ApplyDefaults(item, debug)
		if err := config.ValidateItem(item); err != nil {
			log.Error().Err(err).Int("number", item.Number).Msg("invalid item")
			invalid++
		}
		if _, _, err := config.ParseConnect(item.Connect, config.DefaultPort(item.Type)); err != nil {
			log.Error().Err(err).Int("number", item.Number).Msg("invalid connect")
			invalid++
		}
		if !item.Type.IsSSH() && item.Type != models.TypeRsyncNative {
			log.Error().Str("type", string(item.Type)).Int("number", item.Number).Msg("unknown item type")
			invalid++
		}
		cfg.Items[i] = item
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	_, _ = cmd.OutOrStdout().Write(out)

	if invalid > 0 {
		return fmt.Errorf("configuration has %d problems", invalid)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "# configuration is valid")
	return nil
}

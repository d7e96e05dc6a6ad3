// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/spf13/viper"
)

// Default locations, matching the layout rsnapshot_backup has always used.
const (
	DefaultWorkDir    = "/opt/sysadmws/rsnapshot_backup"
	DefaultConfigFile = DefaultWorkDir + "/rsnapshot_backup.yaml"
	DefaultLogDir     = DefaultWorkDir + "/log"
	DefaultLockFile   = "/run/rsnapshot_backup.lock"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{}

	if !p.v.IsSet("enabled") {
		return nil, fmt.Errorf("enabled is required")
	}
	cfg.Enabled = p.v.GetBool("enabled")

	if err := p.v.UnmarshalKey("items", &cfg.Items); err != nil {
		return nil, fmt.Errorf("parsing items: %w", err)
	}

	seen := make(map[int]bool, len(cfg.Items))
	for i := range cfg.Items {
		item := &cfg.Items[i]
		if seen[item.Number] {
			return nil, fmt.Errorf("items: duplicate item number %d", item.Number)
		}
		seen[item.Number] = true
		item.ConnectPassword = p.expandEnv(item.ConnectPassword)
	}

	// Local paths.
	workDir := p.v.GetString("paths.work_dir")
	if workDir == "" {
		workDir = DefaultWorkDir
	}
	cfg.Paths = models.PathSettings{
		WorkDir:           workDir,
		RsnapshotConf:     p.pathOr("paths.rsnapshot_conf", filepath.Join(workDir, "rsnapshot.conf")),
		RsnapshotPasswd:   p.pathOr("paths.rsnapshot_passwd", filepath.Join(workDir, "rsnapshot.passwd")),
		RsnapshotLog:      p.pathOr("paths.rsnapshot_log", filepath.Join(workDir, "rsnapshot.log")),
		RsnapshotLockfile: p.pathOr("paths.rsnapshot_lockfile", filepath.Join(workDir, "rsnapshot.pid")),
		LockFile:          p.pathOr("paths.lock_file", DefaultLockFile),
	}

	cfg.Rsnapshot = models.RsnapshotSettings{
		Binary: p.v.GetString("rsnapshot.binary"),
	}
	if cfg.Rsnapshot.Binary == "" {
		cfg.Rsnapshot.Binary = "rsnapshot"
	}

	// SSH client settings.
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/root"
	}
	cfg.SSH = models.SSHSettings{
		IdentityFile:   p.pathOr("ssh.identity_file", filepath.Join(home, ".ssh", "id_ed25519")),
		AuthorizedKeys: p.pathOr("ssh.authorized_keys", filepath.Join(home, ".ssh", "authorized_keys")),
		Timeout:        p.v.GetDuration("ssh.timeout"),
	}
	if cfg.SSH.Timeout == 0 {
		cfg.SSH.Timeout = 30 * time.Second
	}

	cfg.Metrics = models.MetricsConfig{
		TextfileDir: p.expandEnv(p.v.GetString("metrics.textfile_dir")),
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

func (p *Parser) pathOr(key, fallback string) string {
	if s := p.expandEnv(p.v.GetString(key)); s != "" {
		return s
	}
	return fallback
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Paths.RsnapshotConf == "" {
		return fmt.Errorf("paths.rsnapshot_conf is required")
	}

	if cfg.Paths.LockFile == "" {
		return fmt.Errorf("paths.lock_file is required")
	}

	return nil
}

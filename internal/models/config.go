package models

import "time"

// Config holds the complete configuration for a backup run.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Items     []BackupItem      `yaml:"items"`
	Paths     PathSettings      `yaml:"paths"`
	Rsnapshot RsnapshotSettings `yaml:"rsnapshot"`
	SSH       SSHSettings       `yaml:"ssh"`
	Metrics   MetricsConfig     `yaml:"metrics,omitempty"`
	Telegram  *TelegramConfig   `yaml:"telegram,omitempty"` // nil if not configured
}

// PathSettings holds local file locations used by a run.
type PathSettings struct {
	WorkDir           string `yaml:"work_dir"`
	RsnapshotConf     string `yaml:"rsnapshot_conf"`   // generated rsnapshot config, overwritten per item
	RsnapshotPasswd   string `yaml:"rsnapshot_passwd"` // transient native rsync password file
	RsnapshotLog      string `yaml:"rsnapshot_log"`
	RsnapshotLockfile string `yaml:"rsnapshot_lockfile"`
	LockFile          string `yaml:"lock_file"` // single-instance run lock
}

// RsnapshotSettings holds settings for invoking rsnapshot.
type RsnapshotSettings struct {
	Binary string `yaml:"binary"`
}

// SSHSettings holds local SSH client settings.
type SSHSettings struct {
	IdentityFile   string        `yaml:"identity_file"`
	AuthorizedKeys string        `yaml:"authorized_keys"`
	Timeout        time.Duration `yaml:"timeout"`
}

// MetricsConfig holds node_exporter textfile settings.
type MetricsConfig struct {
	TextfileDir string `yaml:"textfile_dir,omitempty"` // empty disables the export
}

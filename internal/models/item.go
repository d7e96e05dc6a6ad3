// Package models contains the data structures used throughout gorsnapshot.
package models

import (
	"strconv"
	"strings"
	"time"
)

// ItemType selects the transport and dump pipeline used for an item.
type ItemType string

// Supported item types.
const (
	TypeRsyncSSH      ItemType = "RSYNC_SSH"
	TypeRsyncNative   ItemType = "RSYNC_NATIVE"
	TypeMySQLSSH      ItemType = "MYSQL_SSH"
	TypePostgreSQLSSH ItemType = "POSTGRESQL_SSH"
	TypeMongoDBSSH    ItemType = "MONGODB_SSH"
)

// SourceAll selects every database (or the whole OS-family path set) on the source.
const SourceAll = "ALL"

// MySQL dump types.
const (
	MySQLDumpMysqldump  = "mysqldump"
	MySQLDumpXtrabackup = "xtrabackup"
)

// IsSSH reports whether items of this type are transferred over SSH.
func (t ItemType) IsSSH() bool {
	switch t {
	case TypeRsyncSSH, TypeMySQLSSH, TypePostgreSQLSSH, TypeMongoDBSSH:
		return true
	default:
		return false
	}
}

// IsDatabase reports whether items of this type need a remote dump before sync.
func (t ItemType) IsDatabase() bool {
	switch t {
	case TypeMySQLSSH, TypePostgreSQLSSH, TypeMongoDBSSH:
		return true
	default:
		return false
	}
}

// BackupItem is one configured backup unit.
//
// Pointer fields are optional: nil means "not configured" and is filled by
// config.ApplyDefaults, except RetainHourly where nil disables hourly retention.
type BackupItem struct {
	Number  int      `mapstructure:"number" yaml:"number"`
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Host    string   `mapstructure:"host" yaml:"host" validate:"required"`
	Type    ItemType `mapstructure:"type" yaml:"type" validate:"required"`
	Path    string   `mapstructure:"path" yaml:"path" validate:"required,startswith=/"`
	Connect string   `mapstructure:"connect" yaml:"connect" validate:"required"`
	Source  string   `mapstructure:"source" yaml:"source" validate:"required"`

	RetainHourly  *int `mapstructure:"retain_hourly" yaml:"retain_hourly,omitempty" validate:"omitempty,min=0"`
	RetainDaily   *int `mapstructure:"retain_daily" yaml:"retain_daily" validate:"omitempty,min=0"`
	RetainWeekly  *int `mapstructure:"retain_weekly" yaml:"retain_weekly" validate:"omitempty,min=0"`
	RetainMonthly *int `mapstructure:"retain_monthly" yaml:"retain_monthly" validate:"omitempty,min=0"`

	ConnectUser     string `mapstructure:"connect_user" yaml:"connect_user"`
	ConnectPassword string `mapstructure:"connect_password" yaml:"-"`
	OSFamily        string `mapstructure:"os_family" yaml:"os_family,omitempty" validate:"omitempty,oneof=UBUNTU DEBIAN CENTOS"`

	ValidateHostname  *bool `mapstructure:"validate_hostname" yaml:"validate_hostname"`
	MySQLNoEvents     *bool `mapstructure:"mysql_noevents" yaml:"mysql_noevents"`
	PostgreSQLNoClean *bool `mapstructure:"postgresql_noclean" yaml:"postgresql_noclean"`
	NativeTxtCheck    *bool `mapstructure:"native_txt_check" yaml:"native_txt_check"`
	Native10hLimit    *bool `mapstructure:"native_10h_limit" yaml:"native_10h_limit"`

	RsyncArgs string `mapstructure:"rsync_args" yaml:"rsync_args,omitempty"`

	MySQLDumpType     string `mapstructure:"mysql_dump_type" yaml:"mysql_dump_type,omitempty" validate:"omitempty,oneof=mysqldump xtrabackup"`
	MySQLDumpDir      string `mapstructure:"mysql_dump_dir" yaml:"mysql_dump_dir,omitempty" validate:"omitempty,startswith=/"`
	PostgreSQLDumpDir string `mapstructure:"postgresql_dump_dir" yaml:"postgresql_dump_dir,omitempty" validate:"omitempty,startswith=/"`
	MongoDBDumpDir    string `mapstructure:"mongodb_dump_dir" yaml:"mongodb_dump_dir,omitempty" validate:"omitempty,startswith=/"`

	MysqldumpArgs string `mapstructure:"mysqldump_args" yaml:"mysqldump_args,omitempty"`
	PgDumpArgs    string `mapstructure:"pg_dump_args" yaml:"pg_dump_args,omitempty"`
	MongoArgs     string `mapstructure:"mongo_args" yaml:"mongo_args,omitempty"`

	XtrabackupThrottle        string `mapstructure:"xtrabackup_throttle" yaml:"xtrabackup_throttle,omitempty"`
	XtrabackupParallel        string `mapstructure:"xtrabackup_parallel" yaml:"xtrabackup_parallel,omitempty"`
	XtrabackupCompressThreads string `mapstructure:"xtrabackup_compress_threads" yaml:"xtrabackup_compress_threads,omitempty"`
	XtrabackupArgs            string `mapstructure:"xtrabackup_args" yaml:"xtrabackup_args,omitempty"`

	BeforeBackupCheck string `mapstructure:"before_backup_check" yaml:"before_backup_check,omitempty"`
	ExecBeforeRsync   string `mapstructure:"exec_before_rsync" yaml:"exec_before_rsync,omitempty"`
	ExecAfterRsync    string `mapstructure:"exec_after_rsync" yaml:"exec_after_rsync,omitempty"`

	Exclude []string `mapstructure:"exclude" yaml:"exclude,omitempty"`

	Wake *WakeConfig `mapstructure:"wake" yaml:"wake,omitempty" validate:"omitempty"`

	// Derived at processing time, never read from configuration.
	VerbosityLevel     int    `mapstructure:"-" yaml:"-"`
	RsyncVerbosityArgs string `mapstructure:"-" yaml:"-"`
	ConnectHost        string `mapstructure:"-" yaml:"-"`
	ConnectPort        int    `mapstructure:"-" yaml:"-"`
}

// HourlyEnabled reports whether hourly retention is configured.
func (i BackupItem) HourlyEnabled() bool {
	return i.RetainHourly != nil
}

// IsXtrabackup reports whether a MySQL item uses physical hot-copy dumps.
func (i BackupItem) IsXtrabackup() bool {
	return i.Type == TypeMySQLSSH && i.MySQLDumpType == MySQLDumpXtrabackup
}

// DumpDir returns the remote dump directory for database items.
func (i BackupItem) DumpDir() string {
	switch i.Type {
	case TypeMySQLSSH:
		return i.MySQLDumpDir
	case TypePostgreSQLSSH:
		return i.PostgreSQLDumpDir
	case TypeMongoDBSSH:
		return i.MongoDBDumpDir
	default:
		return ""
	}
}

// DumpExpiry is how long remote dumps are kept before they are regenerated.
// Hourly retention needs fresh dumps every run.
func (i BackupItem) DumpExpiry() time.Duration {
	if i.HourlyEnabled() {
		return 59 * time.Minute
	}
	return 720 * time.Minute
}

// Excluded reports whether name is listed in the item's exclude set.
func (i BackupItem) Excluded(name string) bool {
	for _, e := range i.Exclude {
		if e == name {
			return true
		}
	}
	return false
}

// NativeURL returns the rsync daemon URL of the item's source.
func (i BackupItem) NativeURL() string {
	return "rsync://" + i.ConnectUser + "@" + i.ConnectHost + ":" + strconv.Itoa(i.ConnectPort) + strings.TrimSuffix(i.Source, "/") + "/"
}

// Flag dereferences an optional boolean, treating nil as false.
func Flag(b *bool) bool {
	return b != nil && *b
}

// Count dereferences an optional integer, treating nil as zero.
func Count(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

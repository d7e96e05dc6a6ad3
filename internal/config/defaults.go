package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/go-playground/validator/v10"
)

// Item defaults.
const (
	DefaultRetainDaily   = 7
	DefaultRetainWeekly  = 4
	DefaultRetainMonthly = 3
	DefaultConnectUser   = "root"
	DefaultOSFamily      = "DEBIAN"

	DefaultMySQLDumpDir      = "/var/backups/mysql"
	DefaultPostgreSQLDumpDir = "/var/backups/postgresql"
	DefaultMongoDBDumpDir    = "/var/backups/mongodb"

	// xtrabackup --throttle is IO operations per second.
	DefaultXtrabackupThrottle        = "20"
	DefaultXtrabackupParallel        = "2"
	DefaultXtrabackupCompressThreads = "2"

	DefaultSSHPort   = 22
	DefaultRsyncPort = 873
)

var validate = validator.New()

// ApplyDefaults returns a copy of item with every unset optional field filled.
// It never overrides an explicitly configured value, so applying it twice
// yields the same item.
func ApplyDefaults(item models.BackupItem, debug bool) models.BackupItem {
	out := item

	out.RetainDaily = intOr(item.RetainDaily, DefaultRetainDaily)
	out.RetainWeekly = intOr(item.RetainWeekly, DefaultRetainWeekly)
	out.RetainMonthly = intOr(item.RetainMonthly, DefaultRetainMonthly)

	out.ValidateHostname = boolOr(item.ValidateHostname, true)
	out.MySQLNoEvents = boolOr(item.MySQLNoEvents, false)
	out.PostgreSQLNoClean = boolOr(item.PostgreSQLNoClean, false)
	out.NativeTxtCheck = boolOr(item.NativeTxtCheck, false)
	out.Native10hLimit = boolOr(item.Native10hLimit, false)

	out.ConnectUser = stringOr(item.ConnectUser, DefaultConnectUser)
	out.OSFamily = stringOr(item.OSFamily, DefaultOSFamily)
	out.MySQLDumpType = stringOr(item.MySQLDumpType, models.MySQLDumpMysqldump)
	out.MySQLDumpDir = stringOr(item.MySQLDumpDir, DefaultMySQLDumpDir)
	out.PostgreSQLDumpDir = stringOr(item.PostgreSQLDumpDir, DefaultPostgreSQLDumpDir)
	out.MongoDBDumpDir = stringOr(item.MongoDBDumpDir, DefaultMongoDBDumpDir)
	out.XtrabackupThrottle = stringOr(item.XtrabackupThrottle, DefaultXtrabackupThrottle)
	out.XtrabackupParallel = stringOr(item.XtrabackupParallel, DefaultXtrabackupParallel)
	out.XtrabackupCompressThreads = stringOr(item.XtrabackupCompressThreads, DefaultXtrabackupCompressThreads)

	if debug {
		out.VerbosityLevel = 5
		out.RsyncVerbosityArgs = "--human-readable --progress"
	} else {
		out.VerbosityLevel = 2
		out.RsyncVerbosityArgs = ""
	}

	if item.Wake != nil {
		wake := *item.Wake
		if wake.BroadcastIP == "" {
			wake.BroadcastIP = "255.255.255.255"
		}
		if wake.Timeout == 0 {
			wake.Timeout = 5 * time.Minute
		}
		if wake.PollInterval == 0 {
			wake.PollInterval = 10 * time.Second
		}
		if wake.StabilizeWait == 0 {
			wake.StabilizeWait = 10 * time.Second
		}
		out.Wake = &wake
	}

	return out
}

// ValidateItem checks the structural constraints of a single item.
func ValidateItem(item models.BackupItem) error {
	if err := validate.Struct(item); err != nil {
		return fmt.Errorf("invalid item %d: %w", item.Number, err)
	}
	return nil
}

// ParseConnect splits a host[:port] connect string. defaultPort is used when
// no port is given.
func ParseConnect(connect string, defaultPort int) (string, int, error) {
	connect = strings.TrimSpace(connect)
	if connect == "" {
		return "", 0, fmt.Errorf("connect is empty")
	}

	// Bare host or bare IPv6 address.
	if !strings.Contains(connect, ":") || (strings.Count(connect, ":") > 1 && !strings.HasPrefix(connect, "[")) {
		return connect, defaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(connect)
	if err != nil {
		return "", 0, fmt.Errorf("invalid connect %q: %w", connect, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in connect %q", connect)
	}
	return host, port, nil
}

// DefaultPort returns the transport port used when connect has none.
func DefaultPort(t models.ItemType) int {
	if t == models.TypeRsyncNative {
		return DefaultRsyncPort
	}
	return DefaultSSHPort
}

func intOr(p *int, def int) *int {
	if p != nil {
		return p
	}
	return &def
}

func boolOr(p *bool, def bool) *bool {
	if p != nil {
		return p
	}
	return &def
}

func stringOr(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

package rsnapshot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fgeck/gorsnapshot/internal/models"
)

const sshArgs = "-o BatchMode=yes -o StrictHostKeyChecking=no"

// osFamilyPaths are the directories backed up for an RSYNC_SSH item whose
// source names an OS family.
var osFamilyPaths = map[string][]string{
	"UBUNTU": {"/etc", "/home", "/root", "/var/spool/cron", "/var/lib/dpkg", "/usr/local", "/opt/sysadmws"},
	"DEBIAN": {"/etc", "/home", "/root", "/var/spool/cron", "/var/lib/dpkg", "/usr/local", "/opt/sysadmws"},
	"CENTOS": {"/etc", "/home", "/root", "/var/spool/cron", "/var/lib/rpm", "/usr/local", "/opt/sysadmws"},
}

// Per-path rsync overrides.
var pathRsyncArgs = map[string]string{
	"/opt/sysadmws": "--exclude=/opt/sysadmws/bulk_log --exclude=log",
}

// RenderConfig returns the rsnapshot configuration for item in mode. The
// item must have defaults applied and, for sync, its connect fields derived.
// SSH transfers authenticate with ssh.IdentityFile, the same key the access
// checks use. The output depends only on its arguments.
func RenderConfig(item models.BackupItem, mode models.Mode, paths models.PathSettings, ssh models.SSHSettings) (string, error) {
	var b strings.Builder

	header(&b, item, paths)

	if mode.IsRotation() {
		b.WriteString("sync_first\t1\n")
		b.WriteString("# any backup definition is enough for rotation\n")
		b.WriteString("backup\t\t/etc/\t\trsnapshot/\n")
		return b.String(), nil
	}

	if mode != models.ModeSync {
		return "", fmt.Errorf("unknown mode %q", mode)
	}

	switch {
	case item.Type.IsSSH():
		lines, err := sshBackupLines(item)
		if err != nil {
			return "", err
		}
		args, err := sshArgsFor(item, ssh)
		if err != nil {
			return "", err
		}
		b.WriteString("ssh_args\t" + args + "\n")
		b.WriteString("rsync_long_args\t" + joinArgs("-az --delete --delete-excluded --numeric-ids --relative", item.RsyncVerbosityArgs, item.RsyncArgs) + "\n")
		b.WriteString("sync_first\t1\n")
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
	case item.Type == models.TypeRsyncNative:
		b.WriteString("rsync_long_args\t" + joinArgs("-az --delete --delete-excluded --no-owner --no-group --numeric-ids --relative --password-file="+paths.RsnapshotPasswd, item.RsyncVerbosityArgs, item.RsyncArgs) + "\n")
		b.WriteString("sync_first\t1\n")
		b.WriteString("backup\t\t" + item.NativeURL() + "\t\trsnapshot/\n")
	default:
		return "", fmt.Errorf("unknown item type %q", item.Type)
	}

	return b.String(), nil
}

// sshArgsFor returns the ssh options for item. rsnapshot splits ssh_args on
// whitespace, so the identity path must not contain any.
func sshArgsFor(item models.BackupItem, ssh models.SSHSettings) (string, error) {
	args := sshArgs
	if ssh.IdentityFile != "" {
		if strings.ContainsAny(ssh.IdentityFile, " \t\n") {
			return "", fmt.Errorf("identity file %q contains whitespace", ssh.IdentityFile)
		}
		args += " -i " + ssh.IdentityFile
	}
	return args + " -p " + strconv.Itoa(item.ConnectPort), nil
}

func header(b *strings.Builder, item models.BackupItem, paths models.PathSettings) {
	b.WriteString("config_version\t1.2\n")
	b.WriteString("snapshot_root\t" + item.Path + "\n")
	b.WriteString("cmd_cp\t\t/bin/cp\n")
	b.WriteString("cmd_rm\t\t/bin/rm\n")
	b.WriteString("cmd_rsync\t/usr/bin/rsync\n")
	b.WriteString("cmd_ssh\t\t/usr/bin/ssh\n")
	b.WriteString("cmd_logger\t/usr/bin/logger\n")
	if item.HourlyEnabled() {
		b.WriteString("retain\t\thourly\t" + strconv.Itoa(*item.RetainHourly) + "\n")
	} else {
		b.WriteString("#retain\t\thourly\tNONE\n")
	}
	b.WriteString("retain\t\tdaily\t" + strconv.Itoa(models.Count(item.RetainDaily)) + "\n")
	b.WriteString("retain\t\tweekly\t" + strconv.Itoa(models.Count(item.RetainWeekly)) + "\n")
	b.WriteString("retain\t\tmonthly\t" + strconv.Itoa(models.Count(item.RetainMonthly)) + "\n")
	b.WriteString("verbose\t\t" + strconv.Itoa(item.VerbosityLevel) + "\n")
	b.WriteString("loglevel\t3\n")
	b.WriteString("logfile\t\t" + paths.RsnapshotLog + "\n")
	b.WriteString("lockfile\t" + paths.RsnapshotLockfile + "\n")
}

// sshBackupLines returns one backup line per source directory.
func sshBackupLines(item models.BackupItem) ([]string, error) {
	switch item.Type {
	case models.TypeRsyncSSH:
		family := item.Source
		if family == models.SourceAll {
			family = item.OSFamily
		}
		dirs, ok := osFamilyPaths[family]
		if !ok {
			return []string{backupLine(item, item.Source, "")}, nil
		}
		var lines []string
		for _, dir := range dirs {
			if item.Excluded(dir) {
				continue
			}
			lines = append(lines, backupLine(item, dir, pathRsyncArgs[dir]))
		}
		return lines, nil
	case models.TypeMySQLSSH:
		extra := ""
		if item.IsXtrabackup() {
			// xtrabackup output is already compressed.
			extra = "--no-compress"
		}
		return []string{backupLine(item, item.MySQLDumpDir, extra)}, nil
	case models.TypePostgreSQLSSH, models.TypeMongoDBSSH:
		return []string{backupLine(item, item.DumpDir(), "")}, nil
	default:
		return nil, fmt.Errorf("unknown item type %q", item.Type)
	}
}

func backupLine(item models.BackupItem, source, rsyncArgs string) string {
	line := "backup\t\t" + item.ConnectUser + "@" + item.ConnectHost + ":" + withSlash(source) + "\trsnapshot/"
	if rsyncArgs != "" {
		line += "\t+rsync_long_args=" + rsyncArgs
	}
	return line
}

func withSlash(p string) string {
	return strings.TrimSuffix(p, "/") + "/"
}

func joinArgs(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

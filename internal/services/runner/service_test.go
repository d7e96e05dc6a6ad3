package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations

type mockHook struct {
	runLocalFunc func(ctx context.Context, command string) (*models.HookResult, error)
}

func (m *mockHook) RunLocal(ctx context.Context, command string) (*models.HookResult, error) {
	if m.runLocalFunc != nil {
		return m.runLocalFunc(ctx, command)
	}
	return &models.HookResult{Command: command}, nil
}

type mockSSH struct {
	runFunc func(ctx context.Context, target models.SSHTarget, cmd string) (*models.SSHResult, error)
}

func (m *mockSSH) Run(ctx context.Context, target models.SSHTarget, cmd string) (*models.SSHResult, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx, target, cmd)
	}
	return &models.SSHResult{CommandRun: true}, nil
}

func (m *mockSSH) TestConnection(ctx context.Context, target models.SSHTarget) (*models.SSHResult, error) {
	return &models.SSHResult{CommandRun: true, Output: "OK"}, nil
}

type mockBootstrap struct {
	ensureFunc           func(ctx context.Context, item models.BackupItem) error
	validateHostnameFunc func(ctx context.Context, item models.BackupItem) error
}

func (m *mockBootstrap) Ensure(ctx context.Context, item models.BackupItem) error {
	if m.ensureFunc != nil {
		return m.ensureFunc(ctx, item)
	}
	return nil
}

func (m *mockBootstrap) ValidateHostname(ctx context.Context, item models.BackupItem) error {
	if m.validateHostnameFunc != nil {
		return m.validateHostnameFunc(ctx, item)
	}
	return nil
}

type mockDump struct {
	prepareFunc        func(ctx context.Context, item models.BackupItem) (*models.DumpResult, error)
	cleanupPartialFunc func(item models.BackupItem) (int, error)
}

func (m *mockDump) Prepare(ctx context.Context, item models.BackupItem) (*models.DumpResult, error) {
	if m.prepareFunc != nil {
		return m.prepareFunc(ctx, item)
	}
	return &models.DumpResult{}, nil
}

func (m *mockDump) CleanupPartial(item models.BackupItem) (int, error) {
	if m.cleanupPartialFunc != nil {
		return m.cleanupPartialFunc(item)
	}
	return 0, nil
}

type mockRsync struct {
	hasBackupMarkerFunc func(ctx context.Context, item models.BackupItem) (bool, error)
}

func (m *mockRsync) HasBackupMarker(ctx context.Context, item models.BackupItem) (bool, error) {
	if m.hasBackupMarkerFunc != nil {
		return m.hasBackupMarkerFunc(ctx, item)
	}
	return true, nil
}

type rsnapshotCall struct {
	mode     models.Mode
	watchdog bool
	config   string
}

// mockRsnapshot keeps the last written config so each Run can be matched
// to the item it was rendered for.
type mockRsnapshot struct {
	runFunc    func(ctx context.Context, confPath string, mode models.Mode, watchdog bool) (*models.RsnapshotResult, error)
	lastConfig string
	calls      []rsnapshotCall
}

func (m *mockRsnapshot) WriteConfig(path, content string) error {
	m.lastConfig = content
	return nil
}

func (m *mockRsnapshot) WritePasswordFile(path, password string) error {
	return os.WriteFile(path, []byte(password), 0o600)
}

func (m *mockRsnapshot) RemovePasswordFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *mockRsnapshot) Run(ctx context.Context, confPath string, mode models.Mode, watchdog bool) (*models.RsnapshotResult, error) {
	m.calls = append(m.calls, rsnapshotCall{mode: mode, watchdog: watchdog, config: m.lastConfig})
	if m.runFunc != nil {
		return m.runFunc(ctx, confPath, mode, watchdog)
	}
	return &models.RsnapshotResult{}, nil
}

func (m *mockRsnapshot) roots() []string {
	var roots []string
	for _, c := range m.calls {
		for _, line := range strings.Split(c.config, "\n") {
			if strings.HasPrefix(line, "snapshot_root\t") {
				roots = append(roots, strings.TrimPrefix(line, "snapshot_root\t"))
			}
		}
	}
	return roots
}

type mockWOL struct {
	wakeFunc func(ctx context.Context, cfg models.WakeConfig, address string) (*models.WakeResult, error)
}

func (m *mockWOL) Wake(ctx context.Context, cfg models.WakeConfig, address string) (*models.WakeResult, error) {
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg, address)
	}
	return &models.WakeResult{PacketSent: true, TargetReady: true}, nil
}

type mockTelegram struct {
	sendNotificationFunc func(ctx context.Context, cfg models.TelegramConfig, summary models.RunSummary) (*models.TelegramResult, error)
}

func (m *mockTelegram) SendNotification(ctx context.Context, cfg models.TelegramConfig, summary models.RunSummary) (*models.TelegramResult, error) {
	if m.sendNotificationFunc != nil {
		return m.sendNotificationFunc(ctx, cfg, summary)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

type mockMetrics struct {
	exportFunc func(dir string, summary models.RunSummary) (string, error)
}

func (m *mockMetrics) Export(dir string, summary models.RunSummary) (string, error) {
	if m.exportFunc != nil {
		return m.exportFunc(dir, summary)
	}
	return filepath.Join(dir, "gorsnapshot.prom"), nil
}

// Helpers

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fixture struct {
	hook      *mockHook
	ssh       *mockSSH
	bootstrap *mockBootstrap
	dump      *mockDump
	rsync     *mockRsync
	rsnapshot *mockRsnapshot
	wol       *mockWOL
	telegram  *mockTelegram
	metrics   *mockMetrics
}

func newFixture() *fixture {
	return &fixture{
		hook:      &mockHook{},
		ssh:       &mockSSH{},
		bootstrap: &mockBootstrap{},
		dump:      &mockDump{},
		rsync:     &mockRsync{},
		rsnapshot: &mockRsnapshot{},
		wol:       &mockWOL{},
		telegram:  &mockTelegram{},
		metrics:   &mockMetrics{},
	}
}

func (f *fixture) runner() *Impl {
	return NewWithServices(testLogger(), Services{
		Hook:      f.hook,
		SSH:       f.ssh,
		Bootstrap: f.bootstrap,
		Dump:      f.dump,
		Rsync:     f.rsync,
		Rsnapshot: f.rsnapshot,
		WOL:       f.wol,
		Telegram:  f.telegram,
		Metrics:   f.metrics,
		Hostname:  func() (string, error) { return "backup1", nil },
	}, false)
}

func testConfig(t *testing.T, items ...models.BackupItem) *models.Config {
	dir := t.TempDir()
	return &models.Config{
		Enabled: true,
		Items:   items,
		Paths: models.PathSettings{
			WorkDir:           dir,
			RsnapshotConf:     filepath.Join(dir, "rsnapshot.conf"),
			RsnapshotPasswd:   filepath.Join(dir, "rsnapshot.passwd"),
			RsnapshotLog:      filepath.Join(dir, "rsnapshot.log"),
			RsnapshotLockfile: filepath.Join(dir, "rsnapshot.pid"),
			LockFile:          filepath.Join(dir, "run.lock"),
		},
	}
}

func sshItem(number int, host string) models.BackupItem {
	return models.BackupItem{
		Number:  number,
		Enabled: true,
		Host:    host,
		Type:    models.TypeRsyncSSH,
		Path:    "/backup/" + host,
		Connect: host + ".example.com",
		Source:  "/srv",
	}
}

func dbItem(number int, host string) models.BackupItem {
	item := sshItem(number, host)
	item.Type = models.TypeMySQLSSH
	item.Source = models.SourceAll
	return item
}

func nativeItem(number int, host string) models.BackupItem {
	return models.BackupItem{
		Number:          number,
		Enabled:         true,
		Host:            host,
		Type:            models.TypeRsyncNative,
		Path:            "/backup/" + host,
		Connect:         host,
		Source:          "/c",
		ConnectPassword: "s3cret",
	}
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

// Tests

func TestRun_AllItemsSucceed(t *testing.T) {
	f := newFixture()
	cfg := testConfig(t, sshItem(1, "web1"), dbItem(2, "db1"), nativeItem(3, "win1"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, "backup1", summary.Hostname)
	require.Len(t, summary.Results, 3)
	for _, r := range summary.Results {
		assert.Equal(t, models.StatusCompleted, r.Status, "item %d", r.Number)
	}
	assert.Equal(t, []string{"/backup/web1", "/backup/db1", "/backup/win1"}, f.rsnapshot.roots())
}

func TestRun_FailingCheckIsolatesItem(t *testing.T) {
	f := newFixture()
	f.hook.runLocalFunc = func(ctx context.Context, command string) (*models.HookResult, error) {
		if command == "test -d /mnt/nas" {
			return &models.HookResult{Command: command, ExitCode: 1, Error: errors.New("hook exited with code 1")}, nil
		}
		return &models.HookResult{Command: command}, nil
	}

	second := sshItem(2, "web2")
	second.BeforeBackupCheck = "test -d /mnt/nas"
	third := sshItem(3, "web3")
	third.BeforeBackupCheck = "true"
	cfg := testConfig(t, sshItem(1, "web1"), second, third)

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, []string{"/backup/web1", "/backup/web3"}, f.rsnapshot.roots())

	require.Len(t, summary.Results, 3)
	assert.Equal(t, models.StatusCompleted, summary.Results[0].Status)
	assert.Equal(t, models.StatusSkipped, summary.Results[1].Status)
	assert.Equal(t, 1, summary.Results[1].Errors)
	assert.Contains(t, summary.Results[1].Reason, "before_backup_check")
	assert.Equal(t, models.StatusCompleted, summary.Results[2].Status)
}

func TestRun_CheckGatesRotation(t *testing.T) {
	f := newFixture()
	f.hook.runLocalFunc = func(ctx context.Context, command string) (*models.HookResult, error) {
		return &models.HookResult{ExitCode: 2, Error: errors.New("exit 2")}, nil
	}

	item := sshItem(1, "web1")
	item.BeforeBackupCheck = "false"
	cfg := testConfig(t, item)

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeRotateDaily, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Empty(t, f.rsnapshot.calls)
}

func TestRun_RotationDedupByPath(t *testing.T) {
	f := newFixture()

	shared1 := sshItem(1, "web1")
	shared2 := dbItem(2, "db1")
	shared2.Path = shared1.Path
	cfg := testConfig(t, shared1, shared2, sshItem(3, "web3"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeRotateWeekly, models.Filter{})

	require.NoError(t, err)
	assert.Equal(t, []string{"/backup/web1", "/backup/web3"}, f.rsnapshot.roots())
	for _, c := range f.rsnapshot.calls {
		assert.Equal(t, models.ModeRotateWeekly, c.mode)
		assert.False(t, c.watchdog)
		assert.Contains(t, c.config, "backup\t\t/etc/\t\trsnapshot/")
	}

	require.Len(t, summary.Results, 3)
	assert.Equal(t, models.StatusSkipped, summary.Results[1].Status)
	assert.Equal(t, "path already rotated", summary.Results[1].Reason)
	assert.Equal(t, 0, summary.Results[1].Errors)
}

func TestRun_RotationDoesNotTouchRemotes(t *testing.T) {
	f := newFixture()
	f.bootstrap.ensureFunc = func(ctx context.Context, item models.BackupItem) error {
		t.Fatal("bootstrap must not run on rotation")
		return nil
	}
	f.dump.prepareFunc = func(ctx context.Context, item models.BackupItem) (*models.DumpResult, error) {
		t.Fatal("dump must not run on rotation")
		return nil, nil
	}

	cfg := testConfig(t, dbItem(1, "db1"), nativeItem(2, "win1"))
	_, err := f.runner().Run(context.Background(), cfg, models.ModeRotateHourly, models.Filter{})

	require.NoError(t, err)
	assert.Len(t, f.rsnapshot.calls, 2)
}

func TestRun_DisabledAndFilteredItems(t *testing.T) {
	f := newFixture()

	disabled := sshItem(2, "web2")
	disabled.Enabled = false
	cfg := testConfig(t, sshItem(1, "web1"), disabled, sshItem(3, "web3"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{ItemNumber: intPtr(3)})

	require.NoError(t, err)
	assert.Equal(t, []string{"/backup/web3"}, f.rsnapshot.roots())
	require.Len(t, summary.Results, 1)
	assert.Equal(t, 3, summary.Results[0].Number)
	assert.Equal(t, models.StatusCompleted, summary.Results[0].Status)
}

func TestRun_ItemsOutsideRunAreNotCounted(t *testing.T) {
	f := newFixture()
	var exported models.RunSummary
	f.metrics.exportFunc = func(dir string, summary models.RunSummary) (string, error) {
		exported = summary
		return "", nil
	}

	disabled := sshItem(4, "web4")
	disabled.Enabled = false
	cfg := testConfig(t, sshItem(1, "web1"), sshItem(2, "web2"), sshItem(3, "web3"), disabled)
	cfg.Metrics.TextfileDir = t.TempDir()

	_, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{ItemNumber: intPtr(2)})

	require.NoError(t, err)
	require.Len(t, exported.Results, 1)
	assert.Equal(t, "web2", exported.Results[0].Host)
	assert.Equal(t, models.StatusCompleted, exported.Results[0].Status)
}

func TestRun_TransferUsesConfiguredIdentity(t *testing.T) {
	f := newFixture()
	cfg := testConfig(t, sshItem(1, "web1"), dbItem(2, "db1"))
	cfg.SSH.IdentityFile = "/etc/gorsnapshot/backup_key"

	_, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.NoError(t, err)
	require.Len(t, f.rsnapshot.calls, 2)
	for _, c := range f.rsnapshot.calls {
		assert.Contains(t, c.config, "ssh_args\t-o BatchMode=yes -o StrictHostKeyChecking=no -i /etc/gorsnapshot/backup_key -p 22\n")
	}
}

func TestRun_HostFilter(t *testing.T) {
	f := newFixture()
	cfg := testConfig(t, sshItem(1, "web1"), sshItem(2, "web2"))

	_, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{Host: "web2"})

	require.NoError(t, err)
	assert.Equal(t, []string{"/backup/web2"}, f.rsnapshot.roots())
}

func TestRun_UnknownType(t *testing.T) {
	f := newFixture()
	item := sshItem(1, "ftp1")
	item.Type = "FTP"
	cfg := testConfig(t, item, sshItem(2, "web2"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.StatusFailed, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Reason, "unknown item type")
	assert.Equal(t, []string{"/backup/web2"}, f.rsnapshot.roots())
}

func TestRun_InvalidItem(t *testing.T) {
	f := newFixture()
	item := sshItem(1, "web1")
	item.Path = "relative/path"
	cfg := testConfig(t, item)

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, summary.Results[0].Status)
	assert.Empty(t, f.rsnapshot.calls)
}

func TestRun_BootstrapFailure(t *testing.T) {
	f := newFixture()
	f.bootstrap.ensureFunc = func(ctx context.Context, item models.BackupItem) error {
		return errors.New("ssh without password failed")
	}
	cfg := testConfig(t, sshItem(1, "web1"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.StatusSkipped, summary.Results[0].Status)
	assert.Empty(t, f.rsnapshot.calls)
}

func TestRun_HostnameValidation(t *testing.T) {
	t.Run("mismatch skips item", func(t *testing.T) {
		f := newFixture()
		f.bootstrap.validateHostnameFunc = func(ctx context.Context, item models.BackupItem) error {
			return errors.New(`remote hostname mismatch: received "db2", expected "db1"`)
		}
		cfg := testConfig(t, sshItem(1, "db1"))

		summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

		require.Error(t, err)
		assert.Equal(t, 1, summary.Errors)
		assert.Equal(t, models.StatusSkipped, summary.Results[0].Status)
		assert.Contains(t, summary.Results[0].Reason, `received "db2"`)
		assert.Empty(t, f.rsnapshot.calls)
	})

	t.Run("disabled validation is not called", func(t *testing.T) {
		f := newFixture()
		f.bootstrap.validateHostnameFunc = func(ctx context.Context, item models.BackupItem) error {
			t.Fatal("hostname validation must not run")
			return nil
		}
		item := sshItem(1, "db1")
		item.ValidateHostname = boolPtr(false)
		cfg := testConfig(t, item)

		_, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

		require.NoError(t, err)
		assert.Len(t, f.rsnapshot.calls, 1)
	})
}

func TestRun_ConnectIsResolved(t *testing.T) {
	f := newFixture()
	var seen models.BackupItem
	f.bootstrap.ensureFunc = func(ctx context.Context, item models.BackupItem) error {
		seen = item
		return nil
	}

	item := sshItem(1, "web1")
	item.Connect = "10.0.0.5:2222"
	cfg := testConfig(t, item)

	_, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", seen.ConnectHost)
	assert.Equal(t, 2222, seen.ConnectPort)
	assert.Equal(t, "root", seen.ConnectUser)
	require.Len(t, f.rsnapshot.calls, 1)
	assert.Contains(t, f.rsnapshot.calls[0].config, "-p 2222")
	assert.Contains(t, f.rsnapshot.calls[0].config, "root@10.0.0.5:/srv/")
}

func TestRun_DumpFailureSkipsSync(t *testing.T) {
	f := newFixture()
	cleaned := false
	f.dump.prepareFunc = func(ctx context.Context, item models.BackupItem) (*models.DumpResult, error) {
		return &models.DumpResult{Error: errors.New("remote command exited with status 1")}, nil
	}
	f.dump.cleanupPartialFunc = func(item models.BackupItem) (int, error) {
		cleaned = true
		return 0, nil
	}
	cfg := testConfig(t, dbItem(1, "db1"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.True(t, cleaned)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.StatusFailed, summary.Results[0].Status)
	assert.Empty(t, f.rsnapshot.calls)
}

func TestRun_CleanupFailureCountsButContinues(t *testing.T) {
	f := newFixture()
	f.dump.cleanupPartialFunc = func(item models.BackupItem) (int, error) {
		return 0, errors.New("permission denied")
	}
	cfg := testConfig(t, dbItem(1, "db1"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.StatusCompleted, summary.Results[0].Status)
	assert.Len(t, f.rsnapshot.calls, 1)
}

func TestRun_RemoteHooks(t *testing.T) {
	f := newFixture()
	var commands []string
	f.ssh.runFunc = func(ctx context.Context, target models.SSHTarget, cmd string) (*models.SSHResult, error) {
		commands = append(commands, cmd)
		if cmd == "umount /mnt/snap" {
			return &models.SSHResult{CommandRun: true, ExitStatus: 1, Error: errors.New("remote command exited with status 1")}, nil
		}
		return &models.SSHResult{CommandRun: true}, nil
	}

	item := sshItem(1, "web1")
	item.ExecBeforeRsync = "mount /mnt/snap"
	item.ExecAfterRsync = "umount /mnt/snap"
	cfg := testConfig(t, item)

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, []string{"mount /mnt/snap", "umount /mnt/snap"}, commands)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.StatusCompleted, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Reason, "exec_after_rsync")
	assert.Len(t, f.rsnapshot.calls, 1)
}

func TestRun_AfterHookRunsWhenSyncFails(t *testing.T) {
	f := newFixture()
	afterRan := false
	f.ssh.runFunc = func(ctx context.Context, target models.SSHTarget, cmd string) (*models.SSHResult, error) {
		afterRan = true
		return &models.SSHResult{CommandRun: true}, nil
	}
	f.rsnapshot.runFunc = func(ctx context.Context, confPath string, mode models.Mode, watchdog bool) (*models.RsnapshotResult, error) {
		return &models.RsnapshotResult{ExitCode: 2, Error: errors.New("rsnapshot sync failed (exit code 2)")}, nil
	}

	item := sshItem(1, "web1")
	item.ExecAfterRsync = "systemctl start app"
	cfg := testConfig(t, item)

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.True(t, afterRan)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.StatusFailed, summary.Results[0].Status)
}

func TestRun_NativeCredentialHygiene(t *testing.T) {
	for _, fail := range []bool{false, true} {
		f := newFixture()
		cfg := testConfig(t, nativeItem(1, "win1"))
		passwd := cfg.Paths.RsnapshotPasswd

		_, statErr := os.Stat(passwd)
		require.True(t, os.IsNotExist(statErr))

		f.rsnapshot.runFunc = func(ctx context.Context, confPath string, mode models.Mode, watchdog bool) (*models.RsnapshotResult, error) {
			info, err := os.Stat(passwd)
			require.NoError(t, err, "password file must exist during the sync")
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
			data, _ := os.ReadFile(passwd)
			assert.Equal(t, "s3cret", string(data))
			if fail {
				return &models.RsnapshotResult{ExitCode: 1, Error: errors.New("rsnapshot sync failed")}, nil
			}
			return &models.RsnapshotResult{}, nil
		}

		summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

		if fail {
			require.Error(t, err)
			assert.Equal(t, 1, summary.Errors)
		} else {
			require.NoError(t, err)
		}
		require.Len(t, f.rsnapshot.calls, 1)
		assert.Contains(t, f.rsnapshot.calls[0].config, "--password-file="+passwd)
		assert.Contains(t, f.rsnapshot.calls[0].config, "rsync://root@win1:873/c/")

		_, statErr = os.Stat(passwd)
		assert.True(t, os.IsNotExist(statErr), "password file must be removed after the sync")
	}
}

func TestRun_NativeMissingPassword(t *testing.T) {
	f := newFixture()
	item := nativeItem(1, "win1")
	item.ConnectPassword = ""
	cfg := testConfig(t, item)

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, models.StatusSkipped, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Reason, "connect_password")
	assert.Empty(t, f.rsnapshot.calls)
	assert.NoFileExists(t, cfg.Paths.RsnapshotPasswd)
}

func TestRun_NativeMarkerCheck(t *testing.T) {
	f := newFixture()
	f.rsync.hasBackupMarkerFunc = func(ctx context.Context, item models.BackupItem) (bool, error) {
		return item.Number == 2, nil
	}

	missing := nativeItem(1, "win1")
	missing.NativeTxtCheck = boolPtr(true)
	present := nativeItem(2, "win2")
	present.NativeTxtCheck = boolPtr(true)
	cfg := testConfig(t, missing, present)

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.StatusSkipped, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Reason, ".backup not found")
	assert.Equal(t, []string{"/backup/win2"}, f.rsnapshot.roots())
}

func TestRun_NativeWatchdog(t *testing.T) {
	f := newFixture()
	limited := nativeItem(1, "win1")
	limited.Native10hLimit = boolPtr(true)
	cfg := testConfig(t, limited, nativeItem(2, "win2"), sshItem(3, "web3"))

	_, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.NoError(t, err)
	require.Len(t, f.rsnapshot.calls, 3)
	assert.True(t, f.rsnapshot.calls[0].watchdog)
	assert.False(t, f.rsnapshot.calls[1].watchdog)
	assert.False(t, f.rsnapshot.calls[2].watchdog)
}

func TestRun_Wake(t *testing.T) {
	f := newFixture()
	var addresses []string
	f.wol.wakeFunc = func(ctx context.Context, cfg models.WakeConfig, address string) (*models.WakeResult, error) {
		addresses = append(addresses, address)
		if cfg.MACAddress == "AA:BB:CC:DD:EE:02" {
			return &models.WakeResult{PacketSent: true, Error: errors.New("timeout waiting for win2:873")}, nil
		}
		return &models.WakeResult{PacketSent: true, TargetReady: true}, nil
	}

	awake := sshItem(1, "web1")
	awake.Wake = &models.WakeConfig{MACAddress: "AA:BB:CC:DD:EE:01"}
	asleep := nativeItem(2, "win2")
	asleep.Wake = &models.WakeConfig{MACAddress: "AA:BB:CC:DD:EE:02"}
	cfg := testConfig(t, awake, asleep)

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, []string{"web1.example.com:22", "win2:873"}, addresses)
	assert.Equal(t, models.StatusCompleted, summary.Results[0].Status)
	assert.Equal(t, models.StatusSkipped, summary.Results[1].Status)
	assert.Equal(t, []string{"/backup/web1"}, f.rsnapshot.roots())
}

func TestRun_PanicIsolatedToItem(t *testing.T) {
	f := newFixture()
	f.bootstrap.ensureFunc = func(ctx context.Context, item models.BackupItem) error {
		if item.Number == 1 {
			panic("boom")
		}
		return nil
	}
	cfg := testConfig(t, sshItem(1, "web1"), sshItem(2, "web2"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, models.StatusFailed, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Reason, "boom")
	assert.Equal(t, models.StatusCompleted, summary.Results[1].Status)
	assert.Equal(t, []string{"/backup/web2"}, f.rsnapshot.roots())
}

func TestRun_StartFailureIsFatalForItemOnly(t *testing.T) {
	f := newFixture()
	f.rsnapshot.runFunc = func(ctx context.Context, confPath string, mode models.Mode, watchdog bool) (*models.RsnapshotResult, error) {
		return nil, errors.New("starting rsnapshot: executable file not found in $PATH")
	}
	cfg := testConfig(t, sshItem(1, "web1"), sshItem(2, "web2"))

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Equal(t, 2, summary.Errors)
	assert.Len(t, f.rsnapshot.calls, 2)
}

func TestRun_Reporting(t *testing.T) {
	f := newFixture()
	var notified, exported *models.RunSummary
	f.telegram.sendNotificationFunc = func(ctx context.Context, cfg models.TelegramConfig, summary models.RunSummary) (*models.TelegramResult, error) {
		notified = &summary
		return &models.TelegramResult{Error: errors.New("telegram API returned status 500")}, nil
	}
	f.metrics.exportFunc = func(dir string, summary models.RunSummary) (string, error) {
		exported = &summary
		assert.Equal(t, "/var/lib/node_exporter", dir)
		return "", nil
	}

	cfg := testConfig(t, sshItem(1, "web1"))
	cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "1"}
	cfg.Metrics.TextfileDir = "/var/lib/node_exporter"

	summary, err := f.runner().Run(context.Background(), cfg, models.ModeSync, models.Filter{})

	require.NoError(t, err, "reporting failures never fail the run")
	require.NotNil(t, notified)
	require.NotNil(t, exported)
	assert.Equal(t, summary.Results, notified.Results)
	assert.Equal(t, models.ModeSync, exported.Mode)
	assert.GreaterOrEqual(t, summary.Duration, time.Duration(0))
}

func TestRun_NoReportingWhenUnconfigured(t *testing.T) {
	f := newFixture()
	f.telegram.sendNotificationFunc = func(ctx context.Context, cfg models.TelegramConfig, summary models.RunSummary) (*models.TelegramResult, error) {
		t.Fatal("telegram must not be called")
		return nil, nil
	}
	f.metrics.exportFunc = func(dir string, summary models.RunSummary) (string, error) {
		t.Fatal("metrics must not be exported")
		return "", nil
	}

	_, err := f.runner().Run(context.Background(), testConfig(t, sshItem(1, "web1")), models.ModeSync, models.Filter{})
	require.NoError(t, err)
}

func TestRun_CancelledContextStopsLoop(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.rsnapshot.runFunc = func(c context.Context, confPath string, mode models.Mode, watchdog bool) (*models.RsnapshotResult, error) {
		cancel()
		return &models.RsnapshotResult{}, nil
	}
	cfg := testConfig(t, sshItem(1, "web1"), sshItem(2, "web2"))

	summary, err := f.runner().Run(ctx, cfg, models.ModeSync, models.Filter{})

	require.Error(t, err)
	assert.Len(t, summary.Results, 1)
	assert.Len(t, f.rsnapshot.calls, 1)
}

func TestApplyDefaultsUsesDebug(t *testing.T) {
	f := newFixture()
	r := NewWithServices(testLogger(), Services{
		Hook:      f.hook,
		SSH:       f.ssh,
		Bootstrap: f.bootstrap,
		Dump:      f.dump,
		Rsync:     f.rsync,
		Rsnapshot: f.rsnapshot,
		Hostname:  func() (string, error) { return "backup1", nil },
	}, true)

	_, err := r.Run(context.Background(), testConfig(t, sshItem(1, "web1")), models.ModeSync, models.Filter{})

	require.NoError(t, err)
	require.Len(t, f.rsnapshot.calls, 1)
	assert.Contains(t, f.rsnapshot.calls[0].config, "verbose\t\t5")
	assert.Contains(t, f.rsnapshot.calls[0].config, "--human-readable --progress")
}

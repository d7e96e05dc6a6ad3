package runner

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/fgeck/gorsnapshot/internal/config"
	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/fgeck/gorsnapshot/internal/services/rsnapshot"
	"github.com/rs/zerolog"
)

// itemRun carries one item through the pipeline.
type itemRun struct {
	item models.BackupItem
	res  models.ItemResult
	log  zerolog.Logger
}

// skip ends the item before any transfer and counts one error.
func (r *itemRun) skip(reason string, err error) {
	r.log.Error().Err(err).Msg(reason)
	r.res.Status = models.StatusSkipped
	r.res.Errors++
	r.note(reason, err)
}

// fail ends the item and counts one error.
func (r *itemRun) fail(reason string, err error) {
	r.log.Error().Err(err).Msg(reason)
	r.res.Status = models.StatusFailed
	r.res.Errors++
	r.note(reason, err)
}

// warn counts one error and lets the item continue.
func (r *itemRun) warn(reason string, err error) {
	r.log.Error().Err(err).Msg(reason)
	r.res.Errors++
	r.note(reason, err)
}

func (r *itemRun) note(reason string, err error) {
	if r.res.Reason != "" {
		return
	}
	if err != nil {
		reason += ": " + err.Error()
	}
	r.res.Reason = reason
}

func (s *Impl) processItem(ctx context.Context, cfg *models.Config, state *models.RunState, raw models.BackupItem) (result models.ItemResult) {
	start := time.Now()
	r := &itemRun{
		item: raw,
		res:  models.ItemResult{Number: raw.Number, Host: raw.Host, Status: models.StatusCompleted},
		log:  s.logger.With().Int("number", raw.Number).Str("host", raw.Host).Logger(),
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("unexpected fault while processing item")
			r.res.Status = models.StatusFailed
			r.res.Errors++
			r.note("unexpected fault", fmt.Errorf("%v", p))
		}
		r.res.Duration = time.Since(start)
		result = r.res
	}()

	r.item = config.ApplyDefaults(raw, s.debug)
	if err := config.ValidateItem(r.item); err != nil {
		r.fail("invalid item configuration", err)
		return
	}

	// The check gates rotations as well as syncs.
	if r.item.BeforeBackupCheck != "" && !s.beforeBackupCheck(ctx, r) {
		return
	}

	if state.Mode.IsRotation() {
		s.rotate(ctx, cfg, state, r)
		return
	}

	switch {
	case r.item.Type.IsSSH():
		s.syncSSH(ctx, cfg, r)
	case r.item.Type == models.TypeRsyncNative:
		s.syncNative(ctx, cfg, r)
	default:
		r.fail("unknown item type", fmt.Errorf("type %q", r.item.Type))
	}
	return
}

func (s *Impl) beforeBackupCheck(ctx context.Context, r *itemRun) bool {
	r.log.Info().Str("command", r.item.BeforeBackupCheck).Msg("executing local before_backup_check")

	result, err := s.svc.Hook.RunLocal(ctx, r.item.BeforeBackupCheck)
	if err != nil {
		r.skip("local execution of before_backup_check failed", err)
		return false
	}
	if result.Error != nil {
		r.skip("local execution of before_backup_check failed, not doing sync", result.Error)
		return false
	}

	r.log.Info().Msg("local execution of before_backup_check succeeded")
	return true
}

// rotate runs the rotation once per distinct snapshot root.
func (s *Impl) rotate(ctx context.Context, cfg *models.Config, state *models.RunState, r *itemRun) {
	if !state.MarkRotated(r.item.Path) {
		r.log.Info().Str("path", r.item.Path).Msg("path already rotated, skipping")
		r.res.Status = models.StatusSkipped
		r.res.Reason = "path already rotated"
		return
	}
	s.invoke(ctx, cfg, r, state.Mode, false)
}

func (s *Impl) syncSSH(ctx context.Context, cfg *models.Config, r *itemRun) {
	if !s.resolveConnect(r) || !s.wake(ctx, r) {
		return
	}

	if err := s.svc.Bootstrap.Ensure(ctx, r.item); err != nil {
		r.skip("SSH without password failed, skipping", err)
		return
	}

	if models.Flag(r.item.ValidateHostname) {
		if err := s.svc.Bootstrap.ValidateHostname(ctx, r.item); err != nil {
			r.skip("remote hostname validation failed, skipping", err)
			return
		}
	}

	if r.item.ExecBeforeRsync != "" {
		s.remoteHook(ctx, cfg, r, "exec_before_rsync", r.item.ExecBeforeRsync)
	}

	if r.item.Type.IsDatabase() && !s.prepareDump(ctx, r) {
		return
	}

	s.invoke(ctx, cfg, r, models.ModeSync, false)

	if r.item.ExecAfterRsync != "" {
		s.remoteHook(ctx, cfg, r, "exec_after_rsync", r.item.ExecAfterRsync)
	}
}

// prepareDump runs the remote dump and then clears partial transfers left by
// an interrupted earlier sync. It reports whether the sync may proceed.
func (s *Impl) prepareDump(ctx context.Context, r *itemRun) bool {
	ok := true
	result, err := s.svc.Dump.Prepare(ctx, r.item)
	switch {
	case err != nil:
		r.fail("remote dump failed, skipping", err)
		ok = false
	case result.Error != nil:
		r.fail("remote dump failed, skipping", result.Error)
		ok = false
	default:
		r.log.Info().Dur("duration", result.Duration).Msg("remote dump succeeded")
	}

	if _, err := s.svc.Dump.CleanupPartial(r.item); err != nil {
		r.warn("removing partially downloaded dumps failed", err)
	}
	return ok
}

func (s *Impl) syncNative(ctx context.Context, cfg *models.Config, r *itemRun) {
	if !s.resolveConnect(r) || !s.wake(ctx, r) {
		return
	}

	if r.item.ConnectPassword == "" {
		r.skip("connect_password is required for RSYNC_NATIVE, skipping", nil)
		return
	}

	if models.Flag(r.item.NativeTxtCheck) {
		ok, err := s.svc.Rsync.HasBackupMarker(ctx, r.item)
		if err != nil {
			r.skip("remote .backup check failed, skipping", err)
			return
		}
		if !ok {
			r.skip("remote .backup not found, skipping", nil)
			return
		}
		r.log.Info().Msg("remote .backup found")
	}

	passwd := cfg.Paths.RsnapshotPasswd
	if err := s.svc.Rsnapshot.WritePasswordFile(passwd, r.item.ConnectPassword); err != nil {
		r.fail("writing rsync password file failed", err)
		_ = s.svc.Rsnapshot.RemovePasswordFile(passwd)
		return
	}
	defer func() {
		if err := s.svc.Rsnapshot.RemovePasswordFile(passwd); err != nil {
			r.warn("removing rsync password file failed", err)
		}
	}()

	s.invoke(ctx, cfg, r, models.ModeSync, models.Flag(r.item.Native10hLimit))
}

// invoke renders the config for mode, writes it and runs rsnapshot.
func (s *Impl) invoke(ctx context.Context, cfg *models.Config, r *itemRun, mode models.Mode, watchdog bool) {
	content, err := rsnapshot.RenderConfig(r.item, mode, cfg.Paths, cfg.SSH)
	if err != nil {
		r.fail("rendering rsnapshot config failed", err)
		return
	}
	if err := s.svc.Rsnapshot.WriteConfig(cfg.Paths.RsnapshotConf, content); err != nil {
		r.fail("writing rsnapshot config failed", err)
		return
	}

	r.log.Info().Str("command", mode.Verb()).Msg("running rsnapshot")
	result, err := s.svc.Rsnapshot.Run(ctx, cfg.Paths.RsnapshotConf, mode, watchdog)
	if err != nil {
		r.fail("rsnapshot failed", err)
		return
	}
	if result.Error != nil {
		if result.TimedOut {
			r.log.Error().Msg("rsnapshot terminated by watchdog")
		}
		r.fail("rsnapshot failed", result.Error)
		return
	}

	r.log.Info().Dur("duration", result.Duration).Msg("rsnapshot succeeded")
}

func (s *Impl) remoteHook(ctx context.Context, cfg *models.Config, r *itemRun, name, command string) {
	r.log.Info().Str("command", command).Msgf("executing remote %s", name)

	result, err := s.svc.SSH.Run(ctx, r.item.SSHTarget(cfg.SSH), command)
	if err != nil {
		r.warn(fmt.Sprintf("remote execution of %s failed", name), err)
		return
	}
	if result.Error != nil {
		r.log.Debug().Str("output", result.Output).Msg(name + " output")
		r.warn(fmt.Sprintf("remote execution of %s failed", name), result.Error)
		return
	}

	r.log.Info().Msgf("remote execution of %s succeeded", name)
}

func (s *Impl) resolveConnect(r *itemRun) bool {
	host, port, err := config.ParseConnect(r.item.Connect, config.DefaultPort(r.item.Type))
	if err != nil {
		r.fail("invalid connect", err)
		return false
	}
	r.item.ConnectHost = host
	r.item.ConnectPort = port
	return true
}

func (s *Impl) wake(ctx context.Context, r *itemRun) bool {
	if r.item.Wake == nil || s.svc.WOL == nil {
		return true
	}

	address := net.JoinHostPort(r.item.ConnectHost, strconv.Itoa(r.item.ConnectPort))
	result, err := s.svc.WOL.Wake(ctx, *r.item.Wake, address)
	if err != nil {
		r.skip("Wake-on-LAN failed, skipping", err)
		return false
	}
	if result.Error != nil {
		r.skip("Wake-on-LAN failed, skipping", result.Error)
		return false
	}

	r.log.Info().
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")
	return true
}

package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"ApkExtractor/pkg/adb"
	"ApkExtractor/pkg/bundle"
	"ApkExtractor/pkg/types"
)

// ========================================
// Operation Orchestrator - 操作编排 (loop only)
// ========================================

func (a *App) requireConnected(op string) error {
	if a.state.conn != types.StateConnected {
		return fmt.Errorf("%s: %w", op, types.ErrNotConnected)
	}
	return nil
}

// operationFailed surfaces a failed step. Unauthorized always drops the connection.
func (a *App) operationFailed(category string, err error, resetArtifact bool) {
	if resetArtifact {
		a.state.clearArtifact()
	}
	if types.KindOf(err) == types.KindUnauthorized {
		a.failConnection(err)
		return
	}
	a.emitError(LevelError, category, err)
}

// beginPushAndRun pushes the local script, then runs it. A failed push never executes.
func (a *App) beginPushAndRun(ctx context.Context, local, remote, target string, done func(types.ScriptResult, error)) error {
	if err := a.requireConnected("push"); err != nil {
		return err
	}
	if remote == "" {
		remote = a.remoteScript
	}
	info, err := os.Stat(local)
	if err != nil {
		return types.WrapError(types.KindPathNotFound, "push", err)
	}
	if info.IsDir() {
		return types.NewError(types.KindPathNotFound, "push", local+" is a directory")
	}

	op, err := a.slots.acquire(ctx, types.SlotPush, func(err error) {
		a.state.clearArtifact()
		done(types.ScriptResult{}, err)
	})
	if err != nil {
		return err
	}

	LogUserAction(ActionScriptPush, a.state.deviceID, map[string]interface{}{"local": local, "remote": remote})
	OpLog().Str("local", local).Str("remote", remote).Msg("Pushing script")
	a.dispatch(op, adb.Push(local, remote).WithSerial(a.state.deviceID), func(res types.CommandResult) {
		a.slots.release(op)
		if !res.Success() {
			err := adb.PushRules.Error("push", res)
			a.operationFailed("push", err, true)
			done(types.ScriptResult{}, err)
			return
		}
		a.logEvent(LevelSuccess, "push", fmt.Sprintf("pushed %s to %s", filepath.Base(local), remote))
		if a.cache != nil {
			a.cache.SetLastScript(local, remote)
		}
		if err := a.beginExecute(ctx, remote, target, done); err != nil {
			a.operationFailed("execute", err, true)
			done(types.ScriptResult{}, err)
		}
	})
	return nil
}

// beginExecute runs the device script and looks for the "Extracted: <path>.apk" marker.
// Without the marker the run is ambiguous: no error, but no artifact either.
func (a *App) beginExecute(ctx context.Context, remote, target string, done func(types.ScriptResult, error)) error {
	if err := a.requireConnected("execute"); err != nil {
		return err
	}
	if remote == "" {
		remote = a.remoteScript
	}

	op, err := a.slots.acquire(ctx, types.SlotExecute, func(err error) {
		a.state.clearArtifact()
		done(types.ScriptResult{}, err)
	})
	if err != nil {
		return err
	}

	LogUserAction(ActionScriptRun, a.state.deviceID, map[string]interface{}{"script": remote, "target": target})
	OpLog().Str("script", remote).Str("target", target).Msg("Running script")
	a.dispatch(op, adb.RunScript(remote, target).WithSerial(a.state.deviceID), func(res types.CommandResult) {
		a.slots.release(op)
		result := types.ScriptResult{Stdout: res.Stdout, Elapsed: res.Elapsed}
		if !res.Success() {
			err := adb.ExecuteRules.Error("execute", res)
			a.operationFailed("execute", err, true)
			done(result, err)
			return
		}

		artifact, ok := adb.ParseExtractedPath(res.Stdout)
		if !ok {
			a.state.clearArtifact()
			a.logEvent(LevelWarn, "execute", "script finished but printed no \"Extracted: <path>.apk\" line, nothing is ready to download")
			done(result, nil)
			return
		}
		a.state.artifact = artifact
		result.Ready, result.ArtifactPath = true, artifact
		if a.cache != nil && target != "" {
			a.cache.SetLastTarget(target)
		}
		a.logEvent(LevelSuccess, "execute", "apk extracted on device: "+artifact)
		done(result, nil)
	})
	return nil
}

// beginList refreshes the package list. The list is replaced wholesale on success.
func (a *App) beginList(ctx context.Context, done func([]types.PackageEntry, error)) error {
	if err := a.requireConnected("list"); err != nil {
		return err
	}
	op, err := a.slots.acquire(ctx, types.SlotList, func(err error) {
		done(nil, err)
	})
	if err != nil {
		return err
	}

	deviceID := a.state.deviceID
	LogUserAction(ActionPackageList, deviceID, nil)
	a.dispatch(op, adb.ListPackages().WithSerial(deviceID), func(res types.CommandResult) {
		a.slots.release(op)
		if !res.Success() {
			err := adb.ListRules.Error("list", res)
			a.operationFailed("list", err, false)
			done(nil, err)
			return
		}
		entries := adb.ParsePackages(res.Stdout)
		a.state.packages = entries
		if a.cache != nil {
			a.cache.SetPackages(deviceID, entries)
		}
		a.logEvent(LevelInfo, "list", fmt.Sprintf("found %d packages", len(entries)))
		done(append([]types.PackageEntry(nil), entries...), nil)
	})
	return nil
}

// beginDownload chains size-check and pull, with the progress monitor running
// during the pull and the archive resolver after it.
func (a *App) beginDownload(ctx context.Context, remote, local string, done func(types.DownloadResult, error)) error {
	if err := a.requireConnected("pull"); err != nil {
		return err
	}
	if remote == "" {
		remote = a.state.artifact
	}
	if remote == "" {
		return types.ErrNoArtifact
	}
	local, err := resolveLocalPath(remote, local, a.downloadDir)
	if err != nil {
		return types.WrapError(types.KindPathNotFound, "pull", err)
	}
	if a.slots.busy(types.SlotPull) {
		return types.ErrSlotBusy
	}

	sizeOp, err := a.slots.acquire(ctx, types.SlotSizeCheck, func(err error) {
		done(types.DownloadResult{}, err)
	})
	if err != nil {
		return err
	}

	deviceID := a.state.deviceID
	LogUserAction(ActionFilePull, deviceID, map[string]interface{}{"remote": remote, "local": local})
	a.dispatch(sizeOp, adb.StatSize(remote).WithSerial(deviceID), func(res types.CommandResult) {
		a.slots.release(sizeOp)
		if !res.Success() {
			err := adb.PullRules.Error("size-check", res)
			a.operationFailed("size-check", err, true)
			done(types.DownloadResult{}, err)
			return
		}
		total, err := adb.ParseSize(res.Stdout)
		if err != nil {
			a.operationFailed("size-check", err, true)
			done(types.DownloadResult{}, err)
			return
		}
		a.startPull(ctx, deviceID, remote, local, total, done)
	})
	return nil
}

func (a *App) startPull(ctx context.Context, deviceID, remote, local string, total int64, done func(types.DownloadResult, error)) {
	pullOp, err := a.slots.acquire(ctx, types.SlotPull, func(err error) {
		a.stopTransfer()
		RecordDownload(0, err)
		done(types.DownloadResult{}, err)
	})
	if err != nil {
		a.emitError(LevelError, "pull", err)
		done(types.DownloadResult{}, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		a.slots.release(pullOp)
		werr := types.WrapError(types.KindPathNotFound, "pull", err)
		a.operationFailed("pull", werr, false)
		done(types.DownloadResult{}, werr)
		return
	}

	a.state.transfer = &types.TransferState{ExpectedTotalBytes: total, LocalDestinationPath: local}
	a.startMonitor(pullOp, local, total)
	TransferLog().Str("remote", remote).Str("local", local).Int64("bytes", total).Msg("Pull started")
	a.logEvent(LevelInfo, "pull", fmt.Sprintf("downloading %s (%s)", path.Base(remote), formatBytes(total)))

	started := time.Now()
	a.dispatch(pullOp, adb.Pull(remote, local).WithSerial(deviceID), func(res types.CommandResult) {
		a.stopTransfer()
		if !res.Success() {
			a.slots.release(pullOp)
			err := adb.PullRules.Error("pull", res)
			RecordDownload(0, err)
			a.operationFailed("pull", err, true)
			done(types.DownloadResult{}, err)
			return
		}

		bytes := total
		if info, err := os.Stat(local); err == nil {
			bytes = info.Size()
		}
		a.emitProgress(ProgressReport{Percent: 100, Current: bytes, Total: total})
		RecordDownload(bytes, nil)

		result := types.DownloadResult{
			RemotePath: remote,
			LocalPath:  local,
			Bytes:      bytes,
			Elapsed:    time.Since(started),
		}
		a.logEvent(LevelSuccess, "pull", "saved to "+local)
		if a.cache != nil {
			a.cache.SetDownloadDir(filepath.Dir(local))
		}

		if !bundle.IsBundle(local) {
			a.slots.release(pullOp)
			done(result, nil)
			return
		}
		a.resolveBundle(pullOp, result, done)
	})
}

// startMonitor polls the destination; reports reach the loop only while pullOp is live.
func (a *App) startMonitor(pullOp *PendingOperation, local string, total int64) {
	var m *ProgressMonitor
	m = NewProgressMonitor(local, total, a.progressInterval, func(r ProgressReport) {
		a.loop.post(func() {
			if a.monitor == m && a.slots.holds(pullOp) {
				a.emitProgress(r)
			}
		})
	})
	a.monitor = m
	m.Start()
}

// resolveBundle unpacks the pulled archive off the loop while the pull slot stays held.
func (a *App) resolveBundle(pullOp *PendingOperation, result types.DownloadResult, done func(types.DownloadResult, error)) {
	a.logEvent(LevelInfo, "bundle", "split bundle detected, looking for "+bundle.PrimaryEntry)
	archive := result.LocalPath

	go func() {
		outcome, err := bundle.Resolve(archive)
		a.loop.post(func() {
			if !a.slots.holds(pullOp) {
				return
			}
			a.slots.release(pullOp)
			RecordBundle(outcome, err)
			if err != nil {
				a.operationFailed("bundle", err, false)
				done(result, err)
				return
			}

			result.Outcome = &outcome
			ev := newEvent(EventOutcome)
			ev.Category = "bundle"
			ev.Outcome = &outcome
			if outcome.Complete() {
				ev.Level = LevelSuccess
				ev.Message = "extracted " + outcome.PrimaryPackagePath
			} else {
				ev.Level = LevelWarn
				ev.ErrKind = types.KindArchiveIncomplete
				ev.Message = strings.Join(outcome.Warnings, "; ")
			}
			a.emit(ev)
			done(result, nil)
		})
	}()
}

// resolveLocalPath picks the destination: an explicit file, a directory plus
// the remote base name, or the download directory.
func resolveLocalPath(remote, local, downloadDir string) (string, error) {
	name := path.Base(remote)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("cannot derive a file name from %q", remote)
	}
	if local == "" {
		dir := downloadDir
		if dir == "" {
			var err error
			if dir, err = os.Getwd(); err != nil {
				return "", err
			}
		}
		return filepath.Join(dir, name), nil
	}
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return filepath.Join(local, name), nil
	}
	if strings.HasSuffix(local, string(filepath.Separator)) {
		return filepath.Join(local, name), nil
	}
	return local, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

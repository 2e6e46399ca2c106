package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// RestartFunc restarts the host application onto the activated bundle.
// Implementations that replace the process never return on success.
type RestartFunc func(ctx context.Context, bundlePath string) error

// DirApplier activates staged bundles by rotating directory slots:
// previous is discarded, current becomes previous, staged becomes current.
type DirApplier struct {
	root    string
	restart RestartFunc
	logger  *zap.Logger
}

// NewDirApplier creates an applier over a bundle directory.
func NewDirApplier(root string, restart RestartFunc, logger *zap.Logger) *DirApplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirApplier{root: root, restart: restart, logger: logger}
}

// CurrentUpdateID returns the id of the active bundle, "" for the embedded one.
func (a *DirApplier) CurrentUpdateID(_ context.Context) (string, error) {
	m, err := readSlotManifest(a.root, slotCurrent)
	if err != nil || m == nil {
		return "", err
	}
	return m.ID, nil
}

// ApplyAndRestart promotes the staged bundle and restarts. When the restart
// fails the slots are rotated back so the running bundle stays current.
func (a *DirApplier) ApplyAndRestart(ctx context.Context) error {
	if a.restart == nil {
		return errors.New("no restart mechanism configured")
	}
	if !slotExists(a.root, slotStaged) {
		return errors.New("no staged bundle to apply")
	}
	if err := a.promote(); err != nil {
		return err
	}

	bundle := filepath.Join(slotPath(a.root, slotCurrent), bundleFileName)
	a.logger.Info("bundle activated, restarting", zap.String("bundle", bundle))
	if err := a.restart(ctx, bundle); err != nil {
		if rbErr := a.demote(); rbErr != nil {
			return fmt.Errorf("critical: restart failed and slot rollback failed: restart=%w, rollback=%v", err, rbErr)
		}
		return fmt.Errorf("restart failed: %w", err)
	}
	return nil
}

func (a *DirApplier) promote() error {
	current, previous, staged := slotPath(a.root, slotCurrent), slotPath(a.root, slotPrevious), slotPath(a.root, slotStaged)

	if err := os.RemoveAll(previous); err != nil {
		return fmt.Errorf("failed to clear previous bundle: %w", err)
	}
	hadCurrent := slotExists(a.root, slotCurrent)
	if hadCurrent {
		if err := os.Rename(current, previous); err != nil {
			return fmt.Errorf("failed to retire current bundle: %w", err)
		}
	}
	if err := os.Rename(staged, current); err != nil {
		if hadCurrent {
			_ = os.Rename(previous, current)
		}
		return fmt.Errorf("failed to activate staged bundle: %w", err)
	}
	return nil
}

// demote undoes promote: current goes back to staged, previous to current.
func (a *DirApplier) demote() error {
	current, previous, staged := slotPath(a.root, slotCurrent), slotPath(a.root, slotPrevious), slotPath(a.root, slotStaged)

	if err := os.RemoveAll(staged); err != nil {
		return err
	}
	if err := os.Rename(current, staged); err != nil {
		return err
	}
	if slotExists(a.root, slotPrevious) {
		return os.Rename(previous, current)
	}
	return nil
}

// ReexecSelf replaces the running process with a fresh copy of the current
// executable and arguments. The new process picks up the current bundle.
func ReexecSelf(_ context.Context, _ string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// SpawnBundle starts the activated bundle as a detached process with args.
// The caller is expected to exit after it returns.
func SpawnBundle(args ...string) RestartFunc {
	return func(_ context.Context, bundlePath string) error {
		if err := os.Chmod(bundlePath, 0755); err != nil {
			return fmt.Errorf("failed to chmod bundle: %w", err)
		}
		devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", os.DevNull, err)
		}
		defer devNull.Close()

		attr := &syscall.ProcAttr{
			Dir:   "/",
			Env:   os.Environ(),
			Files: []uintptr{devNull.Fd(), devNull.Fd(), devNull.Fd()},
			Sys:   &syscall.SysProcAttr{Setsid: true},
		}
		_, err = syscall.ForkExec(bundlePath, append([]string{bundlePath}, args...), attr)
		return err
	}
}

var _ domain.Applier = (*DirApplier)(nil)

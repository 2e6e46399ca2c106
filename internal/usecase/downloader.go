package usecase

import (
	"context"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// VerifyRuntimeVersionCompatibility reports whether manifest targets the
// running runtime. Versions must match exactly; empty on either side never
// matches.
func (m *Manager) VerifyRuntimeVersionCompatibility(manifest *domain.Manifest) bool {
	if manifest == nil {
		return false
	}
	return manifest.RuntimeVersion != "" &&
		m.build.RuntimeVersion != "" &&
		manifest.RuntimeVersion == m.build.RuntimeVersion
}

// versionDirection compares target against current when both parse as
// semantic versions. Returns "newer", "older", "equal" or "".
func versionDirection(current, target string) string {
	cv, err := semver.NewVersion(current)
	if err != nil {
		return ""
	}
	tv, err := semver.NewVersion(target)
	if err != nil {
		return ""
	}
	switch tv.Compare(cv) {
	case 1:
		return "newer"
	case -1:
		return "older"
	default:
		return "equal"
	}
}

// verifyLaunchAsset checks the launch asset hash of result. The hash must be
// present and a well-formed SHA-256 hex digest. When the bundle was written
// to disk, its content digest and size must match too.
func verifyLaunchAsset(result *domain.DownloadResult) error {
	if result == nil || result.Manifest == nil {
		return errors.New("download result has no manifest")
	}
	asset := result.Manifest.LaunchAsset
	if asset.Hash == "" {
		return errors.New("launch asset hash missing")
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(asset.Hash))
	if err := d.Validate(); err != nil {
		return fmt.Errorf("launch asset hash malformed: %w", err)
	}
	if result.BundlePath == "" {
		return nil
	}

	f, err := os.Open(result.BundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	verifier := d.Verifier()
	n, err := io.Copy(verifier, f)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("bundle digest does not match %s", d)
	}
	if asset.Size > 0 && n != asset.Size {
		return fmt.Errorf("bundle size %d does not match expected %d", n, asset.Size)
	}
	return nil
}

// VerifyDownloadIntegrity verifies result and, on failure, triggers a
// rollback for its update id.
func (m *Manager) VerifyDownloadIntegrity(ctx context.Context, result *domain.DownloadResult) bool {
	updateID := ""
	if result != nil && result.Manifest != nil {
		updateID = result.Manifest.ID
	}

	if err := verifyLaunchAsset(result); err != nil {
		m.logger.Error("integrity verification failed", zap.String("update_id", updateID), zap.Error(err))
		m.activity.Log(ctx, domain.ActivityIntegrityFailed, map[string]any{
			"updateId": updateID,
			"error":    err.Error(),
		})
		m.guard.TriggerRollback(ctx, ReasonIntegrityFailed, updateID)
		return false
	}

	m.activity.Log(ctx, domain.ActivityIntegrityVerified, map[string]any{
		"updateId": updateID,
		"hash":     result.Manifest.LaunchAsset.Hash,
	})
	return true
}

// DownloadUpdate fetches, verifies and records the newest bundle.
// Transient fetch failures are retried and then reported as (false, nil).
// Integrity failures return an error wrapping domain.ErrIntegrity, a failed
// pending-record write one wrapping domain.ErrPersistence.
func (m *Manager) DownloadUpdate(ctx context.Context, showProgress bool) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "ota.download", trace.WithAttributes(attribute.Bool("ota.show_progress", showProgress)))
	defer span.End()

	if !m.build.IsProductionBuild() {
		m.logger.Info("download skipped, OTA unavailable", zap.String("reason", m.build.UnavailableReason()))
		return false, nil
	}
	if !m.state.beginDownload() {
		m.activity.Log(ctx, domain.ActivityDownloadInFlight, nil)
		return false, nil
	}
	verified := false
	defer func() { m.state.endDownload(verified) }()

	if showProgress {
		m.inform(ctx, "Downloading Update", "Please wait while the latest version downloads...")
	}

	result, attempts, err := m.fetchBundle(ctx)
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("bundle fetch gave up", zap.Int("attempts", attempts), zap.Error(err))
		if showProgress {
			m.inform(ctx, "Update Failed", "Failed to download the update. Please try again later.")
		}
		return false, nil
	}

	if result == nil || !result.IsNew {
		m.activity.Log(ctx, domain.ActivityDownloadNoUpdate, map[string]any{"attempts": attempts})
		return false, nil
	}

	if result.Manifest != nil {
		id := result.Manifest.ID
		if rec, blocked := m.guard.Blockade(ctx, id); blocked {
			m.activity.Log(ctx, domain.ActivityUpdateBlocked, map[string]any{
				"updateId":  id,
				"reason":    rec.Reason,
				"expiresAt": rec.ExpiresAt,
			})
			return false, nil
		}
		if !m.VerifyRuntimeVersionCompatibility(result.Manifest) {
			m.activity.Log(ctx, domain.ActivitySkippedIncompatible, map[string]any{
				"updateId":        id,
				"manifestRuntime": result.Manifest.RuntimeVersion,
				"currentRuntime":  m.build.RuntimeVersion,
				"error":           domain.ErrIncompatibleRuntime.Error(),
			})
			return false, nil
		}
	}

	// A result without a manifest fails verification.
	if !m.VerifyDownloadIntegrity(ctx, result) {
		if showProgress {
			m.inform(ctx, "Update Failed", "The downloaded update failed verification and was discarded.")
		}
		return false, fmt.Errorf("%w: update %q", domain.ErrIntegrity, manifestID(result.Manifest))
	}

	rec := domain.PendingUpdateRecord{
		Manifest:     *result.Manifest,
		DownloadedAt: m.now(),
		Verified:     true,
		Attempt:      attempts,
		BundlePath:   result.BundlePath,
	}
	if err := m.store.SavePendingUpdate(ctx, rec); err != nil {
		span.RecordError(err)
		m.logger.Error("failed to record pending update", zap.String("update_id", rec.Manifest.ID), zap.Error(err))
		m.activity.Log(ctx, domain.ActivityDownloadFailed, map[string]any{
			"updateId": rec.Manifest.ID,
			"error":    err.Error(),
		})
		return false, err
	}

	verified = true
	m.activity.Log(ctx, domain.ActivityDownloadSuccess, map[string]any{
		"updateId": rec.Manifest.ID,
		"attempts": attempts,
	})
	return true, nil
}

func (m *Manager) fetchBundle(ctx context.Context) (*domain.DownloadResult, int, error) {
	if m.fetcher == nil {
		return nil, 0, errors.New("no bundle fetcher configured")
	}
	cfg := m.GetConfiguration()
	policy := newRetryPolicy(cfg.MaxRetries, cfg.RetryDelay)

	var result *domain.DownloadResult
	attempts, err := policy.run(ctx, func(attempt int) error {
		actx, cancel := context.WithTimeout(ctx, m.opts.DownloadTimeout)
		defer cancel()
		r, err := m.fetcher.FetchBundle(actx)
		if err != nil {
			m.activity.Log(ctx, domain.ActivityDownloadFailed, map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
		}
		result = r
		return nil
	}, func(err error, next time.Duration) {
		m.logger.Warn("bundle fetch failed, retrying", zap.Duration("next", next), zap.Error(err))
	})
	return result, attempts, err
}

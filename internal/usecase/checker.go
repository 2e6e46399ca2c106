package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// Reasons a check did not run.
const (
	SkipInFlight    = "in_flight"
	SkipThrottled   = "throttled"
	SkipUnavailable = "ota_unavailable"
)

// Reasons a completed check found nothing to offer.
const (
	ReasonNoUpdate     = "no_update"
	ReasonBlocked      = "blocked"
	ReasonIncompatible = "incompatible"
)

// CheckForUpdates runs one manifest check. A check already in flight, a
// throttled check and a non-production build all return a skipped outcome
// and no error. A failed fetch returns an error wrapping
// domain.ErrTransientNetwork. An accepted manifest is handed off to the
// prompt (showUI) or the downloader (AutoDownload) before returning.
func (m *Manager) CheckForUpdates(ctx context.Context, showUI, force bool) (domain.CheckOutcome, error) {
	ctx, span := m.tracer.Start(ctx, "ota.check", trace.WithAttributes(
		attribute.Bool("ota.show_ui", showUI),
		attribute.Bool("ota.force", force)))
	defer span.End()

	if !m.build.IsProductionBuild() {
		m.logger.Debug("check skipped, OTA unavailable", zap.String("reason", m.build.UnavailableReason()))
		return m.skipped(SkipUnavailable, m.build.UnavailableReason()), nil
	}

	cfg := m.GetConfiguration()
	if ok, skip := m.state.beginCheck(m.now(), cfg.CheckInterval, force); !ok {
		m.logger.Debug("check skipped", zap.String("skip", skip))
		return m.skipped(skip, ""), nil
	}
	available := false
	defer func() { m.state.endCheck(available) }()

	manifest, err := m.fetchManifestOnce(ctx)
	if err != nil {
		span.RecordError(err)
		m.activity.Log(ctx, domain.ActivityCheckFailed, map[string]any{"error": err.Error()})
		return domain.CheckOutcome{Err: err.Error(), RetryCount: m.state.snapshot().RetryCount},
			fmt.Errorf("%w: fetch manifest: %v", domain.ErrTransientNetwork, err)
	}

	m.activity.Log(ctx, domain.ActivityCheckSuccess, map[string]any{
		"available": manifest != nil,
		"updateId":  manifestID(manifest),
	})
	if manifest == nil {
		return domain.CheckOutcome{Reason: ReasonNoUpdate}, nil
	}
	span.SetAttributes(attribute.String("ota.update_id", manifest.ID))

	if rec, blocked := m.guard.Blockade(ctx, manifest.ID); blocked {
		m.activity.Log(ctx, domain.ActivityUpdateBlocked, map[string]any{
			"updateId":  manifest.ID,
			"reason":    rec.Reason,
			"expiresAt": rec.ExpiresAt,
		})
		return domain.CheckOutcome{Manifest: manifest, Reason: ReasonBlocked}, nil
	}

	if !m.VerifyRuntimeVersionCompatibility(manifest) {
		meta := map[string]any{
			"updateId":        manifest.ID,
			"manifestRuntime": manifest.RuntimeVersion,
			"currentRuntime":  m.build.RuntimeVersion,
			"error":           domain.ErrIncompatibleRuntime.Error(),
		}
		if dir := versionDirection(m.build.RuntimeVersion, manifest.RuntimeVersion); dir != "" {
			meta["direction"] = dir
		}
		m.activity.Log(ctx, domain.ActivitySkippedIncompatible, meta)
		return domain.CheckOutcome{Manifest: manifest, Reason: ReasonIncompatible}, nil
	}

	available = true
	m.activity.Log(ctx, domain.ActivityUpdateAvailable, map[string]any{
		"updateId": manifest.ID,
		"size":     manifest.LaunchAsset.Size,
	})
	m.handoff(ctx, manifest, showUI, cfg)
	return domain.CheckOutcome{Available: true, Manifest: manifest}, nil
}

// handoff routes an accepted manifest to the prompt or the downloader.
func (m *Manager) handoff(ctx context.Context, manifest *domain.Manifest, showUI bool, cfg domain.Configuration) {
	switch {
	case showUI && cfg.ShowNotifications:
		if m.declinedThisSession(ctx, manifest.ID) {
			m.activity.Log(ctx, domain.ActivityPromptSuppressed, map[string]any{"updateId": manifest.ID})
			return
		}
		if err := m.PromptUserForUpdate(ctx, manifest); err != nil {
			m.logger.Warn("prompt failed", zap.String("update_id", manifest.ID), zap.Error(err))
		}
	case cfg.AutoDownload:
		ok, err := m.DownloadUpdate(ctx, false)
		if err != nil {
			m.logger.Warn("auto download failed", zap.String("update_id", manifest.ID), zap.Error(err))
			return
		}
		if ok && cfg.AutoRestart {
			if err := m.RestartApp(ctx); err != nil {
				m.logger.Warn("auto restart failed", zap.Error(err))
			}
		}
	}
}

// CheckForUpdatesWithRetry runs CheckForUpdates with the bounded retry
// policy. Attempts after the first bypass the throttle. Exhaustion bumps
// the retry count and is reported in the outcome, never as an error.
func (m *Manager) CheckForUpdatesWithRetry(ctx context.Context, showUI, force bool) domain.CheckOutcome {
	cfg := m.GetConfiguration()
	policy := newRetryPolicy(cfg.MaxRetries, cfg.RetryDelay)

	var outcome domain.CheckOutcome
	attempts, err := policy.run(ctx, func(attempt int) error {
		o, err := m.CheckForUpdates(ctx, showUI, force || attempt > 1)
		outcome = o
		return err
	}, func(err error, next time.Duration) {
		m.logger.Warn("update check failed, retrying", zap.Duration("next", next), zap.Error(err))
	})
	outcome.Attempts = attempts

	switch {
	case outcome.Skipped != "":
		outcome.RetryCount = m.state.snapshot().RetryCount
	case err != nil:
		n := m.state.incRetryCount()
		outcome.RetryCount = n
		outcome.Err = err.Error()
		m.logger.Error("update check retries exhausted", zap.Int("attempts", attempts), zap.Error(err))
		m.activity.Log(ctx, domain.ActivityCheckRetriesExhausted, map[string]any{
			"attempts":   attempts,
			"retryCount": n,
			"error":      err.Error(),
		})
	default:
		m.state.setRetryCount(0)
		outcome.RetryCount = 0
	}
	return outcome
}

// ForceCheckForUpdates resets the throttle and checks with UI.
func (m *Manager) ForceCheckForUpdates(ctx context.Context) domain.CheckOutcome {
	if !m.build.IsProductionBuild() {
		m.inform(ctx, "OTA Updates Not Available",
			"Over-the-air updates are only available in production builds. Reason: "+m.build.UnavailableReason())
		return m.skipped(SkipUnavailable, m.build.UnavailableReason())
	}
	m.activity.Log(ctx, domain.ActivityManualCheck, nil)
	m.state.resetThrottle()
	return m.CheckForUpdatesWithRetry(ctx, true, true)
}

func (m *Manager) fetchManifestOnce(ctx context.Context) (*domain.Manifest, error) {
	if m.source == nil {
		return nil, errors.New("no manifest source configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()
	return m.source.FetchManifest(ctx)
}

func (m *Manager) skipped(skip, reason string) domain.CheckOutcome {
	return domain.CheckOutcome{
		Skipped:    skip,
		Reason:     reason,
		RetryCount: m.state.snapshot().RetryCount,
	}
}

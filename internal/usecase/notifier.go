package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

const updateDescription = "A new version of the app is available."

// FormatUpdateSize renders a byte count for the update prompt.
func FormatUpdateSize(size int64) string {
	const mb = 1024 * 1024
	switch {
	case size <= 0:
		return "Unknown"
	case size < mb:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/mb)
	}
}

// confirmationSink is the default NotificationSink. It presents a
// three-way confirmation and routes the answer to the handlers.
type confirmationSink struct {
	m *Manager
}

func (s confirmationSink) NotifyUpdate(ctx context.Context, notice domain.UpdateNotice) error {
	m := s.m
	manifest := notice.Manifest
	action, err := m.confirmer.Present(ctx, domain.Prompt{
		Title: "Update Available",
		Body: fmt.Sprintf("%s\n\nSize: %s\n\nWould you like to update now?",
			updateDescription, FormatUpdateSize(notice.Size)),
		Actions: []domain.PromptAction{domain.ActionDecline, domain.ActionPostpone, domain.ActionAccept},
	})
	if err != nil {
		return fmt.Errorf("present update prompt: %w", err)
	}

	switch action {
	case domain.ActionAccept:
		return m.HandleUserAccept(ctx, &manifest)
	case domain.ActionPostpone:
		return m.HandleUserPostpone(ctx, &manifest)
	default:
		return m.HandleUserDecline(ctx, &manifest)
	}
}

// SetNotificationSink replaces the default confirmation with sink.
// A nil sink restores the default.
func (m *Manager) SetNotificationSink(sink domain.NotificationSink) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	if sink == nil {
		m.sink = confirmationSink{m: m}
		return
	}
	m.sink = sink
}

func (m *Manager) notificationSink() domain.NotificationSink {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	return m.sink
}

// PromptUserForUpdate surfaces manifest through the installed sink.
func (m *Manager) PromptUserForUpdate(ctx context.Context, manifest *domain.Manifest) error {
	if manifest == nil {
		return errors.New("prompt: nil manifest")
	}
	m.activity.Log(ctx, domain.ActivityPromptShown, map[string]any{"updateId": manifest.ID})

	notice := domain.UpdateNotice{
		ID:          manifest.ID,
		Version:     manifest.RuntimeVersion,
		Size:        manifest.LaunchAsset.Size,
		Description: updateDescription,
		Manifest:    *manifest,
	}
	if err := m.notificationSink().NotifyUpdate(ctx, notice); err != nil {
		m.logger.Warn("update notification failed", zap.String("update_id", manifest.ID), zap.Error(err))
		return err
	}
	return nil
}

// HandleUserAccept downloads the update with progress and offers a restart.
func (m *Manager) HandleUserAccept(ctx context.Context, manifest *domain.Manifest) error {
	m.activity.Log(ctx, domain.ActivityUserAccepted, map[string]any{"updateId": manifestID(manifest)})

	ok, err := m.DownloadUpdate(ctx, true)
	if err != nil || !ok {
		return err
	}

	action, err := m.confirmer.Present(ctx, domain.Prompt{
		Title:   "Update Ready",
		Body:    "The update has been downloaded. The app will restart now.",
		Actions: []domain.PromptAction{domain.ActionRestart},
	})
	if err != nil {
		return fmt.Errorf("present restart prompt: %w", err)
	}
	if action != domain.ActionRestart {
		return nil
	}
	return m.RestartApp(ctx)
}

// HandleUserDecline records the decline so the id is not prompted again
// this session.
func (m *Manager) HandleUserDecline(ctx context.Context, manifest *domain.Manifest) error {
	id := manifestID(manifest)
	m.activity.Log(ctx, domain.ActivityUserDeclined, map[string]any{"updateId": id})
	return m.store.SaveDeclined(ctx, domain.DeclinedRecord{UpdateID: id, DeclinedAt: m.now()})
}

// HandleUserPostpone schedules a reminder after the configured delay.
func (m *Manager) HandleUserPostpone(ctx context.Context, manifest *domain.Manifest) error {
	if manifest == nil {
		return errors.New("postpone: nil manifest")
	}
	m.activity.Log(ctx, domain.ActivityUserPostponed, map[string]any{"updateId": manifest.ID})

	now := m.now()
	rec := domain.ReminderRecord{
		UpdateID:     manifest.ID,
		Manifest:     *manifest,
		ScheduledAt:  now,
		ScheduledFor: now.Add(m.GetConfiguration().ReminderDelay),
	}
	if err := m.store.SaveReminder(ctx, rec); err != nil {
		return err
	}
	m.activity.Log(ctx, domain.ActivityReminderScheduled, map[string]any{
		"updateId":     rec.UpdateID,
		"scheduledFor": rec.ScheduledFor,
	})
	return nil
}

// ProcessDueReminder fires a due reminder. The reminder is cleared first,
// then the update is re-validated: it must still be published, not
// declined, not blocked and runtime compatible. Returns whether a prompt
// was shown.
func (m *Manager) ProcessDueReminder(ctx context.Context) (bool, error) {
	rec, ok := m.store.Reminder(ctx)
	if !ok || !rec.Due(m.now()) {
		return false, nil
	}
	if err := m.store.ClearReminder(ctx); err != nil {
		return false, err
	}

	drop := func(reason string) (bool, error) {
		m.activity.Log(ctx, domain.ActivityReminderDropped, map[string]any{
			"updateId": rec.UpdateID,
			"reason":   reason,
		})
		return false, nil
	}

	if !m.build.IsProductionBuild() {
		return drop("ota_unavailable")
	}
	if declined, ok := m.store.Declined(ctx); ok && declined.UpdateID == rec.UpdateID {
		return drop("declined")
	}
	if m.guard.IsUpdateBlocked(ctx, rec.UpdateID) {
		return drop("blocked")
	}
	if !m.VerifyRuntimeVersionCompatibility(&rec.Manifest) {
		return drop("incompatible")
	}
	manifest, err := m.fetchManifestOnce(ctx)
	if err != nil {
		m.logger.Warn("reminder availability check failed", zap.Error(err))
		return drop("check_failed")
	}
	if manifest == nil || manifest.ID != rec.UpdateID {
		return drop("superseded")
	}

	m.activity.Log(ctx, domain.ActivityReminderTriggered, map[string]any{"updateId": rec.UpdateID})
	return true, m.PromptUserForUpdate(ctx, manifest)
}

// declinedThisSession reports whether id was declined since this manager
// started.
func (m *Manager) declinedThisSession(ctx context.Context, id string) bool {
	rec, ok := m.store.Declined(ctx)
	return ok && rec.UpdateID == id && !rec.DeclinedAt.Before(m.sessionStart)
}

// inform shows an informational notice. Failures are only logged.
func (m *Manager) inform(ctx context.Context, title, body string) {
	if _, err := m.confirmer.Present(ctx, domain.Prompt{Title: title, Body: body}); err != nil {
		m.logger.Debug("notice not shown", zap.String("title", title), zap.Error(err))
	}
}

func manifestID(manifest *domain.Manifest) string {
	if manifest == nil {
		return ""
	}
	return manifest.ID
}

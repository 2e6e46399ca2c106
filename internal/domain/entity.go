// Package domain contains core OTA entities and collaborator interfaces.
// This is the innermost layer - no external dependencies.
package domain

import "time"

// LaunchAsset describes the bundle a manifest points at.
type LaunchAsset struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

// Manifest is the metadata of an available update. Immutable once fetched.
type Manifest struct {
	ID             string      `json:"id"`
	RuntimeVersion string      `json:"runtimeVersion"`
	LaunchAsset    LaunchAsset `json:"launchAsset"`
	CreatedAt      time.Time   `json:"createdAt,omitempty"`
}

// DownloadResult is what the bundle-fetch primitive returns.
type DownloadResult struct {
	IsNew      bool
	Manifest   *Manifest
	BundlePath string // Local path of the fetched bundle, empty if the platform keeps it opaque
}

// PendingUpdateRecord is written after a verified download and consumed on
// the first start after restart-to-apply.
type PendingUpdateRecord struct {
	Manifest     Manifest  `json:"manifest"`
	DownloadedAt time.Time `json:"downloadedAt"`
	Verified     bool      `json:"verified"`
	Attempt      int       `json:"attempt"`
	BundlePath   string    `json:"bundlePath,omitempty"`
}

// RollbackRecord is written whenever integrity or post-install validation fails.
type RollbackRecord struct {
	UpdateID  string    `json:"updateId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// BlockadeRecord suppresses an update id until ExpiresAt.
type BlockadeRecord struct {
	UpdateID  string    `json:"updateId"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease has run out at now.
func (b BlockadeRecord) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// DeclinedRecord remembers the last update the user said "not now" to.
type DeclinedRecord struct {
	UpdateID   string    `json:"updateId"`
	DeclinedAt time.Time `json:"declinedAt"`
}

// ReminderRecord is a postponed prompt.
type ReminderRecord struct {
	UpdateID     string    `json:"updateId"`
	Manifest     Manifest  `json:"manifest"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

// Due reports whether the reminder should fire at now.
func (r ReminderRecord) Due(now time.Time) bool {
	return !r.ScheduledFor.After(now)
}

// PreRestartRecord is written right before restart-to-apply so the next
// start can tell whether the pending update actually took.
type PreRestartRecord struct {
	UpdateID        string    `json:"updateId"`
	PendingUpdateID string    `json:"pendingUpdateId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Activity names an entry in the activity log.
type Activity string

const (
	ActivityCheckSuccess          Activity = "check_success"
	ActivityCheckFailed           Activity = "check_failed"
	ActivityCheckRetriesExhausted Activity = "check_retries_exhausted"
	ActivityManualCheck           Activity = "manual_check_triggered"
	ActivityUpdateAvailable       Activity = "update_available"
	ActivityUpdateBlocked         Activity = "update_blocked"
	ActivitySkippedIncompatible   Activity = "update_skipped_incompatible"
	ActivityPromptShown           Activity = "user_prompt_shown"
	ActivityPromptSuppressed      Activity = "prompt_suppressed_declined"
	ActivityUserAccepted          Activity = "user_accepted"
	ActivityUserDeclined          Activity = "user_declined"
	ActivityUserPostponed         Activity = "user_postponed"
	ActivityReminderScheduled     Activity = "reminder_scheduled"
	ActivityReminderTriggered     Activity = "reminder_triggered"
	ActivityReminderDropped       Activity = "reminder_dropped"
	ActivityDownloadSuccess       Activity = "download_success"
	ActivityDownloadFailed        Activity = "download_failed"
	ActivityDownloadNoUpdate      Activity = "download_no_update"
	ActivityDownloadInFlight      Activity = "download_skipped_in_flight"
	ActivityIntegrityVerified     Activity = "integrity_verified"
	ActivityIntegrityFailed       Activity = "integrity_failed"
	ActivityRestartInitiated      Activity = "app_restart_initiated"
	ActivityRestartFailed         Activity = "restart_failed"
	ActivityUpdateApplied         Activity = "update_applied"
	ActivityRollbackTriggered     Activity = "rollback_triggered"
	ActivityRollbackFailed        Activity = "rollback_failed"
	ActivityRollbackDetected      Activity = "rollback_detected"
	ActivityBlockadeSet           Activity = "update_blockade_set"
	ActivityPendingCleared        Activity = "pending_update_cleared"
	ActivityConfigUpdated         Activity = "config_updated"
)

// ActivityLogEntry is one append-only history entry.
type ActivityLogEntry struct {
	ID        string         `json:"id"`
	Activity  Activity       `json:"activity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Configuration is the user/ops tunable behaviour, persisted in the store.
type Configuration struct {
	AutoDownload      bool          `json:"autoDownload" yaml:"autoDownload"`
	AutoRestart       bool          `json:"autoRestart" yaml:"autoRestart"`
	ShowNotifications bool          `json:"showNotifications" yaml:"showNotifications"`
	CheckOnStartup    bool          `json:"checkOnStartup" yaml:"checkOnStartup"`
	CheckInterval     time.Duration `json:"checkInterval" yaml:"checkInterval"`
	MaxRetries        int           `json:"maxRetries" yaml:"maxRetries"`
	RetryDelay        time.Duration `json:"retryDelay" yaml:"retryDelay"`
	ReminderDelay     time.Duration `json:"reminderDelay" yaml:"reminderDelay"`
}

// DefaultConfiguration returns the configuration applied on first read.
func DefaultConfiguration() Configuration {
	return Configuration{
		AutoDownload:      true,
		AutoRestart:       false,
		ShowNotifications: true,
		CheckOnStartup:    true,
		CheckInterval:     5 * time.Minute,
		MaxRetries:        2,
		RetryDelay:        2 * time.Second,
		ReminderDelay:     30 * time.Minute,
	}
}

// ConfigPatch is a partial configuration update. Nil fields are left alone.
type ConfigPatch struct {
	AutoDownload      *bool          `json:"autoDownload,omitempty"`
	AutoRestart       *bool          `json:"autoRestart,omitempty"`
	ShowNotifications *bool          `json:"showNotifications,omitempty"`
	CheckOnStartup    *bool          `json:"checkOnStartup,omitempty"`
	CheckInterval     *time.Duration `json:"checkInterval,omitempty"`
	MaxRetries        *int           `json:"maxRetries,omitempty"`
	RetryDelay        *time.Duration `json:"retryDelay,omitempty"`
	ReminderDelay     *time.Duration `json:"reminderDelay,omitempty"`
}

// Apply returns c with every non-nil patch field applied.
func (p ConfigPatch) Apply(c Configuration) Configuration {
	if p.AutoDownload != nil {
		c.AutoDownload = *p.AutoDownload
	}
	if p.AutoRestart != nil {
		c.AutoRestart = *p.AutoRestart
	}
	if p.ShowNotifications != nil {
		c.ShowNotifications = *p.ShowNotifications
	}
	if p.CheckOnStartup != nil {
		c.CheckOnStartup = *p.CheckOnStartup
	}
	if p.CheckInterval != nil {
		c.CheckInterval = *p.CheckInterval
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		c.RetryDelay = *p.RetryDelay
	}
	if p.ReminderDelay != nil {
		c.ReminderDelay = *p.ReminderDelay
	}
	return c
}

// Phase is the service-level state machine position.
type Phase string

const (
	PhaseUninitialized  Phase = "uninitialized"
	PhaseInitializing   Phase = "initializing"
	PhaseIdle           Phase = "idle"
	PhaseChecking       Phase = "checking"
	PhaseDownloading    Phase = "downloading"
	PhasePendingRestart Phase = "pending_restart"
)

// ServiceState is the in-memory service state. Never persisted.
type ServiceState struct {
	IsChecking        bool      `json:"isChecking"`
	IsDownloading     bool      `json:"isDownloading"`
	LastCheckTime     time.Time `json:"lastCheckTime"`
	UpdateAvailable   bool      `json:"updateAvailable"`
	RetryCount        int       `json:"retryCount"`
	IsInitialized     bool      `json:"isInitialized"`
	IsProductionBuild bool      `json:"isProductionBuild"`
	Phase             Phase     `json:"phase"`
}

// BuildInfo holds facts about the running build.
type BuildInfo struct {
	RuntimeVersion string `json:"runtimeVersion"`
	Channel        string `json:"channel"`
	UpdateURL      string `json:"updateUrl"`
	Platform       string `json:"platform"`
	Enabled        bool   `json:"enabled"`
	Development    bool   `json:"development"`
	ServiceVersion string `json:"serviceVersion"`
}

// IsProductionBuild reports whether OTA updates can work in this build.
func (b BuildInfo) IsProductionBuild() bool {
	return b.Enabled && !b.Development && b.RuntimeVersion != ""
}

// UnavailableReason explains why OTA is off, or "" when it is available.
func (b BuildInfo) UnavailableReason() string {
	switch {
	case b.IsProductionBuild():
		return ""
	case b.Development:
		return "development build"
	case !b.Enabled:
		return "updates disabled"
	default:
		return "runtime version not configured"
	}
}

// CheckOutcome is the structured result of one check.
type CheckOutcome struct {
	Available  bool      `json:"available"`
	Manifest   *Manifest `json:"manifest,omitempty"`
	Skipped    string    `json:"skipped,omitempty"` // in_flight, throttled, ota_unavailable
	Reason     string    `json:"reason,omitempty"`  // no_update, blocked, incompatible
	Attempts   int       `json:"attempts,omitempty"`
	RetryCount int       `json:"retryCount"`
	Err        string    `json:"error,omitempty"`
}

// PromptAction is one button of a confirmation.
type PromptAction string

const (
	ActionDecline  PromptAction = "not_now"
	ActionPostpone PromptAction = "remind_later"
	ActionAccept   PromptAction = "update_now"
	ActionRestart  PromptAction = "restart_now"
	ActionDismiss  PromptAction = "ok"
)

// Prompt is a platform confirmation request.
type Prompt struct {
	Title   string
	Body    string
	Actions []PromptAction
}

// UpdateNotice is the normalized payload handed to a custom sink.
type UpdateNotice struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	Size        int64    `json:"size"`
	Description string   `json:"description"`
	Manifest    Manifest `json:"manifest"`
}

// NetworkInfo is the result of a reachability probe.
type NetworkInfo struct {
	Connected    bool          `json:"connected"`
	URL          string        `json:"url"`
	Status       int           `json:"status,omitempty"`
	ResponseTime time.Duration `json:"responseTime,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// HostFacts are build-independent facts about the machine.
type HostFacts struct {
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os,omitempty"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platformVersion,omitempty"`
	KernelVersion   string `json:"kernelVersion,omitempty"`
	Arch            string `json:"arch,omitempty"`
	UptimeSeconds   uint64 `json:"uptimeSeconds,omitempty"`
	ProcessRSS      uint64 `json:"processRss,omitempty"`
}

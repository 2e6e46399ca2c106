package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// Activity log sizes.
const (
	DefaultLogCap     = 50
	historyLimit      = 20
	statusRecentLimit = 10
)

// ActivityLog is the capped, newest-first history persisted under ota_logs.
// Appends are serialised so concurrent components never lose entries.
type ActivityLog struct {
	mu     sync.Mutex
	store  *StateStore
	build  domain.BuildInfo
	cap    int
	now    func() time.Time
	logger *zap.Logger
}

// NewActivityLog creates an activity log. A non-positive cap uses DefaultLogCap.
func NewActivityLog(store *StateStore, build domain.BuildInfo, capacity int, now func() time.Time, logger *zap.Logger) *ActivityLog {
	if capacity <= 0 {
		capacity = DefaultLogCap
	}
	return &ActivityLog{store: store, build: build, cap: capacity, now: now, logger: logger}
}

// Log prepends an entry and truncates to the cap. Metadata is enriched with
// platform and runtime version. A failed write is only reported to zap.
func (a *ActivityLog) Log(ctx context.Context, activity domain.Activity, metadata map[string]any) {
	meta := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["platform"] = a.build.Platform
	meta["runtimeVersion"] = a.build.RuntimeVersion

	entry := domain.ActivityLogEntry{
		ID:        uuid.NewString(),
		Activity:  activity,
		Timestamp: a.now(),
		Metadata:  meta,
	}

	fields := make([]zap.Field, 0, len(metadata)+1)
	fields = append(fields, zap.String("activity", string(activity)))
	for k, v := range metadata {
		fields = append(fields, zap.Any(k, v))
	}
	a.logger.Info("ota activity", fields...)

	a.mu.Lock()
	defer a.mu.Unlock()

	logs := a.store.ActivityLog(ctx)
	logs = append([]domain.ActivityLogEntry{entry}, logs...)
	if len(logs) > a.cap {
		logs = logs[:a.cap]
	}
	if err := a.store.SaveActivityLog(ctx, logs); err != nil {
		a.logger.Warn("failed to persist activity log", zap.String("activity", string(activity)), zap.Error(err))
	}
}

// Exclusive runs fn with appends held off, so fn can rewrite or delete the
// persisted log without a concurrent append writing stale entries back.
func (a *ActivityLog) Exclusive(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn()
}

// Entries returns up to limit newest entries; limit <= 0 returns all.
func (a *ActivityLog) Entries(ctx context.Context, limit int) []domain.ActivityLogEntry {
	logs := a.store.ActivityLog(ctx)
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	if logs == nil {
		logs = []domain.ActivityLogEntry{}
	}
	return logs
}

// Statistics aggregates the activity log.
type Statistics struct {
	TotalChecks          int        `json:"totalChecks"`
	SuccessfulUpdates    int        `json:"successfulUpdates"`
	FailedUpdates        int        `json:"failedUpdates"`
	UserDeclines         int        `json:"userDeclines"`
	UserAccepts          int        `json:"userAccepts"`
	UserPostpones        int        `json:"userPostpones"`
	Rollbacks            int        `json:"rollbacks"`
	LastSuccessfulUpdate *time.Time `json:"lastSuccessfulUpdate,omitempty"`
	LastFailure          *time.Time `json:"lastFailure,omitempty"`
}

// ComputeStatistics folds logs (newest first) into Statistics.
func ComputeStatistics(logs []domain.ActivityLogEntry) Statistics {
	var s Statistics
	for _, e := range logs {
		ts := e.Timestamp
		switch e.Activity {
		case domain.ActivityCheckSuccess:
			s.TotalChecks++
		case domain.ActivityUpdateApplied:
			s.SuccessfulUpdates++
			if s.LastSuccessfulUpdate == nil {
				s.LastSuccessfulUpdate = &ts
			}
		case domain.ActivityDownloadFailed, domain.ActivityIntegrityFailed, domain.ActivityRollbackTriggered:
			s.FailedUpdates++
			if s.LastFailure == nil {
				s.LastFailure = &ts
			}
			if e.Activity == domain.ActivityRollbackTriggered {
				s.Rollbacks++
			}
		case domain.ActivityUserDeclined:
			s.UserDeclines++
		case domain.ActivityUserAccepted:
			s.UserAccepts++
		case domain.ActivityUserPostponed:
			s.UserPostpones++
		}
	}
	return s
}

// History is the result of GetUpdateHistory.
type History struct {
	Logs       []domain.ActivityLogEntry `json:"logs"`
	Statistics Statistics                `json:"statistics"`
}

// UpdateStatus is a point-in-time snapshot of the manager.
type UpdateStatus struct {
	IsInitialized        bool                        `json:"isInitialized"`
	IsEnabled            bool                        `json:"isEnabled"`
	IsChecking           bool                        `json:"isChecking"`
	IsDownloading        bool                        `json:"isDownloading"`
	Platform             string                      `json:"platform"`
	RuntimeVersion       string                      `json:"runtimeVersion"`
	Channel              string                      `json:"channel"`
	UpdateURL            string                      `json:"updateUrl"`
	OTAAvailable         bool                        `json:"otaAvailable"`
	OTAUnavailableReason string                      `json:"otaUnavailableReason,omitempty"`
	CurrentUpdateID      string                      `json:"currentUpdateId,omitempty"`
	UpdateAvailable      bool                        `json:"updateAvailable"`
	Phase                domain.Phase                `json:"phase"`
	LastCheckTime        time.Time                   `json:"lastCheckTime"`
	RetryCount           int                         `json:"retryCount"`
	PendingUpdate        *domain.PendingUpdateRecord `json:"pendingUpdate,omitempty"`
	Config               domain.Configuration        `json:"config"`
	RecentLogs           []domain.ActivityLogEntry   `json:"recentLogs"`
}

// SystemInfo is the build plus host facts.
type SystemInfo struct {
	Build     domain.BuildInfo `json:"build"`
	Host      domain.HostFacts `json:"host"`
	HostError string           `json:"hostError,omitempty"`
}

// HealthSummary is the derived health verdict.
type HealthSummary struct {
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// DiagnosticInfo is the full diagnostics report.
type DiagnosticInfo struct {
	GeneratedAt time.Time          `json:"generatedAt"`
	System      SystemInfo         `json:"system"`
	Status      UpdateStatus       `json:"status"`
	History     History            `json:"history"`
	Storage     StorageInfo        `json:"storage"`
	Network     domain.NetworkInfo `json:"network"`
	Summary     HealthSummary      `json:"summary"`
}

// GetUpdateHistory returns the newest entries with statistics over the
// whole stored log.
func (m *Manager) GetUpdateHistory(ctx context.Context) History {
	all := m.activity.Entries(ctx, 0)
	logs := all
	if len(logs) > historyLimit {
		logs = logs[:historyLimit]
	}
	return History{Logs: logs, Statistics: ComputeStatistics(all)}
}

// GetUpdateStatus returns a snapshot of build, state, config and recent logs.
func (m *Manager) GetUpdateStatus(ctx context.Context) UpdateStatus {
	st := m.state.snapshot()
	status := UpdateStatus{
		IsInitialized:        st.IsInitialized,
		IsEnabled:            m.build.Enabled,
		IsChecking:           st.IsChecking,
		IsDownloading:        st.IsDownloading,
		Platform:             m.build.Platform,
		RuntimeVersion:       m.build.RuntimeVersion,
		Channel:              m.build.Channel,
		UpdateURL:            m.build.UpdateURL,
		OTAAvailable:         m.build.IsProductionBuild(),
		OTAUnavailableReason: m.build.UnavailableReason(),
		UpdateAvailable:      st.UpdateAvailable,
		Phase:                st.Phase,
		LastCheckTime:        st.LastCheckTime,
		RetryCount:           st.RetryCount,
		Config:               m.GetConfiguration(),
		RecentLogs:           m.activity.Entries(ctx, statusRecentLimit),
	}
	if m.applier != nil {
		id, err := m.applier.CurrentUpdateID(ctx)
		if err != nil {
			m.logger.Debug("current update id unavailable", zap.Error(err))
		}
		status.CurrentUpdateID = id
	}
	if pending, ok := m.store.PendingUpdate(ctx); ok {
		status.PendingUpdate = pending
	}
	return status
}

// GetDiagnosticInfo gathers every diagnostic section concurrently and
// derives a health summary.
func (m *Manager) GetDiagnosticInfo(ctx context.Context) DiagnosticInfo {
	info := DiagnosticInfo{
		GeneratedAt: m.now(),
		System:      SystemInfo{Build: m.build},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info.Status = m.GetUpdateStatus(gctx)
		return nil
	})
	g.Go(func() error {
		info.History = m.GetUpdateHistory(gctx)
		return nil
	})
	g.Go(func() error {
		info.Storage = m.store.Usage(gctx)
		return nil
	})
	g.Go(func() error {
		info.Network = m.probeNetwork(gctx)
		return nil
	})
	g.Go(func() error {
		if m.host == nil {
			info.System.HostError = "host inspector not configured"
			return nil
		}
		facts, err := m.host.Facts(gctx)
		if err != nil {
			info.System.HostError = err.Error()
		}
		info.System.Host = facts
		return nil
	})
	_ = g.Wait()

	info.Summary = m.summarize(info.Status, info.History, info.Network)
	return info
}

func (m *Manager) probeNetwork(ctx context.Context) domain.NetworkInfo {
	url := m.build.UpdateURL
	switch {
	case m.prober == nil:
		return domain.NetworkInfo{URL: url, Error: "reachability prober not configured"}
	case url == "":
		return domain.NetworkInfo{Error: "update URL not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return m.prober.Probe(ctx, url)
}

func (m *Manager) summarize(status UpdateStatus, history History, network domain.NetworkInfo) HealthSummary {
	sum := HealthSummary{Issues: []string{}, Recommendations: []string{}}

	if !m.build.IsProductionBuild() {
		sum.Healthy = status.IsInitialized
		if !status.IsInitialized {
			sum.Issues = append(sum.Issues, "Service not initialized")
		}
		sum.Issues = append(sum.Issues, fmt.Sprintf("OTA updates not available: %s (this is expected)", status.OTAUnavailableReason))
		sum.Recommendations = append(sum.Recommendations,
			"Run a production build to exercise OTA updates",
			"Set an update URL and runtime version in the configuration")
		return sum
	}

	sum.Healthy = status.IsInitialized && status.IsEnabled && network.Connected && status.RetryCount < 3

	now := m.now()
	stats := history.Statistics
	if !status.IsInitialized {
		sum.Issues = append(sum.Issues, "Service not initialized")
	}
	if !status.IsEnabled {
		sum.Issues = append(sum.Issues, "Updates disabled")
	}
	if !network.Connected {
		sum.Issues = append(sum.Issues, "Network connectivity issues")
	}
	if status.RetryCount > 0 {
		sum.Issues = append(sum.Issues, fmt.Sprintf("High retry count: %d", status.RetryCount))
	}
	if stats.FailedUpdates > stats.SuccessfulUpdates {
		sum.Issues = append(sum.Issues, "More failures than successes")
	}
	if !status.LastCheckTime.IsZero() && now.Sub(status.LastCheckTime) > 24*time.Hour {
		sum.Issues = append(sum.Issues, "No recent update checks")
	}

	if !network.Connected {
		sum.Recommendations = append(sum.Recommendations, "Check internet connection")
	}
	if status.RetryCount > 2 {
		sum.Recommendations = append(sum.Recommendations, "Consider resetting update state")
	}
	if stats.FailedUpdates > 3 {
		sum.Recommendations = append(sum.Recommendations, "Review error logs for patterns")
	}
	if !status.IsEnabled {
		sum.Recommendations = append(sum.Recommendations, "Updates are disabled - check the build configuration")
	}
	if status.Config.CheckInterval > time.Hour {
		sum.Recommendations = append(sum.Recommendations, "Consider reducing check interval for faster updates")
	}
	if interval := status.Config.CheckInterval; interval > 0 && !status.LastCheckTime.IsZero() &&
		now.Sub(status.LastCheckTime) > 3*interval {
		sum.Recommendations = append(sum.Recommendations, "Last check is stale - trigger a manual check")
	}
	return sum
}

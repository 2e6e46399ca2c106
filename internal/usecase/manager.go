// Package usecase contains the OTA update manager and its components.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

const tracerName = "github.com/eliteGoblin/focusd/ota_mgr/internal/usecase"

// Deps are the collaborators a Manager drives.
// Only Store is required.
type Deps struct {
	Store     domain.KeyValueStore
	Source    domain.ManifestSource
	Fetcher   domain.BundleFetcher
	Applier   domain.Applier
	Confirmer domain.Confirmer
	Prober    domain.ReachabilityProber
	Host      domain.HostInspector
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Options tune a Manager. Zero values take defaults.
type Options struct {
	Build           domain.BuildInfo
	BlockadeTTL     time.Duration // default 24h
	LogCap          int           // default 50
	CheckTimeout    time.Duration // per manifest fetch, default 30s
	DownloadTimeout time.Duration // per bundle fetch, default 60s
	ProbeTimeout    time.Duration // reachability probe, default 10s
}

func (o Options) withDefaults() Options {
	if o.BlockadeTTL <= 0 {
		o.BlockadeTTL = DefaultBlockadeTTL
	}
	if o.LogCap <= 0 {
		o.LogCap = DefaultLogCap
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 30 * time.Second
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 60 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	return o
}

// Manager is the long-lived OTA service instance. It owns the in-memory
// ServiceState and exposes every public update operation. Safe for
// concurrent use.
type Manager struct {
	store     *StateStore
	source    domain.ManifestSource
	fetcher   domain.BundleFetcher
	applier   domain.Applier
	confirmer domain.Confirmer
	prober    domain.ReachabilityProber
	host      domain.HostInspector
	build     domain.BuildInfo
	opts      Options
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer

	state    *serviceState
	activity *ActivityLog
	guard    *RollbackGuard

	cfgMu sync.RWMutex
	cfg   domain.Configuration

	sinkMu sync.RWMutex
	sink   domain.NotificationSink

	sessionStart time.Time
}

// NewManager builds a Manager and loads the persisted configuration.
func NewManager(ctx context.Context, deps Deps, opts Options) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("usecase: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	confirmer := deps.Confirmer
	if confirmer == nil {
		confirmer = dismissConfirmer{}
	}
	opts = opts.withDefaults()
	tracer := otel.Tracer(tracerName)

	store := NewStateStore(deps.Store, logger.Named("store"))
	activity := NewActivityLog(store, opts.Build, opts.LogCap, now, logger.Named("activity"))

	m := &Manager{
		store:        store,
		source:       deps.Source,
		fetcher:      deps.Fetcher,
		applier:      deps.Applier,
		confirmer:    confirmer,
		prober:       deps.Prober,
		host:         deps.Host,
		build:        opts.Build,
		opts:         opts,
		now:          now,
		logger:       logger,
		tracer:       tracer,
		state:        newServiceState(opts.Build.IsProductionBuild()),
		activity:     activity,
		guard:        NewRollbackGuard(store, activity, opts.BlockadeTTL, now, tracer, logger.Named("rollback")),
		cfg:          store.Config(ctx),
		sessionStart: now(),
	}
	m.sink = confirmationSink{m: m}
	return m, nil
}

// Build returns the build facts the manager was created with.
func (m *Manager) Build() domain.BuildInfo {
	return m.build
}

// State returns a snapshot of the in-memory service state.
func (m *Manager) State() domain.ServiceState {
	return m.state.snapshot()
}

// Initialize prepares the manager for a new process lifetime: it reconciles
// a restart-to-apply, surfaces a pending rollback once and runs the startup
// check. Non-production builds are marked initialized and do nothing else.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.state.snapshot().IsInitialized {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "ota.initialize")
	defer span.End()

	m.state.setPhase(domain.PhaseInitializing)

	if !m.build.IsProductionBuild() {
		m.logger.Info("OTA updates unavailable", zap.String("reason", m.build.UnavailableReason()))
		m.state.markInitialized()
		return nil
	}

	m.reconcilePreRestart(ctx)

	if rec, ok := m.guard.CheckForRollbackNeeded(ctx); ok {
		m.inform(ctx, "Update Rolled Back",
			fmt.Sprintf("Update %s was rolled back (%s). It will not be offered again for a while.", rec.UpdateID, rec.Reason))
	}

	m.state.markInitialized()
	cfg := m.GetConfiguration()
	m.logger.Info("OTA manager initialized",
		zap.String("runtime_version", m.build.RuntimeVersion),
		zap.String("channel", m.build.Channel),
		zap.Duration("check_interval", cfg.CheckInterval))

	if cfg.CheckOnStartup {
		outcome := m.CheckForUpdatesWithRetry(ctx, false, true)
		span.SetAttributes(attribute.Bool("ota.startup_update_available", outcome.Available))
	}
	return nil
}

// reconcilePreRestart decides whether the last restart-to-apply took.
func (m *Manager) reconcilePreRestart(ctx context.Context) {
	pre, ok := m.store.PreRestart(ctx)
	if !ok {
		return
	}
	if err := m.store.ClearPreRestart(ctx); err != nil {
		m.logger.Warn("failed to clear pre-restart record", zap.Error(err))
		return
	}

	pendingID := pre.PendingUpdateID
	if pendingID == "" {
		if pending, ok := m.store.PendingUpdate(ctx); ok {
			pendingID = pending.Manifest.ID
		}
	}
	if pendingID == "" {
		return
	}

	current := ""
	if m.applier != nil {
		id, err := m.applier.CurrentUpdateID(ctx)
		if err != nil {
			m.logger.Warn("current update id unavailable", zap.Error(err))
		}
		current = id
	}

	if current != pendingID {
		m.logger.Error("pending update did not take after restart",
			zap.String("pending_update_id", pendingID),
			zap.String("current_update_id", current))
		m.guard.TriggerRollback(ctx, ReasonPostInstallFailed, pendingID)
		return
	}

	m.activity.Log(ctx, domain.ActivityUpdateApplied, map[string]any{
		"updateId":         pendingID,
		"previousUpdateId": pre.UpdateID,
	})
	if err := m.store.ClearPendingUpdate(ctx); err != nil {
		m.logger.Warn("failed to clear pending update", zap.Error(err))
		return
	}
	m.activity.Log(ctx, domain.ActivityPendingCleared, map[string]any{"updateId": pendingID})
}

// RestartApp records the pre-restart state and restarts into the staged
// bundle. A platform failure shows manual-restart guidance and returns an
// error wrapping domain.ErrPlatformRestart.
func (m *Manager) RestartApp(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "ota.restart")
	defer span.End()

	if m.applier == nil {
		return fmt.Errorf("%w: no applier configured", domain.ErrPlatformRestart)
	}

	current, err := m.applier.CurrentUpdateID(ctx)
	if err != nil {
		m.logger.Warn("current update id unavailable", zap.Error(err))
	}
	rec := domain.PreRestartRecord{UpdateID: current, Timestamp: m.now()}
	if pending, ok := m.store.PendingUpdate(ctx); ok {
		rec.PendingUpdateID = pending.Manifest.ID
	}
	if err := m.store.SavePreRestart(ctx, rec); err != nil {
		span.RecordError(err)
		m.activity.Log(ctx, domain.ActivityRestartFailed, map[string]any{"error": err.Error()})
		return err
	}

	m.activity.Log(ctx, domain.ActivityRestartInitiated, map[string]any{
		"currentUpdateId": rec.UpdateID,
		"pendingUpdateId": rec.PendingUpdateID,
	})

	if err := m.applier.ApplyAndRestart(ctx); err != nil {
		span.RecordError(err)
		if cerr := m.store.ClearPreRestart(ctx); cerr != nil {
			m.logger.Warn("failed to clear pre-restart record", zap.Error(cerr))
		}
		m.activity.Log(ctx, domain.ActivityRestartFailed, map[string]any{"error": err.Error()})
		m.inform(ctx, "Restart Failed", "Please manually restart the app to apply the update.")
		return fmt.Errorf("%w: %v", domain.ErrPlatformRestart, err)
	}
	return nil
}

// TriggerRollback records a failed update and blocks its id.
func (m *Manager) TriggerRollback(ctx context.Context, reason, updateID string) bool {
	return m.guard.TriggerRollback(ctx, reason, updateID)
}

// CheckForRollbackNeeded consumes a rollback left by a previous run.
func (m *Manager) CheckForRollbackNeeded(ctx context.Context) (*domain.RollbackRecord, bool) {
	return m.guard.CheckForRollbackNeeded(ctx)
}

// SetUpdateBlockade suppresses updateID for the blockade lease.
func (m *Manager) SetUpdateBlockade(ctx context.Context, updateID, reason string) error {
	return m.guard.SetUpdateBlockade(ctx, updateID, reason)
}

// IsUpdateBlocked reports whether updateID is currently blocked.
func (m *Manager) IsUpdateBlocked(ctx context.Context, updateID string) bool {
	return m.guard.IsUpdateBlocked(ctx, updateID)
}

// Blockade returns the unexpired blockade for updateID, if any.
func (m *Manager) Blockade(ctx context.Context, updateID string) (domain.BlockadeRecord, bool) {
	return m.guard.Blockade(ctx, updateID)
}

// GetConfiguration returns the current configuration.
func (m *Manager) GetConfiguration() domain.Configuration {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// UpdateConfiguration applies patch and persists the result. The in-memory
// configuration only changes when the write succeeds.
func (m *Manager) UpdateConfiguration(ctx context.Context, patch domain.ConfigPatch) (domain.Configuration, error) {
	m.cfgMu.Lock()
	next := patch.Apply(m.cfg)
	if err := validateConfiguration(next); err != nil {
		cur := m.cfg
		m.cfgMu.Unlock()
		return cur, err
	}
	if err := m.store.SaveConfig(ctx, next); err != nil {
		cur := m.cfg
		m.cfgMu.Unlock()
		return cur, err
	}
	m.cfg = next
	m.cfgMu.Unlock()

	m.activity.Log(ctx, domain.ActivityConfigUpdated, map[string]any{"config": next})
	return next, nil
}

func validateConfiguration(c domain.Configuration) error {
	switch {
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: checkInterval must be positive", domain.ErrInvalidConfiguration)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: maxRetries must not be negative", domain.ErrInvalidConfiguration)
	case c.RetryDelay < 0:
		return fmt.Errorf("%w: retryDelay must not be negative", domain.ErrInvalidConfiguration)
	case c.ReminderDelay <= 0:
		return fmt.Errorf("%w: reminderDelay must be positive", domain.ErrInvalidConfiguration)
	}
	return nil
}

// ResetUpdateState deletes every persisted record, restores default
// configuration and returns the in-memory state to its baseline. Every key
// is attempted; failures are aggregated.
func (m *Manager) ResetUpdateState(ctx context.Context) error {
	err := m.activity.Exclusive(func() error { return m.store.ResetAll(ctx) })
	m.state.reset()

	m.cfgMu.Lock()
	m.cfg = domain.DefaultConfiguration()
	m.cfgMu.Unlock()

	if err != nil {
		m.logger.Error("OTA state reset incomplete", zap.Error(err))
		return err
	}
	m.logger.Info("OTA state reset")
	return nil
}

// StorageUsage reports presence and size of every persisted key.
func (m *Manager) StorageUsage(ctx context.Context) StorageInfo {
	return m.store.Usage(ctx)
}

// dismissConfirmer answers every prompt with a dismissal.
type dismissConfirmer struct{}

func (dismissConfirmer) Present(context.Context, domain.Prompt) (domain.PromptAction, error) {
	return domain.ActionDismiss, nil
}

package usecase

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// DefaultBlockadeTTL is how long a rolled-back update stays suppressed.
const DefaultBlockadeTTL = 24 * time.Hour

// Rollback reasons.
const (
	ReasonIntegrityFailed   = "integrity_verification_failed"
	ReasonPostInstallFailed = "post_install_validation_failed"
	ReasonManualBlock       = "manual"
	reasonRollbackDetected  = "rollback_detected"
)

// RollbackGuard records failed updates and keeps the leased blockade list.
type RollbackGuard struct {
	store    *StateStore
	activity *ActivityLog
	ttl      time.Duration
	now      func() time.Time
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewRollbackGuard creates a guard. A non-positive ttl uses DefaultBlockadeTTL.
func NewRollbackGuard(store *StateStore, activity *ActivityLog, ttl time.Duration, now func() time.Time, tracer trace.Tracer, logger *zap.Logger) *RollbackGuard {
	if ttl <= 0 {
		ttl = DefaultBlockadeTTL
	}
	return &RollbackGuard{
		store:    store,
		activity: activity,
		ttl:      ttl,
		now:      now,
		tracer:   tracer,
		logger:   logger,
	}
}

// TriggerRollback persists the rollback record and a blockade for updateID,
// and clears the pending, reminder and decline records. It returns false,
// writing nothing, when updateID is empty, and false when any of that
// bookkeeping could not be written.
func (g *RollbackGuard) TriggerRollback(ctx context.Context, reason, updateID string) bool {
	ctx, span := g.tracer.Start(ctx, "ota.rollback",
		trace.WithAttributes(attribute.String("ota.update_id", updateID), attribute.String("ota.reason", reason)))
	defer span.End()

	if updateID == "" {
		// Without an id neither record can be written.
		g.logger.Error("rollback without update id", zap.String("reason", reason))
		g.activity.Log(ctx, domain.ActivityRollbackFailed, map[string]any{
			"reason": reason,
			"error":  "empty update id",
		})
		return false
	}

	now := g.now()
	err := g.store.SaveRollback(ctx, domain.RollbackRecord{
		UpdateID:  updateID,
		Reason:    reason,
		Timestamp: now,
	})
	if err == nil {
		err = g.SetUpdateBlockade(ctx, updateID, reason)
	}
	if err == nil {
		err = g.store.ClearPendingUpdate(ctx)
	}
	if err != nil {
		span.RecordError(err)
		g.logger.Error("rollback bookkeeping failed",
			zap.String("update_id", updateID),
			zap.String("reason", reason),
			zap.Error(err))
		g.activity.Log(ctx, domain.ActivityRollbackFailed, map[string]any{
			"updateId": updateID,
			"reason":   reason,
			"error":    err.Error(),
		})
		return false
	}

	g.logger.Warn("rollback triggered",
		zap.String("update_id", updateID),
		zap.String("reason", reason))
	g.activity.Log(ctx, domain.ActivityRollbackTriggered, map[string]any{
		"updateId": updateID,
		"reason":   reason,
	})
	return true
}

// CheckForRollbackNeeded consumes a rollback record left by a previous run.
// The record is deleted before it is surfaced; if the delete fails it is
// not surfaced, so it can never be reported twice.
func (g *RollbackGuard) CheckForRollbackNeeded(ctx context.Context) (*domain.RollbackRecord, bool) {
	rec, ok := g.store.Rollback(ctx)
	if !ok {
		return nil, false
	}
	if err := g.store.ClearRollback(ctx); err != nil {
		g.logger.Error("failed to clear rollback record", zap.Error(err))
		return nil, false
	}

	g.activity.Log(ctx, domain.ActivityRollbackDetected, map[string]any{
		"updateId":  rec.UpdateID,
		"reason":    rec.Reason,
		"timestamp": rec.Timestamp,
	})

	reason := rec.Reason
	if reason == "" {
		reason = reasonRollbackDetected
	}
	if err := g.SetUpdateBlockade(ctx, rec.UpdateID, reason); err != nil {
		g.logger.Warn("failed to re-assert blockade", zap.String("update_id", rec.UpdateID), zap.Error(err))
	}
	return rec, true
}

// SetUpdateBlockade suppresses updateID for the configured lease.
func (g *RollbackGuard) SetUpdateBlockade(ctx context.Context, updateID, reason string) error {
	if updateID == "" {
		return fmt.Errorf("blockade: empty update id")
	}
	now := g.now()
	rec := domain.BlockadeRecord{
		UpdateID:  updateID,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	if err := g.store.SaveBlockade(ctx, rec, now); err != nil {
		return err
	}
	g.activity.Log(ctx, domain.ActivityBlockadeSet, map[string]any{
		"updateId":  updateID,
		"reason":    reason,
		"expiresAt": rec.ExpiresAt,
	})
	return nil
}

// IsUpdateBlocked reports whether updateID has an unexpired blockade.
// Expired entries are evicted as a side effect. Read failures report false.
func (g *RollbackGuard) IsUpdateBlocked(ctx context.Context, updateID string) bool {
	if updateID == "" {
		return false
	}
	_, ok := g.store.Blockades(ctx, g.now())[updateID]
	return ok
}

// Blockade returns the unexpired blockade for updateID, if any.
func (g *RollbackGuard) Blockade(ctx context.Context, updateID string) (domain.BlockadeRecord, bool) {
	rec, ok := g.store.Blockades(ctx, g.now())[updateID]
	return rec, ok
}

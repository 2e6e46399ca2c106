package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

func TestTriggerRollback_PersistsRecordAndBlockade(t *testing.T) {
	reasons := []string{ReasonIntegrityFailed, ReasonPostInstallFailed, "repeated_failures"}

	for _, reason := range reasons {
		t.Run(reason, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)

			ok := h.m.TriggerRollback(ctx, reason, "u9")
			require.True(t, ok)

			rec, found := h.m.store.Rollback(ctx)
			require.True(t, found)
			assert.Equal(t, "u9", rec.UpdateID)
			assert.Equal(t, reason, rec.Reason)
			assert.True(t, h.clock.Now().Equal(rec.Timestamp))

			block, found := h.m.Blockade(ctx, "u9")
			require.True(t, found)
			assert.Equal(t, reason, block.Reason)
			assert.True(t, h.clock.Now().Add(24*time.Hour).Equal(block.ExpiresAt))

			assert.Contains(t, h.activities(ctx), domain.ActivityRollbackTriggered)
		})
	}
}

func TestTriggerRollback_ClearsPendingReminderAndDecline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	store := h.m.store

	require.NoError(t, store.SavePendingUpdate(ctx, domain.PendingUpdateRecord{Manifest: *testManifest("u1", "1.0.0")}))
	require.NoError(t, store.SaveReminder(ctx, domain.ReminderRecord{UpdateID: "u1"}))
	require.NoError(t, store.SaveDeclined(ctx, domain.DeclinedRecord{UpdateID: "u1"}))

	require.True(t, h.m.TriggerRollback(ctx, ReasonIntegrityFailed, "u1"))
	assert.False(t, h.kv.has(KeyPendingUpdate))
	assert.False(t, h.kv.has(KeyReminder))
	assert.False(t, h.kv.has(KeyDeclined))
}

func TestTriggerRollback_WriteFailureReportsFalse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.kv.failSet[KeyRollback] = true

	assert.False(t, h.m.TriggerRollback(ctx, ReasonIntegrityFailed, "u1"))
	assert.Contains(t, h.activities(ctx), domain.ActivityRollbackFailed)
	assert.NotContains(t, h.activities(ctx), domain.ActivityRollbackTriggered)
}

func TestTriggerRollback_EmptyIDWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.False(t, h.m.TriggerRollback(ctx, ReasonIntegrityFailed, ""))
	assert.False(t, h.kv.has(KeyRollback))
	assert.False(t, h.kv.has(KeyBlockade))
	assert.Contains(t, h.activities(ctx), domain.ActivityRollbackFailed)
}

func TestBlockade_SetThenBlocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.m.SetUpdateBlockade(ctx, "u2", "repeated_failures"))
	assert.True(t, h.m.IsUpdateBlocked(ctx, "u2"))
	assert.False(t, h.m.IsUpdateBlocked(ctx, "u3"))
}

func TestBlockade_ExpiredIsNotBlockedAndEvicted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.m.SetUpdateBlockade(ctx, "u2", "repeated_failures"))
	h.clock.Advance(24 * time.Hour)

	assert.False(t, h.m.IsUpdateBlocked(ctx, "u2"))
	assert.False(t, h.kv.has(KeyBlockade))
}

func TestBlockade_IndependentIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.m.SetUpdateBlockade(ctx, "a", "r"))
	h.clock.Advance(12 * time.Hour)
	require.NoError(t, h.m.SetUpdateBlockade(ctx, "b", "r"))
	h.clock.Advance(13 * time.Hour)

	assert.False(t, h.m.IsUpdateBlocked(ctx, "a"))
	assert.True(t, h.m.IsUpdateBlocked(ctx, "b"))
}

func TestBlockade_EmptyIDRejected(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.m.SetUpdateBlockade(context.Background(), "", "r"))
}

func TestBlockade_ReadFailureIsNotBlocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.m.SetUpdateBlockade(ctx, "u2", "r"))
	h.kv.failGet[KeyBlockade] = true

	assert.False(t, h.m.IsUpdateBlocked(ctx, "u2"))
}

func TestCheckForRollbackNeeded_SurfacesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.m.store.SaveRollback(ctx, domain.RollbackRecord{UpdateID: "u5", Reason: "r", Timestamp: h.clock.Now()}))

	rec, ok := h.m.CheckForRollbackNeeded(ctx)
	require.True(t, ok)
	assert.Equal(t, "u5", rec.UpdateID)
	assert.False(t, h.kv.has(KeyRollback))
	assert.True(t, h.m.IsUpdateBlocked(ctx, "u5"))
	assert.Contains(t, h.activities(ctx), domain.ActivityRollbackDetected)

	_, ok = h.m.CheckForRollbackNeeded(ctx)
	assert.False(t, ok)
}

func TestCheckForRollbackNeeded_NotSurfacedWhenDeleteFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.m.store.SaveRollback(ctx, domain.RollbackRecord{UpdateID: "u5", Reason: "r"}))
	h.kv.failDel[KeyRollback] = true

	_, ok := h.m.CheckForRollbackNeeded(ctx)
	assert.False(t, ok)
	assert.NotContains(t, h.activities(ctx), domain.ActivityRollbackDetected)
}

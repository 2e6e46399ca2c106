package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// Persisted keys. Each key holds one record type owned by one component.
const (
	KeyConfig        = "ota_config"
	KeyPendingUpdate = "ota_pending_update"
	KeyReminder      = "ota_update_reminder"
	KeyDeclined      = "ota_update_declined"
	KeyBlockade      = "ota_update_blockade"
	KeyRollback      = "ota_rollback_info"
	KeyActivityLog   = "ota_logs"
	KeyPreRestart    = "ota_pre_restart_update"
)

// AllKeys lists every persisted key, in reset order.
var AllKeys = []string{
	KeyConfig,
	KeyPendingUpdate,
	KeyReminder,
	KeyDeclined,
	KeyBlockade,
	KeyRollback,
	KeyActivityLog,
	KeyPreRestart,
}

// StateStore is the typed wrapper every component reads and writes through.
// Reads fail open (errors are logged and reported as absent); writes fail
// closed (errors wrap domain.ErrPersistence).
type StateStore struct {
	kv     domain.KeyValueStore
	logger *zap.Logger
}

// NewStateStore wraps kv.
func NewStateStore(kv domain.KeyValueStore, logger *zap.Logger) *StateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateStore{kv: kv, logger: logger}
}

func readRecord[T any](ctx context.Context, s *StateStore, key string) (T, bool) {
	var v T
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("state read failed, treating as absent", zap.String("key", key), zap.Error(err))
		return v, false
	}
	if !ok || len(raw) == 0 {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Warn("state record undecodable, treating as absent", zap.String("key", key), zap.Error(err))
		return v, false
	}
	return v, true
}

func writeRecord[T any](ctx context.Context, s *StateStore, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrPersistence, key, err)
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, key, err)
	}
	return nil
}

func (s *StateStore) remove(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrPersistence, key, err)
	}
	return nil
}

// Config returns the persisted configuration with defaults applied.
func (s *StateStore) Config(ctx context.Context) domain.Configuration {
	cfg := domain.DefaultConfiguration()
	raw, ok, err := s.kv.Get(ctx, KeyConfig)
	if err != nil {
		s.logger.Warn("config read failed, using defaults", zap.Error(err))
		return cfg
	}
	if !ok {
		return cfg
	}
	// Decoding onto the defaults keeps fields the stored document lacks.
	if err := json.Unmarshal(raw, &cfg); err != nil {
		s.logger.Warn("config undecodable, using defaults", zap.Error(err))
		return domain.DefaultConfiguration()
	}
	return cfg
}

// SaveConfig persists cfg.
func (s *StateStore) SaveConfig(ctx context.Context, cfg domain.Configuration) error {
	return writeRecord(ctx, s, KeyConfig, cfg)
}

// PendingUpdate returns the pending update record, if any.
func (s *StateStore) PendingUpdate(ctx context.Context) (*domain.PendingUpdateRecord, bool) {
	rec, ok := readRecord[domain.PendingUpdateRecord](ctx, s, KeyPendingUpdate)
	if !ok {
		return nil, false
	}
	return &rec, true
}

// SavePendingUpdate overwrites the pending update record.
func (s *StateStore) SavePendingUpdate(ctx context.Context, rec domain.PendingUpdateRecord) error {
	return writeRecord(ctx, s, KeyPendingUpdate, rec)
}

// ClearPendingUpdate removes the pending record together with the reminder
// and decline records that refer to it.
func (s *StateStore) ClearPendingUpdate(ctx context.Context) error {
	var err error
	for _, key := range []string{KeyPendingUpdate, KeyReminder, KeyDeclined} {
		err = multierr.Append(err, s.remove(ctx, key))
	}
	return err
}

// Rollback returns the rollback record, if any.
func (s *StateStore) Rollback(ctx context.Context) (*domain.RollbackRecord, bool) {
	rec, ok := readRecord[domain.RollbackRecord](ctx, s, KeyRollback)
	if !ok {
		return nil, false
	}
	return &rec, true
}

// SaveRollback writes the rollback record.
func (s *StateStore) SaveRollback(ctx context.Context, rec domain.RollbackRecord) error {
	return writeRecord(ctx, s, KeyRollback, rec)
}

// ClearRollback removes the rollback record.
func (s *StateStore) ClearRollback(ctx context.Context) error {
	return s.remove(ctx, KeyRollback)
}

// Blockades returns the unexpired blockade list. Expired entries are evicted
// from the store as a side effect; eviction failures are only logged.
func (s *StateStore) Blockades(ctx context.Context, now time.Time) map[string]domain.BlockadeRecord {
	list, ok := readRecord[map[string]domain.BlockadeRecord](ctx, s, KeyBlockade)
	if !ok {
		return map[string]domain.BlockadeRecord{}
	}

	evicted := false
	for id, rec := range list {
		if rec.Expired(now) {
			delete(list, id)
			evicted = true
		}
	}
	if !evicted {
		return list
	}

	var err error
	if len(list) == 0 {
		err = s.remove(ctx, KeyBlockade)
	} else {
		err = writeRecord(ctx, s, KeyBlockade, list)
	}
	if err != nil {
		s.logger.Warn("failed to evict expired blockades", zap.Error(err))
	}
	return list
}

// SaveBlockade adds or replaces the blockade for rec.UpdateID.
func (s *StateStore) SaveBlockade(ctx context.Context, rec domain.BlockadeRecord, now time.Time) error {
	list := s.Blockades(ctx, now)
	list[rec.UpdateID] = rec
	return writeRecord(ctx, s, KeyBlockade, list)
}

// Declined returns the decline record, if any.
func (s *StateStore) Declined(ctx context.Context) (*domain.DeclinedRecord, bool) {
	rec, ok := readRecord[domain.DeclinedRecord](ctx, s, KeyDeclined)
	if !ok {
		return nil, false
	}
	return &rec, true
}

// SaveDeclined writes the decline record.
func (s *StateStore) SaveDeclined(ctx context.Context, rec domain.DeclinedRecord) error {
	return writeRecord(ctx, s, KeyDeclined, rec)
}

// Reminder returns the reminder record, if any.
func (s *StateStore) Reminder(ctx context.Context) (*domain.ReminderRecord, bool) {
	rec, ok := readRecord[domain.ReminderRecord](ctx, s, KeyReminder)
	if !ok {
		return nil, false
	}
	return &rec, true
}

// SaveReminder writes the reminder record.
func (s *StateStore) SaveReminder(ctx context.Context, rec domain.ReminderRecord) error {
	return writeRecord(ctx, s, KeyReminder, rec)
}

// ClearReminder removes the reminder record.
func (s *StateStore) ClearReminder(ctx context.Context) error {
	return s.remove(ctx, KeyReminder)
}

// PreRestart returns the pre-restart record, if any.
func (s *StateStore) PreRestart(ctx context.Context) (*domain.PreRestartRecord, bool) {
	rec, ok := readRecord[domain.PreRestartRecord](ctx, s, KeyPreRestart)
	if !ok {
		return nil, false
	}
	return &rec, true
}

// SavePreRestart writes the pre-restart record.
func (s *StateStore) SavePreRestart(ctx context.Context, rec domain.PreRestartRecord) error {
	return writeRecord(ctx, s, KeyPreRestart, rec)
}

// ClearPreRestart removes the pre-restart record.
func (s *StateStore) ClearPreRestart(ctx context.Context) error {
	return s.remove(ctx, KeyPreRestart)
}

// ActivityLog returns the stored activity log, newest first.
func (s *StateStore) ActivityLog(ctx context.Context) []domain.ActivityLogEntry {
	logs, _ := readRecord[[]domain.ActivityLogEntry](ctx, s, KeyActivityLog)
	return logs
}

// SaveActivityLog replaces the stored activity log.
func (s *StateStore) SaveActivityLog(ctx context.Context, logs []domain.ActivityLogEntry) error {
	return writeRecord(ctx, s, KeyActivityLog, logs)
}

// KeyUsage describes one persisted key for storage diagnostics.
type KeyUsage struct {
	Key    string `json:"key"`
	Exists bool   `json:"exists"`
	Size   int    `json:"size,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StorageInfo summarises what the manager keeps in the store.
type StorageInfo struct {
	Keys      []KeyUsage `json:"keys"`
	TotalSize int        `json:"totalSize"`
}

// Usage reports presence and size for every persisted key.
func (s *StateStore) Usage(ctx context.Context) StorageInfo {
	info := StorageInfo{Keys: make([]KeyUsage, 0, len(AllKeys))}
	for _, key := range AllKeys {
		u := KeyUsage{Key: key}
		raw, ok, err := s.kv.Get(ctx, key)
		switch {
		case err != nil:
			u.Error = err.Error()
		case ok:
			u.Exists = true
			u.Size = len(raw)
			info.TotalSize += len(raw)
		}
		info.Keys = append(info.Keys, u)
	}
	sort.Slice(info.Keys, func(i, j int) bool { return info.Keys[i].Key < info.Keys[j].Key })
	return info
}

// ResetAll deletes every persisted key. All deletes are attempted.
func (s *StateStore) ResetAll(ctx context.Context) error {
	var err error
	for _, key := range AllKeys {
		err = multierr.Append(err, s.remove(ctx, key))
	}
	return err
}

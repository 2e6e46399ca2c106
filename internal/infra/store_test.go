package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// newTestEncryptedStore creates an encrypted store in a temp directory.
func newTestEncryptedStore(t *testing.T) (*EncryptedStore, string) {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	s, err := NewEncryptedStore(dataDir, key)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dataDir
}

// runStoreContract exercises the KeyValueStore behaviour every backend shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) domain.KeyValueStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s domain.KeyValueStore)
	}{
		{
			name: "missing key is absent without error",
			fn: func(t *testing.T, s domain.KeyValueStore) {
				v, ok, err := s.Get(context.Background(), "ota_pending_update")
				require.NoError(t, err)
				assert.False(t, ok)
				assert.Nil(t, v)
			},
		},
		{
			name: "set then get",
			fn: func(t *testing.T, s domain.KeyValueStore) {
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "ota_config", []byte(`{"autoRestart":true}`)))
				v, ok, err := s.Get(ctx, "ota_config")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.JSONEq(t, `{"autoRestart":true}`, string(v))
			},
		},
		{
			name: "set replaces previous value",
			fn: func(t *testing.T, s domain.KeyValueStore) {
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "ota_logs", []byte(`[1]`)))
				require.NoError(t, s.Set(ctx, "ota_logs", []byte(`[2]`)))
				v, _, err := s.Get(ctx, "ota_logs")
				require.NoError(t, err)
				assert.Equal(t, `[2]`, string(v))
			},
		},
		{
			name: "delete removes key and tolerates missing",
			fn: func(t *testing.T, s domain.KeyValueStore) {
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "ota_rollback_info", []byte(`{}`)))
				require.NoError(t, s.Delete(ctx, "ota_rollback_info"))
				_, ok, err := s.Get(ctx, "ota_rollback_info")
				require.NoError(t, err)
				assert.False(t, ok)
				assert.NoError(t, s.Delete(ctx, "ota_rollback_info"))
			},
		},
		{
			name: "keys are independent",
			fn: func(t *testing.T, s domain.KeyValueStore) {
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "a", []byte("1")))
				require.NoError(t, s.Set(ctx, "b", []byte("2")))
				require.NoError(t, s.Delete(ctx, "a"))
				v, ok, err := s.Get(ctx, "b")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "2", string(v))
			},
		},
		{
			name: "concurrent writers",
			fn: func(t *testing.T, s domain.KeyValueStore) {
				ctx := context.Background()
				var wg sync.WaitGroup
				for i := range 10 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, s.Set(ctx, filepath.Join("k", string(rune('a'+i))), []byte("v")))
					}()
				}
				wg.Wait()
				_, ok, err := s.Get(ctx, "k/a")
				require.NoError(t, err)
				assert.True(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) domain.KeyValueStore { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in))
	in[0] = 'x'

	out, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
	out[0] = 'y'

	again, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestEncryptedStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) domain.KeyValueStore {
		s, _ := newTestEncryptedStore(t)
		return s
	})
}

func TestEncryptedStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	provider := NewFileKeyProvider(dataDir)

	s, err := OpenEncryptedStore(dataDir, provider)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "ota_update_blockade", []byte(`{"u1":{}}`)))
	require.NoError(t, s.Close())

	reopened, err := OpenEncryptedStore(dataDir, provider)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get(ctx, "ota_update_blockade")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"u1":{}}`, string(v))
	assert.Equal(t, filepath.Join(dataDir, storeDBName), reopened.Path())
}

func TestEncryptedStore_WrongKeyFails(t *testing.T) {
	ctx := context.Background()
	s, dataDir := newTestEncryptedStore(t)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	otherKey, err := GenerateKey()
	require.NoError(t, err)
	_, err = NewEncryptedStore(dataDir, otherKey)
	assert.Error(t, err)
}

func TestEncryptedStore_FileIsNotPlaintext(t *testing.T) {
	ctx := context.Background()
	s, dataDir := newTestEncryptedStore(t)
	require.NoError(t, s.Set(ctx, "ota_config", []byte("needle-value")))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(filepath.Join(dataDir, storeDBName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "needle-value")
	assert.NotContains(t, string(raw), "SQLite format 3")
}

// TestRedisStore runs against a live server when OTA_TEST_REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("OTA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OTA_TEST_REDIS_ADDR not set")
	}
	runStoreContract(t, func(t *testing.T) domain.KeyValueStore {
		s, err := NewRedisStore(context.Background(), addr, fmt.Sprintf("otamgr-test:%d:", time.Now().UnixNano()))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNewRedisStore_RequiresAddr(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "", "")
	assert.Error(t, err)
}

package infra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

type updateServer struct {
	manifest      *domain.Manifest
	manifestCode  int
	bundle        []byte
	bundleCode    int
	bundleHits    atomic.Int32
	lastRuntime   atomic.Value
	lastCurrentID atomic.Value
}

func (s *updateServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		s.lastRuntime.Store(r.Header.Get(headerRuntimeVersion))
		s.lastCurrentID.Store(r.Header.Get(headerCurrentUpdate))
		if s.manifestCode != 0 {
			w.WriteHeader(s.manifestCode)
			return
		}
		if s.manifest == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(s.manifest)
	})
	mux.HandleFunc("/bundles/", func(w http.ResponseWriter, r *http.Request) {
		s.bundleHits.Add(1)
		if s.bundleCode != 0 {
			w.WriteHeader(s.bundleCode)
			return
		}
		_, _ = w.Write(s.bundle)
	})
	return mux
}

func newTestClient(t *testing.T, srv *updateServer) (*HTTPUpdateClient, string) {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	dir := t.TempDir()
	c := NewHTTPUpdateClient(HTTPClientOptions{
		ManifestURL:    ts.URL + "/manifest",
		RuntimeVersion: "1.0.0",
		Channel:        "production",
		BundleDir:      dir,
	}, zap.NewNop())
	return c, dir
}

func manifestFor(id string) *domain.Manifest {
	return &domain.Manifest{
		ID:             id,
		RuntimeVersion: "1.0.0",
		LaunchAsset:    domain.LaunchAsset{Hash: "ab", Size: 5, URL: "bundles/" + id},
	}
}

func TestHTTPUpdateClient_FetchManifest(t *testing.T) {
	tests := []struct {
		name          string
		srv           *updateServer
		wantID        string
		wantErr       bool
		wantTransient bool
	}{
		{name: "published", srv: &updateServer{manifest: manifestFor("u1")}, wantID: "u1"},
		{name: "no content", srv: &updateServer{}},
		{name: "not found", srv: &updateServer{manifestCode: http.StatusNotFound}},
		{name: "server error is transient", srv: &updateServer{manifestCode: http.StatusBadGateway}, wantErr: true, wantTransient: true},
		{name: "client error", srv: &updateServer{manifestCode: http.StatusForbidden}, wantErr: true},
		{name: "manifest without id", srv: &updateServer{manifest: &domain.Manifest{}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.srv)
			m, err := c.FetchManifest(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantTransient, errors.Is(err, domain.ErrTransientNetwork))
				return
			}
			require.NoError(t, err)
			if tt.wantID == "" {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, tt.wantID, m.ID)
			assert.Equal(t, "1.0.0", tt.srv.lastRuntime.Load())
		})
	}
}

func TestHTTPUpdateClient_UnreachableIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := NewHTTPUpdateClient(HTTPClientOptions{ManifestURL: url + "/manifest"}, nil)
	_, err := c.FetchManifest(context.Background())
	assert.True(t, errors.Is(err, domain.ErrTransientNetwork))
}

func TestHTTPUpdateClient_FetchBundleStages(t *testing.T) {
	srv := &updateServer{manifest: manifestFor("u1"), bundle: []byte("hello")}
	c, dir := newTestClient(t, srv)

	res, err := c.FetchBundle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, "u1", res.Manifest.ID)
	assert.Equal(t, filepath.Join(dir, slotStaged, bundleFileName), res.BundlePath)

	data, err := os.ReadFile(res.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	staged, err := readSlotManifest(dir, slotStaged)
	require.NoError(t, err)
	require.NotNil(t, staged)
	assert.Equal(t, "u1", staged.ID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "incoming directory removed after promotion")
}

func TestHTTPUpdateClient_FetchBundleReusesStaged(t *testing.T) {
	srv := &updateServer{manifest: manifestFor("u1"), bundle: []byte("hello")}
	c, _ := newTestClient(t, srv)

	_, err := c.FetchBundle(context.Background())
	require.NoError(t, err)
	res, err := c.FetchBundle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.EqualValues(t, 1, srv.bundleHits.Load())
}

func TestHTTPUpdateClient_FetchBundleAlreadyCurrent(t *testing.T) {
	srv := &updateServer{manifest: manifestFor("u1"), bundle: []byte("hello")}
	c, dir := newTestClient(t, srv)
	writeSlot(t, dir, slotCurrent, "u1", "hello")

	res, err := c.FetchBundle(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.EqualValues(t, 0, srv.bundleHits.Load())
	assert.Equal(t, "u1", srv.lastCurrentID.Load())
}

func TestHTTPUpdateClient_FetchBundleNothingPublished(t *testing.T) {
	c, _ := newTestClient(t, &updateServer{})

	res, err := c.FetchBundle(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.Nil(t, res.Manifest)
}

func TestHTTPUpdateClient_FetchBundleFailures(t *testing.T) {
	tests := []struct {
		name          string
		srv           *updateServer
		wantTransient bool
	}{
		{name: "bundle server error", srv: &updateServer{manifest: manifestFor("u1"), bundleCode: http.StatusServiceUnavailable}, wantTransient: true},
		{name: "bundle missing", srv: &updateServer{manifest: manifestFor("u1"), bundleCode: http.StatusNotFound}},
		{name: "no asset url", srv: &updateServer{manifest: &domain.Manifest{ID: "u1", RuntimeVersion: "1.0.0"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dir := newTestClient(t, tt.srv)
			_, err := c.FetchBundle(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, errors.Is(err, domain.ErrTransientNetwork))
			assert.False(t, slotExists(dir, slotStaged))
		})
	}
}

func TestHTTPUpdateClient_ContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, &updateServer{manifest: manifestFor("u1")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchManifest(ctx)
	assert.Error(t, err)
}

// writeSlot fills a bundle slot with a manifest and bundle content.
func writeSlot(t *testing.T, root, slot, id, content string) {
	t.Helper()
	dir := filepath.Join(root, slot)
	require.NoError(t, os.MkdirAll(dir, 0755))
	raw, err := json.Marshal(manifestFor(id))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), raw, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundleFileName), []byte(content), 0644))
}

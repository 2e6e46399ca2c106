// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// UpdateServer is an in-process update server. It publishes at most one
// manifest at a time and serves the matching bundle under /bundles/<id>.
type UpdateServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	manifest *domain.Manifest
	bundles  map[string][]byte
	failing  bool
	requests []http.Header
}

// NewUpdateServer starts a server with nothing published.
func NewUpdateServer() *UpdateServer {
	s := &UpdateServer{bundles: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", s.serveManifest)
	mux.HandleFunc("/bundles/", s.serveBundle)
	s.srv = httptest.NewServer(mux)
	return s
}

// ManifestURL is the URL clients poll.
func (s *UpdateServer) ManifestURL() string {
	return s.srv.URL + "/manifest"
}

// Close shuts the server down.
func (s *UpdateServer) Close() {
	s.srv.Close()
}

// Publish makes bundle available as update id for runtimeVersion. The
// manifest carries the bundle's real SHA-256 and size.
func (s *UpdateServer) Publish(id, runtimeVersion string, bundle []byte) *domain.Manifest {
	return s.PublishWithHash(id, runtimeVersion, bundle, digest.FromBytes(bundle).Encoded())
}

// PublishWithHash publishes bundle under an arbitrary advertised hash.
func (s *UpdateServer) PublishWithHash(id, runtimeVersion string, bundle []byte, hash string) *domain.Manifest {
	m := &domain.Manifest{
		ID:             id,
		RuntimeVersion: runtimeVersion,
		LaunchAsset: domain.LaunchAsset{
			Hash: hash,
			Size: int64(len(bundle)),
			URL:  "bundles/" + id,
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = m
	s.bundles[id] = bundle
	return m
}

// Withdraw stops publishing any manifest.
func (s *UpdateServer) Withdraw() {
	s.mu.Lock()
	s.manifest = nil
	s.mu.Unlock()
}

// SetFailing makes every request answer 503.
func (s *UpdateServer) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// ManifestRequests returns the headers of every manifest request so far.
func (s *UpdateServer) ManifestRequests() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.requests...)
}

func (s *UpdateServer) serveManifest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Header.Clone())
	failing, m := s.failing, s.manifest
	s.mu.Unlock()

	switch {
	case failing:
		w.WriteHeader(http.StatusServiceUnavailable)
	case m == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m)
	}
}

func (s *UpdateServer) serveBundle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/bundles/")
	s.mu.Lock()
	failing := s.failing
	bundle, ok := s.bundles[id]
	s.mu.Unlock()

	switch {
	case failing:
		w.WriteHeader(http.StatusServiceUnavailable)
	case !ok:
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(bundle)
	}
}

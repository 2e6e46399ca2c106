package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

var errStoreDown = errors.New("store unavailable")

// mockKV implements domain.KeyValueStore with per-key failure injection.
type mockKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	failGet  map[string]bool
	failSet  map[string]bool
	failDel  map[string]bool
	setCalls map[string]int
	delCalls map[string]int

	onDelete func(key string) // runs after a successful delete, outside mu
}

func newMockKV() *mockKV {
	return &mockKV{
		data:     map[string][]byte{},
		failGet:  map[string]bool{},
		failSet:  map[string]bool{},
		failDel:  map[string]bool{},
		setCalls: map[string]int{},
		delCalls: map[string]int{},
	}
}

func (m *mockKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet[key] {
		return nil, false, errStoreDown
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls[key]++
	if m.failSet[key] {
		return errStoreDown
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mockKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	m.delCalls[key]++
	if m.failDel[key] {
		m.mu.Unlock()
		return errStoreDown
	}
	delete(m.data, key)
	hook := m.onDelete
	m.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return nil
}

func (m *mockKV) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *mockKV) raw(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.data[key])
}

// mockSource implements domain.ManifestSource. Each call pops the next
// scripted response; the last one repeats.
type mockSource struct {
	mu        sync.Mutex
	responses []sourceResponse
	calls     int
	block     chan struct{}
}

type sourceResponse struct {
	manifest *domain.Manifest
	err      error
}

func (s *mockSource) FetchManifest(ctx context.Context) (*domain.Manifest, error) {
	s.mu.Lock()
	s.calls++
	idx := s.calls - 1
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(s.responses) == 0 {
		return nil, nil
	}
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	r := s.responses[idx]
	return r.manifest, r.err
}

func (s *mockSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// mockFetcher implements domain.BundleFetcher.
type mockFetcher struct {
	mu      sync.Mutex
	results []fetchResponse
	calls   int
}

type fetchResponse struct {
	result *domain.DownloadResult
	err    error
}

func (f *mockFetcher) FetchBundle(context.Context) (*domain.DownloadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return &domain.DownloadResult{IsNew: false}, nil
	}
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	return r.result, r.err
}

// mockApplier implements domain.Applier.
type mockApplier struct {
	currentID  string
	currentErr error
	applyErr   error
	applyCalls int
}

func (a *mockApplier) CurrentUpdateID(context.Context) (string, error) {
	return a.currentID, a.currentErr
}

func (a *mockApplier) ApplyAndRestart(context.Context) error {
	a.applyCalls++
	return a.applyErr
}

// mockConfirmer implements domain.Confirmer. Informational prompts (no
// actions) are recorded and answered with ActionDismiss.
type mockConfirmer struct {
	mu      sync.Mutex
	answer  domain.PromptAction
	answers map[string]domain.PromptAction
	err     error
	prompts []domain.Prompt
}

func (c *mockConfirmer) Present(_ context.Context, p domain.Prompt) (domain.PromptAction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, p)
	if len(p.Actions) == 0 {
		return domain.ActionDismiss, nil
	}
	if c.err != nil {
		return "", c.err
	}
	if a, ok := c.answers[p.Title]; ok {
		return a, nil
	}
	return c.answer, nil
}

func (c *mockConfirmer) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.prompts))
	for _, p := range c.prompts {
		out = append(out, p.Title)
	}
	return out
}

// mockSink implements domain.NotificationSink.
type mockSink struct {
	notices []domain.UpdateNotice
	err     error
}

func (s *mockSink) NotifyUpdate(_ context.Context, n domain.UpdateNotice) error {
	s.notices = append(s.notices, n)
	return s.err
}

// mockProber implements domain.ReachabilityProber.
type mockProber struct {
	info domain.NetworkInfo
}

func (p mockProber) Probe(_ context.Context, url string) domain.NetworkInfo {
	info := p.info
	info.URL = url
	return info
}

// mockHost implements domain.HostInspector.
type mockHost struct {
	facts domain.HostFacts
	err   error
}

func (h mockHost) Facts(context.Context) (domain.HostFacts, error) {
	return h.facts, h.err
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var validHash = strings.Repeat("a", 64)

func productionBuild() domain.BuildInfo {
	return domain.BuildInfo{
		RuntimeVersion: "1.0.0",
		Channel:        "production",
		UpdateURL:      "https://updates.example.test/manifest",
		Platform:       "linux",
		Enabled:        true,
		ServiceVersion: "test",
	}
}

func testManifest(id, runtime string) *domain.Manifest {
	return &domain.Manifest{
		ID:             id,
		RuntimeVersion: runtime,
		LaunchAsset:    domain.LaunchAsset{Hash: validHash, Size: 2048},
	}
}

// harness bundles a Manager with its mocks.
type harness struct {
	kv        *mockKV
	source    *mockSource
	fetcher   *mockFetcher
	applier   *mockApplier
	confirmer *mockConfirmer
	clock     *fakeClock
	m         *Manager
}

type harnessOption func(*harness, *Deps, *Options)

func withBuild(b domain.BuildInfo) harnessOption {
	return func(_ *harness, _ *Deps, o *Options) { o.Build = b }
}

func withKV(kv *mockKV) harnessOption {
	return func(h *harness, d *Deps, _ *Options) {
		h.kv = kv
		d.Store = kv
	}
}

func withHost(host domain.HostInspector) harnessOption {
	return func(_ *harness, d *Deps, _ *Options) { d.Host = host }
}

func withProber(p domain.ReachabilityProber) harnessOption {
	return func(_ *harness, d *Deps, _ *Options) { d.Prober = p }
}

// newHarness builds a production Manager with zero retry delay so retry
// tests run instantly.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		kv:        newMockKV(),
		source:    &mockSource{},
		fetcher:   &mockFetcher{},
		applier:   &mockApplier{},
		confirmer: &mockConfirmer{answer: domain.ActionDecline},
		clock:     newFakeClock(),
	}
	deps := Deps{
		Store:     h.kv,
		Source:    h.source,
		Fetcher:   h.fetcher,
		Applier:   h.applier,
		Confirmer: h.confirmer,
		Logger:    zap.NewNop(),
		Clock:     h.clock.Now,
	}
	options := Options{Build: productionBuild()}
	for _, o := range opts {
		o(h, &deps, &options)
	}

	m, err := NewManager(context.Background(), deps, options)
	require.NoError(t, err)
	m.cfg.RetryDelay = 0
	h.m = m
	return h
}

func (h *harness) activities(ctx context.Context) []domain.Activity {
	logs := h.m.activity.Entries(ctx, 0)
	out := make([]domain.Activity, 0, len(logs))
	for _, e := range logs {
		out = append(out, e.Activity)
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

func durPtr(d time.Duration) *time.Duration { return &d }

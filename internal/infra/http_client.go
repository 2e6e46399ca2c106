package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

const (
	headerRuntimeVersion = "X-Runtime-Version"
	headerChannel        = "X-Channel"
	headerCurrentUpdate  = "X-Current-Update-Id"
	userAgent            = "otamgr"
)

// HTTPClientOptions configures an HTTPUpdateClient.
type HTTPClientOptions struct {
	ManifestURL    string
	RuntimeVersion string
	Channel        string
	BundleDir      string
}

// HTTPUpdateClient fetches manifests and bundles from an update server.
//
// GET <ManifestURL> answers 200 with a JSON manifest, or 204/404 when nothing
// is published for the runtime. The manifest's launchAsset.url may be
// relative to the manifest URL. Bundles are staged in <BundleDir>/staged.
type HTTPUpdateClient struct {
	client *http.Client
	opts   HTTPClientOptions
	logger *zap.Logger
}

// NewHTTPUpdateClient creates a client. The http.Client has no timeout;
// callers bound each request with their context.
func NewHTTPUpdateClient(opts HTTPClientOptions, logger *zap.Logger) *HTTPUpdateClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPUpdateClient{
		client: &http.Client{},
		opts:   opts,
		logger: logger,
	}
}

// FetchManifest returns the newest manifest, or nil when none is published.
func (c *HTTPUpdateClient) FetchManifest(ctx context.Context) (*domain.Manifest, error) {
	if c.opts.ManifestURL == "" {
		return nil, errors.New("manifest URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.ManifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerRuntimeVersion, c.opts.RuntimeVersion)
	req.Header.Set(headerChannel, c.opts.Channel)
	if current, _ := readSlotManifest(c.opts.BundleDir, slotCurrent); current != nil {
		req.Header.Set(headerCurrentUpdate, current.ID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w: %w", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("manifest server returned status %d: %w", resp.StatusCode, domain.ErrTransientNetwork)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("manifest server returned status %d", resp.StatusCode)
	}

	var m domain.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.ID == "" {
		return nil, errors.New("manifest has no id")
	}
	return &m, nil
}

// FetchBundle downloads the bundle of the newest manifest into the staged
// slot. IsNew is false when nothing is published or the manifest is the one
// already running. A bundle already staged for the same id is reused.
func (c *HTTPUpdateClient) FetchBundle(ctx context.Context) (*domain.DownloadResult, error) {
	m, err := c.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &domain.DownloadResult{IsNew: false}, nil
	}
	if current, _ := readSlotManifest(c.opts.BundleDir, slotCurrent); current != nil && current.ID == m.ID {
		return &domain.DownloadResult{IsNew: false, Manifest: m}, nil
	}

	stagedBundle := filepath.Join(slotPath(c.opts.BundleDir, slotStaged), bundleFileName)
	if staged, _ := readSlotManifest(c.opts.BundleDir, slotStaged); staged != nil && staged.ID == m.ID && slotExists(c.opts.BundleDir, slotStaged) {
		c.logger.Debug("bundle already staged", zap.String("update_id", m.ID))
		return &domain.DownloadResult{IsNew: true, Manifest: m, BundlePath: stagedBundle}, nil
	}

	assetURL, err := c.resolveAsset(m.LaunchAsset.URL)
	if err != nil {
		return nil, err
	}
	if err := c.stage(ctx, m, assetURL); err != nil {
		return nil, err
	}
	c.logger.Info("bundle staged", zap.String("update_id", m.ID), zap.String("path", stagedBundle))
	return &domain.DownloadResult{IsNew: true, Manifest: m, BundlePath: stagedBundle}, nil
}

func (c *HTTPUpdateClient) resolveAsset(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("manifest has no launch asset url")
	}
	base, err := url.Parse(c.opts.ManifestURL)
	if err != nil {
		return "", fmt.Errorf("invalid manifest url: %w", err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid launch asset url: %w", err)
	}
	return base.ResolveReference(rel).String(), nil
}

// stage downloads into a fresh incoming directory and swaps it into the
// staged slot once the bundle and manifest are both on disk.
func (c *HTTPUpdateClient) stage(ctx context.Context, m *domain.Manifest, assetURL string) error {
	if err := os.MkdirAll(c.opts.BundleDir, 0755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}
	incoming, err := os.MkdirTemp(c.opts.BundleDir, ".incoming-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(incoming)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerRuntimeVersion, c.opts.RuntimeVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download bundle: %w: %w", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("bundle download returned status %d: %w", resp.StatusCode, domain.ErrTransientNetwork)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bundle download returned status %d", resp.StatusCode)
	}

	if err := writeFileAtomic(filepath.Join(incoming, bundleFileName), resp.Body, 0644); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(incoming, manifestFileName), bytes.NewReader(raw), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	staged := slotPath(c.opts.BundleDir, slotStaged)
	if err := os.RemoveAll(staged); err != nil {
		return fmt.Errorf("failed to clear staged bundle: %w", err)
	}
	if err := os.Rename(incoming, staged); err != nil {
		return fmt.Errorf("failed to promote staged bundle: %w", err)
	}
	return nil
}

var (
	_ domain.ManifestSource = (*HTTPUpdateClient)(nil)
	_ domain.BundleFetcher  = (*HTTPUpdateClient)(nil)
)

package infra

import (
	"context"
	"net/http"
	"time"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// HTTPProber checks reachability of the update endpoint with a HEAD request.
type HTTPProber struct {
	client *http.Client
	now    func() time.Time
}

// NewHTTPProber creates a prober; the caller's context bounds each probe.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: &http.Client{}, now: time.Now}
}

// Probe reports connected when the endpoint answers HEAD with a 2xx status.
func (p *HTTPProber) Probe(ctx context.Context, url string) domain.NetworkInfo {
	info := domain.NetworkInfo{URL: url}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	req.Header.Set("User-Agent", userAgent)

	start := p.now()
	resp, err := p.client.Do(req)
	info.ResponseTime = p.now().Sub(start)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	resp.Body.Close()

	info.Status = resp.StatusCode
	info.Connected = resp.StatusCode >= 200 && resp.StatusCode < 300
	return info
}

var _ domain.ReachabilityProber = (*HTTPProber)(nil)

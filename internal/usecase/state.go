package usecase

import (
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// serviceState is the mutex-guarded in-memory ServiceState.
// IsChecking and IsDownloading are claimed with compare-and-set so a second
// caller is turned away instead of queued.
type serviceState struct {
	mu sync.Mutex
	s  domain.ServiceState

	resumePhase domain.Phase // phase to return to after a failed download
}

func newServiceState(production bool) *serviceState {
	return &serviceState{s: domain.ServiceState{
		IsProductionBuild: production,
		Phase:             domain.PhaseUninitialized,
	}}
}

func (st *serviceState) snapshot() domain.ServiceState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

func (st *serviceState) setPhase(p domain.Phase) {
	st.mu.Lock()
	st.s.Phase = p
	st.mu.Unlock()
}

func (st *serviceState) markInitialized() {
	st.mu.Lock()
	st.s.IsInitialized = true
	if st.s.Phase == domain.PhaseInitializing {
		st.s.Phase = domain.PhaseIdle
	}
	st.mu.Unlock()
}

// beginCheck claims the check slot. When force is false and the last check
// is younger than interval, it reports throttled.
func (st *serviceState) beginCheck(now time.Time, interval time.Duration, force bool) (ok bool, skipped string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.IsChecking {
		return false, "in_flight"
	}
	if !force && !st.s.LastCheckTime.IsZero() && now.Sub(st.s.LastCheckTime) < interval {
		return false, "throttled"
	}
	st.s.IsChecking = true
	st.s.LastCheckTime = now
	if st.s.Phase == domain.PhaseIdle {
		st.s.Phase = domain.PhaseChecking
	}
	return true, ""
}

func (st *serviceState) endCheck(available bool) {
	st.mu.Lock()
	st.s.IsChecking = false
	st.s.UpdateAvailable = available
	if st.s.Phase == domain.PhaseChecking {
		st.s.Phase = domain.PhaseIdle
	}
	st.mu.Unlock()
}

func (st *serviceState) resetThrottle() {
	st.mu.Lock()
	st.s.LastCheckTime = time.Time{}
	st.mu.Unlock()
}

func (st *serviceState) beginDownload() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.IsDownloading {
		return false
	}
	st.s.IsDownloading = true
	st.resumePhase = st.s.Phase
	st.s.Phase = domain.PhaseDownloading
	return true
}

// endDownload releases the download slot. A verified download leaves the
// service waiting for a restart.
func (st *serviceState) endDownload(verified bool) {
	st.mu.Lock()
	st.s.IsDownloading = false
	if verified {
		st.s.Phase = domain.PhasePendingRestart
	} else {
		st.s.Phase = st.resumePhase
	}
	st.mu.Unlock()
}

func (st *serviceState) setRetryCount(n int) {
	st.mu.Lock()
	st.s.RetryCount = n
	st.mu.Unlock()
}

func (st *serviceState) incRetryCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.RetryCount++
	return st.s.RetryCount
}

// reset returns to a freshly initialized idle state.
func (st *serviceState) reset() {
	st.mu.Lock()
	initialized := st.s.IsInitialized
	st.s = domain.ServiceState{
		IsProductionBuild: st.s.IsProductionBuild,
		IsInitialized:     initialized,
		Phase:             domain.PhaseUninitialized,
	}
	if initialized {
		st.s.Phase = domain.PhaseIdle
	}
	st.mu.Unlock()
}

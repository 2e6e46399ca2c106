package domain

import "errors"

var (
	// ErrTransientNetwork marks a fetch failure worth retrying.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrIntegrity marks a bundle whose hash is missing or does not match.
	// Never retried against the same bundle.
	ErrIntegrity = errors.New("integrity verification failed")

	// ErrPersistence marks a failed store write.
	ErrPersistence = errors.New("persistence error")

	// ErrPlatformRestart marks a failed restart-to-apply.
	ErrPlatformRestart = errors.New("restart to apply failed")

	// ErrIncompatibleRuntime is recorded when a manifest targets another runtime.
	// It is an outcome, not a failure, and is never returned to callers.
	ErrIncompatibleRuntime = errors.New("runtime version incompatible")
)

// ErrInvalidConfiguration marks a configuration patch that would leave the
// manager unusable.
var ErrInvalidConfiguration = errors.New("invalid configuration")

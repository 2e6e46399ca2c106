package domain

import "context"

// KeyValueStore is the host's persistent key-value primitive.
// Every operation is independently failable; there is no cross-key transaction.
type KeyValueStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ManifestSource fetches the newest manifest for this runtime.
// Returns nil when no update is published.
type ManifestSource interface {
	FetchManifest(ctx context.Context) (*Manifest, error)
}

// BundleFetcher downloads the bundle of the newest manifest.
type BundleFetcher interface {
	FetchBundle(ctx context.Context) (*DownloadResult, error)
}

// Applier replaces the running bundle and restarts the host application.
type Applier interface {
	// CurrentUpdateID returns the id of the running bundle ("" for the embedded one).
	CurrentUpdateID(ctx context.Context) (string, error)

	// ApplyAndRestart activates the staged bundle and restarts.
	// On success it may never return.
	ApplyAndRestart(ctx context.Context) error
}

// Confirmer presents a system-level confirmation and returns the chosen action.
type Confirmer interface {
	Present(ctx context.Context, prompt Prompt) (PromptAction, error)
}

// NotificationSink surfaces an available update to the user.
// A custom sink replaces the default confirmation entirely.
type NotificationSink interface {
	NotifyUpdate(ctx context.Context, notice UpdateNotice) error
}

// ReachabilityProber runs a lightweight probe against the update endpoint.
type ReachabilityProber interface {
	Probe(ctx context.Context, url string) NetworkInfo
}

// HostInspector reports facts about the machine for diagnostics.
type HostInspector interface {
	Facts(ctx context.Context) (HostFacts, error)
}

// KeyProvider abstracts the source of the store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

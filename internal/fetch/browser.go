package fetch

import "context"

// Handle identifies one backend execution context. Its concrete type is owned
// by the backend that issued it.
type Handle interface {
	ID() string
}

// Viewport sets the emulated window size.
type Viewport struct {
	Width  int
	Height int
}

// Profile holds the static per-context settings applied once at open.
type Profile struct {
	Identity       Identity
	BlockResources []string
	Locale         string
	Timezone       string
	Viewport       Viewport
}

// Identity is the rotating part of a context: what the target sees.
type Identity struct {
	UserAgent  string
	Script     string
	Generation int
}

// Browser is the automation capability the pool and orchestrator drive.
// Implementations must be safe for concurrent use across distinct handles.
type Browser interface {
	// OpenContext creates a new isolated context with its own cookie jar.
	OpenContext(ctx context.Context, profile Profile) (Handle, error)
	// Navigate loads req.Target in h. Transport failures are reported through
	// RawResult.Err; the returned error is reserved for unusable handles.
	Navigate(ctx context.Context, h Handle, req Request) (RawResult, error)
	// ApplyIdentity clears cookies and applies a new user agent and script.
	ApplyIdentity(ctx context.Context, h Handle, id Identity) error
	// CloseContext releases the context. It is called once per handle.
	CloseContext(h Handle) error
}

// Package dispatch implements download dispatch (D): detecting which
// provider owns a link embedded in a run's description, fetching and
// validating metadata, streaming the download, and re-validating the
// downloaded archive (spec §4.4).
package dispatch

import (
	"context"

	"github.com/runverify/replay-runner/internal/runmodel"
)

// Provider is the small capability set every concrete file host
// implements (spec §4.4 "Provider interface"). Dispatch holds a dynamic
// list of these — not a class hierarchy.
type Provider interface {
	// Tag identifies the provider in logs and circuit-breaker naming.
	Tag() string

	// Detect pattern-matches a URL in the free-text input. A zero-value
	// handle and ok=false means no match.
	Detect(input string) (handle string, ok bool)

	// GetFileInfo is a cheap metadata fetch, performed before downloading.
	GetFileInfo(ctx context.Context, handle string) (runmodel.FileMeta, error)

	// Download streams handle's bytes to destinationPath.
	Download(ctx context.Context, handle string, destinationPath string) error
}

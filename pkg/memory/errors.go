package memory

import "errors"

var (
	// ErrNotFound indicates a referenced atom, version, or evidence row is
	// absent. Propagated to the caller; non-retryable.
	ErrNotFound = errors.New("memory entity not found")

	// ErrExternalCapability wraps generation/embedding/classification
	// failures. Always absorbed at the point of use with a safe default and
	// never unwound past a pipeline boundary.
	ErrExternalCapability = errors.New("external capability failed")
)

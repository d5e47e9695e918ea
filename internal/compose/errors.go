package compose

import "fmt"

// ManifestError represents a structural problem with a parsed manifest
// (the InvalidManifest kind from spec.md §7).
type ManifestError struct {
	Message string
}

func (e *ManifestError) Error() string { return e.Message }

func newManifestError(format string, args ...interface{}) *ManifestError {
	return &ManifestError{Message: fmt.Sprintf(format, args...)}
}

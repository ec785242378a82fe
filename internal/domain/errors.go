package domain

import "errors"

// KindOf extracts the taxonomy kind from err if it (or something it wraps)
// is an *IngestError; ok is false otherwise.
func KindOf(err error) (kind ErrKind, ok bool) {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return "", false
}

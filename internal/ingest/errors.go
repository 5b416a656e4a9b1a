package ingest

import "errors"

// ErrInvalidPayload is returned for bodies that cannot be decoded.
var ErrInvalidPayload = errors.New("invalid payload")

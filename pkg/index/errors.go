package index

import "errors"

// Error kinds per the error handling design: NotFound and the four write-
// path refusals are exposed as sentinels so callers can compare with
// errors.Is; HashMismatch and Malformed carry no extra context beyond the
// wrapped message, matching the rest of the index's terse error style.
var (
	ErrInvalidParent = errors.New("index: invalid parent")
	ErrUnknownParent = errors.New("index: unknown parent")
	ErrNotAuthorized = errors.New("index: not authorized")
	ErrHashMismatch  = errors.New("index: hash mismatch")
	ErrMalformed     = errors.New("index: malformed node dictionary")
	ErrNotFound      = errors.New("index: not found")
)

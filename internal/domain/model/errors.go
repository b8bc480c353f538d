package model

import "errors"

// Sentinel kinds for malformed events.
var (
	ErrMissingSessionID = errors.New("missing sessionId")
	ErrMissingUserID    = errors.New("missing userId")
	ErrMissingFilmID    = errors.New("missing filmId")
	ErrInvalidPosition  = errors.New("invalid position")
	ErrEncode           = errors.New("encode event")
	ErrDecode           = errors.New("decode event")
)

// ErrUnprocessable marks an event that a store refuses because of the
// shape of its data. Redelivering it cannot succeed.
var ErrUnprocessable = errors.New("event cannot be applied")

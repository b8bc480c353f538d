package presence

import "errors"

// Sentinel kinds for presence errors.
var (
	ErrMissingFilmID = errors.New("presence: film id is required")
	ErrMissingUserID = errors.New("presence: user id is required")
)

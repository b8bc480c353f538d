package service

import "errors"

// ErrNotStarted is returned by the API façade before Start or after Stop.
var ErrNotStarted = errors.New("service not started")

package producer

import "errors"

// Sentinel kinds for producer errors.
var (
	ErrBackpressure = errors.New("producer outbox is full")
	ErrClosed       = errors.New("producer closed")
)

package broker

import "errors"

// Sentinel kinds for broker errors.
var (
	ErrClosed       = errors.New("broker closed")
	ErrInvalidTopic = errors.New("topic is required")
	ErrInvalidGroup = errors.New("consumer group is required")
)

package testevents

import "time"

// HTTP status code constants.
const (
	StatusOK       = 200
	StatusAccepted = 202
)

// Worker configuration constants.
const (
	WorkerChannelMultiplier = 2
)

// Runner configuration constants.
const (
	DefaultSettleTimeout = 2 * time.Minute
	DefaultPollInterval  = time.Second
	PercentageMultiplier = 100
)

// Retention values are compared at the precision the service rounds to.
const retentionTolerance = 0.01

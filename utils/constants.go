package utils

import "time"

const (
	OrganizationName = "Poof"

	// Engine defaults. Overridable through config, LaunchDarkly or per call.
	DefaultTxMaxRetries        = 3
	DefaultTxRetryDelay        = 100 * time.Millisecond
	DefaultTxLockWait          = 5 * time.Second
	DefaultAdvisoryLockTimeout = 10 * time.Second
	DefaultBulkChunkSize       = 100
	DefaultSlowThreshold       = time.Second
)

package txengine

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgconn"
)

// SQLSTATE codes the engine reacts to.
const (
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
)

// Classifier decides which failures are transient lock contention.
//
// Structured SQLSTATE codes are consulted first. The message patterns are a
// fallback for errors that reach the engine without a *pgconn.PgError in
// their chain, for instance errors re-wrapped as plain text by a caller or
// surfaced by a MySQL-compatible proxy. Patterns match case-insensitively.
type Classifier struct {
	RetryableCodes      map[string]string
	LockTimeoutCodes    map[string]string
	RetryablePatterns   []string
	LockTimeoutPatterns []string
}

// DefaultClassifier returns the stock table.
func DefaultClassifier() *Classifier {
	return &Classifier{
		RetryableCodes: map[string]string{
			CodeDeadlockDetected:     "deadlock_detected",
			CodeLockNotAvailable:     "lock_not_available",
			CodeSerializationFailure: "serialization_failure",
		},
		LockTimeoutCodes: map[string]string{
			CodeLockNotAvailable: "lock_not_available",
		},
		RetryablePatterns: []string{
			"Deadlock found",
			"Lock wait timeout exceeded",
			"try restarting transaction",
			"deadlock detected",
			"could not serialize access",
			"canceling statement due to lock timeout",
		},
		LockTimeoutPatterns: []string{
			"Lock wait timeout exceeded",
			"canceling statement due to lock timeout",
			"could not obtain lock",
		},
	}
}

// IsRetryable reports whether err is lock contention worth another attempt.
func (c *Classifier) IsRetryable(err error) bool {
	return c.match(err, c.RetryableCodes, c.RetryablePatterns)
}

// IsLockTimeout reports whether err is a lock wait that ran out of time.
func (c *Classifier) IsLockTimeout(err error) bool {
	return c.match(err, c.LockTimeoutCodes, c.LockTimeoutPatterns)
}

func (c *Classifier) match(err error, codes map[string]string, patterns []string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := codes[pgErr.Code]
		return ok
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

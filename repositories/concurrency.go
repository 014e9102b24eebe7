package repositories

import (
	"time"

	"github.com/google/uuid"
	"github.com/poofware/worktrack/models"
)

/*
EntityWithVersion:

* `comparable`  → lets us use `==` against the zero value
* the version bookkeeping promoted from an embedded models.Versioned
*/
type EntityWithVersion interface {
	comparable
	GetID() uuid.UUID
	GetRowVersion() int64
	Stamp(version int64, at time.Time, by *uuid.UUID)
	VersionInfo() models.VersionInfo
}

// IsModifiedSince reports whether rec has moved past the baseline version.
func IsModifiedSince[T EntityWithVersion](rec T, version int64) bool {
	return rec.GetRowVersion() > version
}

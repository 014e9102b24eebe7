package models

import (
	"time"

	"github.com/google/uuid"
)

// systemActor is reported as LastModifiedBy when a write carried no actor.
const systemActor = "system"

// Versioned adds optimistic-lock bookkeeping. Embed it anonymously.
//
// RowVersion starts at 0 and moves by exactly one on every guarded write.
type Versioned struct {
	RowVersion     int64      `json:"row_version"`
	LastModifiedAt time.Time  `json:"last_modified_at"`
	LastModifiedBy *uuid.UUID `json:"last_modified_by,omitempty"`
}

// VersionInfo is the read-only projection shown to clients when they need to
// explain a conflict.
type VersionInfo struct {
	Version        int64     `json:"version"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	LastModifiedBy string    `json:"last_modified_by"`
}

// ----- interface helpers -----
func (v *Versioned) GetRowVersion() int64 { return v.RowVersion }

// Stamp records a successful write at version n.
func (v *Versioned) Stamp(n int64, at time.Time, by *uuid.UUID) {
	v.RowVersion = n
	v.LastModifiedAt = at
	v.LastModifiedBy = by
}

func (v *Versioned) VersionInfo() VersionInfo {
	by := systemActor
	if v.LastModifiedBy != nil {
		by = v.LastModifiedBy.String()
	}
	return VersionInfo{
		Version:        v.RowVersion,
		LastModifiedAt: v.LastModifiedAt,
		LastModifiedBy: by,
	}
}

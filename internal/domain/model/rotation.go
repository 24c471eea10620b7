package model

import "time"

// RotationStatus is the state of a rotation request.
type RotationStatus string

const (
	RotationStatusPending    RotationStatus = "pending"
	RotationStatusInProgress RotationStatus = "in_progress"
	RotationStatusCompleted  RotationStatus = "completed"
	RotationStatusFailed     RotationStatus = "failed"
)

// IsActive reports whether the status is non-terminal.
func (s RotationStatus) IsActive() bool {
	return s == RotationStatusPending || s == RotationStatusInProgress
}

// RotationReason records why a rotation was requested.
type RotationReason string

const (
	RotationReasonScheduled  RotationReason = "scheduled"
	RotationReasonCompromise RotationReason = "compromise"
	RotationReasonManual     RotationReason = "manual"
)

// Valid reports whether r is a known reason.
func (r RotationReason) Valid() bool {
	switch r {
	case RotationReasonScheduled, RotationReasonCompromise, RotationReasonManual:
		return true
	}
	return false
}

// RotationRequest is one in-flight or finished credential rotation for a cluster.
type RotationRequest struct {
	ID             string
	ClusterID      string
	Status         RotationStatus
	Reason         RotationReason
	ForceImmediate bool     // Skip the grace period once the new set exists.
	Registries     []string // Registry IDs covered; empty means every registry.
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	StartedAt      *time.Time // Entered in_progress.
	ConfirmedAt    *time.Time // External confirmation that the cluster uses the new set.
	CompletedAt    *time.Time
}

// IsActive reports whether the request is pending or in progress.
func (r RotationRequest) IsActive() bool {
	return r.Status.IsActive()
}

// Package model defines the data types shared by the metadata store, the
// session manager, and the admin surface.
package model

import (
	"errors"
	"time"
)

// Status is a session's position in the state machine described by the
// session manager.
type Status string

const (
	StatusCreating    Status = "Creating"
	StatusReady       Status = "Ready"
	StatusAttached    Status = "Attached"
	StatusDetached    Status = "Detached"
	StatusTerminating Status = "Terminating"
	StatusTerminated  Status = "Terminated"
	StatusFailed      Status = "Failed"
)

// ResourceLimits is immutable after a session is created.
type ResourceLimits struct {
	MemoryBytes int64 `json:"memory_bytes"`
	CPUShares   int64 `json:"cpu_shares"`
	PidsMax     int64 `json:"pids_max"`
}

// DefaultResourceLimits matches the baseline a session gets when the
// caller does not specify its own limits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes: 512 * 1024 * 1024,
		CPUShares:   512,
		PidsMax:     256,
	}
}

// Session is the durable record tracked by the metadata store.
type Session struct {
	ID             string
	UserID         string
	Image          string
	Status         Status
	ContainerRef   string
	Limits         ResourceLimits
	CreatedAt      time.Time
	LastActivityAt time.Time
	DetachedAt     *time.Time
	ExpiresAt      *time.Time
	Metadata       map[string]string
}

// HasContainer reports whether container_ref is expected to be set for the
// session's current status, per the model invariant in the data model.
func (s *Session) HasContainer() bool {
	switch s.Status {
	case StatusReady, StatusAttached, StatusDetached, StatusTerminating:
		return true
	default:
		return false
	}
}

// AuditKind enumerates the closed set of audit event kinds.
type AuditKind string

const (
	AuditSessionCreate    AuditKind = "session.create"
	AuditSessionReady     AuditKind = "session.ready"
	AuditSessionAttach    AuditKind = "session.attach"
	AuditSessionDetach    AuditKind = "session.detach"
	AuditSessionTerminate AuditKind = "session.terminate"
	AuditSessionFail      AuditKind = "session.fail"
	AuditSecurityViolation AuditKind = "security.violation"
	AuditPrivacyEnable    AuditKind = "privacy.enable"
	AuditPrivacyDisable   AuditKind = "privacy.disable"
)

// AuditEvent is an append-only record. SessionID is empty for events that
// are not tied to a specific session (e.g. privacy toggles).
type AuditEvent struct {
	Seq       int64
	SessionID string
	UserID    string
	Kind      AuditKind
	Payload   string // bounded, JSON-encoded
	CreatedAt time.Time
}

// RateLimitCounter tracks request counts within a fixed window, keyed by
// (identifier, endpoint, window_start).
type RateLimitCounter struct {
	Identifier  string
	Endpoint    string
	WindowStart time.Time
	Count       int
}

// AnonymityState is the process-wide, single-instance record of the
// anonymizing egress supervisor.
type AnonymityState struct {
	Enabled    bool
	ListenPort uint16
	PID        int
	StartedAt  *time.Time
}

// ContainerMetrics is an optional, append-only sample of a session's
// resource usage while Attached.
type ContainerMetrics struct {
	SessionID   string
	SampledAt   time.Time
	CPUPercent  float64
	MemoryBytes int64
}

// Errors returned by the metadata store and consumed by the admin surface
// to pick HTTP status codes.
var (
	ErrConflict         = errors.New("conflict")
	ErrStalePrecondition = errors.New("stale precondition")
	ErrNotFound         = errors.New("not found")
)

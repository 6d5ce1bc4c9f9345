package attendance

import (
	"strings"
	"time"

	"qrattend/internal/duration"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive  State = "active"
	StateClosed  State = "closed"
	StateExpired State = "expired"
)

// Close reasons recorded on sessions.
const (
	ReasonBelowMinimum = "below-minimum-duration"
	ReasonExceededAge  = "exceeded-24h"
	ReasonSuperseded   = "superseded-by-newer-session"
)

// Session is one check-in to check-out interval for a student.
type Session struct {
	ID            string     `json:"id"`
	StudentID     string     `json:"student_id"`
	CheckIn       time.Time  `json:"check_in"`
	CheckOut      *time.Time `json:"check_out,omitempty"`
	Activities    []string   `json:"activities"`
	TotalDuration string     `json:"total_duration"`
	State         State      `json:"state"`
	CloseReason   string     `json:"close_reason,omitempty"`
	AutoClosed    bool       `json:"auto_closed"`
	Version       int64      `json:"version"`
}

// Open reports whether the session has no checkout yet.
func (s Session) Open() bool {
	return s.State == StateActive && s.CheckOut == nil
}

// Counted reports whether the session contributes to the student's aggregate.
func (s Session) Counted() bool {
	return s.State == StateClosed && s.TotalDuration != duration.Zero && s.TotalDuration != ""
}

// Student is the per-student aggregate. Students are enrolled elsewhere;
// this package only reads them and updates TotalDuration.
type Student struct {
	ID            string `json:"id"`
	GivenNames    string `json:"given_names,omitempty"`
	FamilyNames   string `json:"family_names,omitempty"`
	Status        string `json:"status,omitempty"`
	TotalDuration string `json:"total_duration"`
	Version       int64  `json:"version"`
}

// DisplayName joins the name fields, or returns "" when none are stored.
func (s Student) DisplayName() string {
	return strings.TrimSpace(strings.TrimSpace(s.GivenNames) + " " + strings.TrimSpace(s.FamilyNames))
}

// Policy holds the session thresholds.
type Policy struct {
	// MinDuration is the floor below which a closed visit is logged but not counted.
	MinDuration time.Duration
	// MaxAge is the ceiling beyond which an open session expires uncounted.
	MaxAge time.Duration
	// Location decides the calendar day used for code freshness.
	Location *time.Location
}

// DefaultPolicy returns the standard 5 minute floor and 24 hour ceiling.
func DefaultPolicy() Policy {
	return Policy{MinDuration: 5 * time.Minute, MaxAge: 24 * time.Hour, Location: time.Local}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MinDuration <= 0 {
		p.MinDuration = def.MinDuration
	}
	if p.MaxAge <= 0 {
		p.MaxAge = def.MaxAge
	}
	if p.Location == nil {
		p.Location = def.Location
	}
	return p
}

// ScanStatus is the outcome of a submitted scan.
type ScanStatus string

const (
	ScanAcceptedCheckIn   ScanStatus = "accepted-checkin"
	ScanAwaitingClosure   ScanStatus = "awaiting-closure"
	ScanRejectedExpired   ScanStatus = "rejected-expired"
	ScanRejectedMalformed ScanStatus = "rejected-malformed"
)

// ScanResult is returned by Service.SubmitScan.
type ScanResult struct {
	Status      ScanStatus `json:"status"`
	StudentID   string     `json:"student_id,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	CheckIn     *time.Time `json:"check_in,omitempty"`
	// Elapsed is the age of the open session when awaiting closure.
	Elapsed time.Duration `json:"elapsed,omitempty"`
	// DateDisplay echoes the code's date for expired scans.
	DateDisplay string `json:"date_display,omitempty"`
	// Expired is the session auto-closed by this scan, if any.
	Expired *Session `json:"expired,omitempty"`
	// Queued is set when the write went to the outbox instead of the store.
	Queued bool   `json:"queued,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

// ClosureStatus is the outcome of a closure request.
type ClosureStatus string

const (
	ClosureClosed               ClosureStatus = "closed"
	ClosureRejectedNoActivities ClosureStatus = "rejected-no-activities"
	// ClosureRejectedStale means the session is no longer active.
	ClosureRejectedStale ClosureStatus = "rejected-stale"
	// ClosureRejectedTimeout means the kiosk gave up waiting for activities.
	ClosureRejectedTimeout ClosureStatus = "rejected-closure-timeout"
)

// ClosureRequest identifies the session awaiting closure.
type ClosureRequest struct {
	StudentID  string   `json:"student_id"`
	SessionID  string   `json:"session_id"`
	Activities []string `json:"activities"`
}

// ClosureResult is returned by Service.SubmitClosure.
type ClosureResult struct {
	Status  ClosureStatus `json:"status"`
	Session *Session      `json:"session,omitempty"`
	// Counted is false when the session fell below the floor or expired.
	Counted bool `json:"counted"`
	// AggregateTotal is the student's total after accumulation, when known.
	AggregateTotal string `json:"aggregate_total,omitempty"`
	Queued         bool   `json:"queued,omitempty"`
	JobID          string `json:"job_id,omitempty"`
}

// SessionPatch is the closure write applied to an active session.
type SessionPatch struct {
	CheckOut      time.Time
	Activities    []string
	TotalDuration string
	State         State
	CloseReason   string
	AutoClosed    bool
}

// Apply returns s with the patch written and the version bumped.
func (p SessionPatch) Apply(s Session) Session {
	out := s
	co := p.CheckOut
	out.CheckOut = &co
	out.Activities = append([]string(nil), p.Activities...)
	out.TotalDuration = p.TotalDuration
	out.State = p.State
	out.CloseReason = p.CloseReason
	out.AutoClosed = p.AutoClosed
	out.Version = s.Version + 1
	return out
}

// FilterActivities drops blank entries and trims the rest.
func FilterActivities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Package kiosk drives one scanning station: it remembers the session a scan
// left awaiting closure so the activities prompt can be answered without the
// student scanning again.
package kiosk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"qrattend/internal/attendance"
	"qrattend/internal/events"
)

// Engine is the part of attendance.Service a terminal drives.
type Engine interface {
	SubmitScan(ctx context.Context, raw string) (attendance.ScanResult, error)
	SubmitClosure(ctx context.Context, req attendance.ClosureRequest) (attendance.ClosureResult, error)
}

// Pending is the closure request a terminal is holding.
type Pending struct {
	StudentID   string    `json:"student_id"`
	DisplayName string    `json:"display_name,omitempty"`
	SessionID   string    `json:"session_id"`
	Since       time.Time `json:"since"`
}

// Terminal is safe for concurrent use.
type Terminal struct {
	id        string
	engine    Engine
	timeout   time.Duration
	clock     attendance.Clock
	publisher attendance.Publisher
	onScan    func(attendance.ScanResult)
	logger    zerolog.Logger

	mu      sync.Mutex
	pending *Pending
}

// Option configures a Terminal.
type Option func(*Terminal)

// WithClosureTimeout drops a pending request that is not answered in d.
// Zero waits forever.
func WithClosureTimeout(d time.Duration) Option { return func(t *Terminal) { t.timeout = d } }

func WithClock(c attendance.Clock) Option { return func(t *Terminal) { t.clock = c } }

// WithPublisher reports closure timeouts on the event bus.
func WithPublisher(p attendance.Publisher) Option { return func(t *Terminal) { t.publisher = p } }

// WithScanHandler receives every result produced by Run.
func WithScanHandler(f func(attendance.ScanResult)) Option {
	return func(t *Terminal) { t.onScan = f }
}

func WithLogger(l zerolog.Logger) Option { return func(t *Terminal) { t.logger = l } }

// New creates a terminal identified by id.
func New(id string, engine Engine, opts ...Option) *Terminal {
	t := &Terminal{
		id:     id,
		engine: engine,
		clock:  attendance.RealClock{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("component", "kiosk").Str("kiosk_id", id).Logger()
	return t
}

// ID returns the terminal id.
func (t *Terminal) ID() string { return t.id }

// Pending returns the request awaiting activities, if any.
func (t *Terminal) Pending() (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return Pending{}, false
	}
	return *t.pending, true
}

// SubmitScan forwards a decoded code. An awaiting-closure result becomes the
// pending request; a new check-in clears it. Rejected scans leave it alone.
func (t *Terminal) SubmitScan(ctx context.Context, raw string) (attendance.ScanResult, error) {
	res, err := t.engine.SubmitScan(ctx, raw)
	if err != nil {
		return res, err
	}

	t.mu.Lock()
	switch res.Status {
	case attendance.ScanAwaitingClosure:
		t.pending = &Pending{
			StudentID:   res.StudentID,
			DisplayName: res.DisplayName,
			SessionID:   res.SessionID,
			Since:       t.clock.Now(),
		}
	case attendance.ScanAcceptedCheckIn:
		t.pending = nil
	}
	t.mu.Unlock()
	return res, nil
}

// SubmitClosureActivities answers the pending request. Without one the
// result is rejected-stale. Once the closure timeout has passed the request
// is dropped, the session is left active and rejected-closure-timeout is
// returned. A blank activity list keeps the request so the user can retry.
func (t *Terminal) SubmitClosureActivities(ctx context.Context, activities []string) (attendance.ClosureResult, error) {
	t.mu.Lock()
	p := t.pending
	if p == nil {
		t.mu.Unlock()
		return attendance.ClosureResult{Status: attendance.ClosureRejectedStale}, nil
	}
	now := t.clock.Now()
	if t.timeout > 0 && now.Sub(p.Since) > t.timeout {
		t.pending = nil
		t.mu.Unlock()
		t.logger.Info().Str("student_id", p.StudentID).Str("session_id", p.SessionID).
			Dur("waited", now.Sub(p.Since)).Msg("closure request timed out")
		if t.publisher != nil {
			evt := events.Event{
				Type:      events.Rejected,
				StudentID: p.StudentID,
				SessionID: p.SessionID,
				Status:    string(attendance.ClosureRejectedTimeout),
				Reason:    "closure timeout",
				At:        now,
			}
			if err := t.publisher.Publish(ctx, evt); err != nil {
				t.logger.Warn().Err(err).Msg("publish timeout event failed")
			}
		}
		return attendance.ClosureResult{Status: attendance.ClosureRejectedTimeout}, nil
	}
	req := attendance.ClosureRequest{StudentID: p.StudentID, SessionID: p.SessionID, Activities: activities}
	t.mu.Unlock()

	res, err := t.engine.SubmitClosure(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Status != attendance.ClosureRejectedNoActivities {
		t.mu.Lock()
		if t.pending != nil && t.pending.SessionID == req.SessionID {
			t.pending = nil
		}
		t.mu.Unlock()
	}
	return res, nil
}

// Cancel drops the pending request without touching the session.
func (t *Terminal) Cancel() {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
}

// Run feeds codes from a reader until the channel closes or ctx ends.
// Scan errors are logged and the loop continues.
func (t *Terminal) Run(ctx context.Context, codes <-chan string) error {
	t.logger.Info().Msg("kiosk reader attached")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-codes:
			if !ok {
				t.logger.Info().Msg("kiosk reader closed")
				return nil
			}
			res, err := t.SubmitScan(ctx, raw)
			if err != nil {
				t.logger.Error().Err(err).Msg("scan failed")
				continue
			}
			if t.onScan != nil {
				t.onScan(res)
			}
		}
	}
}

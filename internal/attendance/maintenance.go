package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"qrattend/internal/duration"
	"qrattend/internal/metrics"
)

// Reconciler recomputes student totals from their closed sessions.
// Runs for the same student must not overlap with each other or with the
// engine; Service.ReconcileStudent serializes them on the student lock.
type Reconciler struct {
	store  Store
	logger zerolog.Logger
}

func NewReconciler(store Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger.With().Str("component", "reconciler").Logger()}
}

// Reconciliation is the outcome for one student.
type Reconciliation struct {
	StudentID     string `json:"student_id"`
	Previous      string `json:"previous"`
	Total         string `json:"total"`
	ValidSessions int    `json:"valid_sessions"`
	Written       bool   `json:"written"`
}

// ReconcileStudent overwrites the student's total with the sum of counted
// sessions. Students with no counted sessions and a zero sum are left alone.
func (r *Reconciler) ReconcileStudent(ctx context.Context, studentID string) (Reconciliation, error) {
	op := func() (Reconciliation, error) {
		st, err := r.store.Student(ctx, studentID)
		if err != nil {
			return Reconciliation{}, backoff.Permanent(unavailable("get student", err))
		}
		if st == nil {
			return Reconciliation{}, backoff.Permanent(fmt.Errorf("student %s: %w", studentID, ErrNotFound))
		}
		return r.reconcile(ctx, *st)
	}
	rec, err := backoff.Retry(ctx, op, backoff.WithBackOff(casBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return Reconciliation{}, err
	}
	return rec, nil
}

func (r *Reconciler) reconcile(ctx context.Context, st Student) (Reconciliation, error) {
	sessions, err := r.store.ClosedSessionsFor(ctx, st.ID)
	if err != nil {
		return Reconciliation{}, backoff.Permanent(unavailable("closed sessions", err))
	}
	valid, sum := countedSum(sessions)
	rec := Reconciliation{
		StudentID:     st.ID,
		Previous:      st.TotalDuration,
		Total:         duration.Format(sum),
		ValidSessions: valid,
	}
	if valid == 0 && sum == 0 {
		return rec, nil
	}
	if rec.Total == st.TotalDuration {
		return rec, nil
	}
	if _, err := r.store.UpdateStudentTotal(ctx, st.ID, st.Version, rec.Total); err != nil {
		if errors.Is(err, ErrConflict) {
			return Reconciliation{}, err
		}
		return Reconciliation{}, backoff.Permanent(unavailable("update student", err))
	}
	rec.Written = true
	metrics.ReconciledStudents.Inc()
	r.logger.Info().
		Str("student_id", st.ID).
		Str("previous", rec.Previous).
		Str("total", rec.Total).
		Int("valid_sessions", valid).
		Msg("student total reconciled")
	return rec, nil
}

// reconcileAll runs one for every enrolled student. Per-student failures are
// logged and skipped; the first one is returned after the sweep completes.
func (r *Reconciler) reconcileAll(ctx context.Context, one func(context.Context, string) (Reconciliation, error)) ([]Reconciliation, error) {
	students, err := r.store.ListStudents(ctx)
	if err != nil {
		return nil, unavailable("list students", err)
	}
	var (
		out      []Reconciliation
		firstErr error
	)
	for _, st := range students {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := one(ctx, st.ID)
		if err != nil {
			r.logger.Error().Err(err).Str("student_id", st.ID).Msg("reconcile failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, rec)
	}
	return out, firstErr
}

// ReconcileStudent recomputes one student's total while holding the
// student's lock, so it cannot interleave with a closure and its
// accumulation.
func (s *Service) ReconcileStudent(ctx context.Context, studentID string) (Reconciliation, error) {
	unlock, err := s.lock(ctx, studentID)
	if err != nil {
		return Reconciliation{}, err
	}
	defer unlock()
	return s.reconciler.ReconcileStudent(ctx, studentID)
}

// ReconcileAll reconciles every enrolled student, each under its own lock.
func (s *Service) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	return s.reconciler.reconcileAll(ctx, s.ReconcileStudent)
}

func countedSum(sessions []Session) (int, time.Duration) {
	var (
		valid int
		sum   time.Duration
	)
	for _, s := range sessions {
		if !s.Counted() {
			continue
		}
		valid++
		sum = duration.Add(sum, duration.Parse(s.TotalDuration))
	}
	return valid, sum
}

// Migrator rewrites legacy decimal-hour durations into canonical text.
type Migrator struct {
	store    Store
	logger   zerolog.Logger
	pageSize int
}

func NewMigrator(store Store, logger zerolog.Logger) *Migrator {
	return &Migrator{store: store, logger: logger.With().Str("component", "migrator").Logger(), pageSize: 200}
}

// MigrationReport counts what a legacy sweep touched.
type MigrationReport struct {
	Scanned   int `json:"scanned"`
	Converted int `json:"converted"`
	// Skipped counts legacy records changed by someone else mid-sweep.
	Skipped int `json:"skipped"`
}

// MigrateLegacy converts every legacy-shaped duration. Canonical records are
// never written, so a second run converts nothing.
func (m *Migrator) MigrateLegacy(ctx context.Context) (MigrationReport, error) {
	var (
		report MigrationReport
		after  string
	)
	for {
		page, err := m.store.ListDurations(ctx, after, m.pageSize)
		if err != nil {
			return report, unavailable("list durations", err)
		}
		if len(page) == 0 {
			return report, nil
		}
		for _, rec := range page {
			report.Scanned++
			hours, legacy := duration.LegacyHours(rec.Value)
			if !legacy {
				continue
			}
			canonical := duration.FromDecimalHours(hours)
			err := m.store.ReplaceSessionDuration(ctx, rec.SessionID, rec.Value, canonical)
			switch {
			case err == nil:
				report.Converted++
				m.logger.Info().
					Str("session_id", rec.SessionID).
					Interface("legacy", rec.Value).
					Str("total_duration", canonical).
					Msg("legacy duration converted")
			case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
				report.Skipped++
			default:
				return report, unavailable("replace duration", err)
			}
		}
		after = page[len(page)-1].SessionID
	}
}

// Auditor compares recorded totals with the sum of counted sessions.
type Auditor struct {
	store Store
}

func NewAuditor(store Store) *Auditor {
	return &Auditor{store: store}
}

// AuditEntry is one student's comparison.
type AuditEntry struct {
	StudentID     string    `json:"student_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Recorded      string    `json:"recorded"`
	Expected      string    `json:"expected"`
	ValidSessions int       `json:"valid_sessions"`
	Match         bool      `json:"match"`
	Sessions      []Session `json:"sessions,omitempty"`
}

// Audit checks every student with counted sessions. Contributing sessions
// are attached only to mismatching entries.
func (a *Auditor) Audit(ctx context.Context) ([]AuditEntry, error) {
	students, err := a.store.ListStudents(ctx)
	if err != nil {
		return nil, unavailable("list students", err)
	}
	var out []AuditEntry
	for _, st := range students {
		sessions, err := a.store.ClosedSessionsFor(ctx, st.ID)
		if err != nil {
			return out, unavailable("closed sessions", err)
		}
		valid, sum := countedSum(sessions)
		if valid == 0 {
			continue
		}
		recorded := st.TotalDuration
		if recorded == "" {
			recorded = duration.Zero
		}
		entry := AuditEntry{
			StudentID:     st.ID,
			DisplayName:   st.DisplayName(),
			Recorded:      recorded,
			Expected:      duration.Format(sum),
			ValidSessions: valid,
		}
		entry.Match = entry.Recorded == entry.Expected
		if !entry.Match {
			for _, s := range sessions {
				if s.Counted() {
					entry.Sessions = append(entry.Sessions, s)
				}
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// RosterEntry describes one enrolled student and any data problems.
type RosterEntry struct {
	ID                 string `json:"id"`
	GivenNames         string `json:"given_names"`
	FamilyNames        string `json:"family_names"`
	Status             string `json:"status"`
	TotalDuration      string `json:"total_duration"`
	MissingGivenNames  bool   `json:"missing_given_names,omitempty"`
	MissingFamilyNames bool   `json:"missing_family_names,omitempty"`
	// PaddedID flags identifiers with surrounding whitespace, which scans never match.
	PaddedID bool `json:"padded_id,omitempty"`
}

// Roster lists enrolled students ordered by id.
func Roster(ctx context.Context, store Store) ([]RosterEntry, error) {
	students, err := store.ListStudents(ctx)
	if err != nil {
		return nil, unavailable("list students", err)
	}
	out := make([]RosterEntry, 0, len(students))
	for _, st := range students {
		total := st.TotalDuration
		if total == "" {
			total = duration.Zero
		}
		out = append(out, RosterEntry{
			ID:                 st.ID,
			GivenNames:         st.GivenNames,
			FamilyNames:        st.FamilyNames,
			Status:             st.Status,
			TotalDuration:      total,
			MissingGivenNames:  strings.TrimSpace(st.GivenNames) == "",
			MissingFamilyNames: strings.TrimSpace(st.FamilyNames) == "",
			PaddedID:           st.ID != strings.TrimSpace(st.ID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

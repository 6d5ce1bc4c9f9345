package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"qrattend/internal/attendance"
)

// errDiscrepancies makes audit exit non-zero when totals disagree.
var errDiscrepancies = errors.New("accumulation discrepancies found")

type cli struct {
	open   storeOpener
	logger zerolog.Logger
	json   bool
}

func (c *cli) withBackend(cmd *cobra.Command, fn func(backend) error) error {
	b, closeFn, err := c.open(cmd.Context(), c.logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(b)
}

func (c *cli) withStore(cmd *cobra.Command, fn func(attendance.Store) error) error {
	return c.withBackend(cmd, func(b backend) error { return fn(b.Store) })
}

func (c *cli) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) reconcileCmd() *cobra.Command {
	var studentID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute student totals from closed sessions",
		Example: `  attendctl reconcile
  attendctl reconcile --student 1712345678`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withBackend(cmd, func(b backend) error {
				svc := attendance.NewService(b.Store, attendance.DefaultPolicy(),
					attendance.WithLogger(c.logger), attendance.WithLocker(b.Locker))
				var (
					recs []attendance.Reconciliation
					err  error
				)
				if studentID != "" {
					var rec attendance.Reconciliation
					rec, err = svc.ReconcileStudent(cmd.Context(), studentID)
					if err == nil {
						recs = append(recs, rec)
					}
				} else {
					recs, err = svc.ReconcileAll(cmd.Context())
				}
				if perr := c.printReconciliations(cmd.OutOrStdout(), recs); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&studentID, "student", "", "Reconcile a single student")
	return cmd
}

func (c *cli) printReconciliations(w io.Writer, recs []attendance.Reconciliation) error {
	if c.json {
		return c.printJSON(w, recs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STUDENT\tPREVIOUS\tTOTAL\tSESSIONS\tUPDATED")
	written := 0
	for _, r := range recs {
		if r.Written {
			written++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", r.StudentID, r.Previous, r.Total, r.ValidSessions, r.Written)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d students processed, %d updated\n", len(recs), written)
	return err
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Convert decimal-hour session durations to the canonical format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store attendance.Store) error {
				report, err := attendance.NewMigrator(store, c.logger).MigrateLegacy(cmd.Context())
				if err != nil {
					return err
				}
				if c.json {
					return c.printJSON(cmd.OutOrStdout(), report)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "scanned %d sessions, converted %d, skipped %d\n",
					report.Scanned, report.Converted, report.Skipped)
				return err
			})
		},
	}
}

func (c *cli) auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare recorded totals with the sum of counted sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store attendance.Store) error {
				entries, err := attendance.NewAuditor(store).Audit(cmd.Context())
				if err != nil {
					return err
				}
				bad := 0
				for _, e := range entries {
					if !e.Match {
						bad++
					}
				}
				if c.json {
					if err := c.printJSON(cmd.OutOrStdout(), entries); err != nil {
						return err
					}
				} else if err := printAudit(cmd.OutOrStdout(), entries, bad); err != nil {
					return err
				}
				if bad > 0 {
					return fmt.Errorf("%w: %d of %d students", errDiscrepancies, bad, len(entries))
				}
				return nil
			})
		},
	}
}

func printAudit(w io.Writer, entries []attendance.AuditEntry, bad int) error {
	for _, e := range entries {
		mark := "ok"
		if !e.Match {
			mark = "MISMATCH"
		}
		name := e.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%-8s %s (%s) recorded=%s expected=%s sessions=%d\n",
			mark, e.StudentID, name, e.Recorded, e.Expected, e.ValidSessions)
		for _, s := range e.Sessions {
			fmt.Fprintf(w, "         %s %s %s\n", s.ID, s.CheckIn.Format("2006-01-02 15:04"), s.TotalDuration)
		}
	}
	_, err := fmt.Fprintf(w, "\n%d students checked, %d discrepancies\n", len(entries), bad)
	return err
}

func (c *cli) studentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "students",
		Short: "List enrolled students and flag incomplete records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store attendance.Store) error {
				roster, err := attendance.Roster(cmd.Context(), store)
				if err != nil {
					return err
				}
				if c.json {
					return c.printJSON(cmd.OutOrStdout(), roster)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tTOTAL\tNOTES")
				for _, r := range roster {
					var notes []string
					if r.MissingGivenNames {
						notes = append(notes, "missing given names")
					}
					if r.MissingFamilyNames {
						notes = append(notes, "missing family names")
					}
					if r.PaddedID {
						notes = append(notes, "id has surrounding spaces")
					}
					name := strings.TrimSpace(r.GivenNames + " " + r.FamilyNames)
					fmt.Fprintf(tw, "%q\t%s\t%s\t%s\t%s\n", r.ID, name, r.Status, r.TotalDuration, strings.Join(notes, "; "))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "\n%d students\n", len(roster))
				return err
			})
		},
	}
}

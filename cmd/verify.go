package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/member-history/internal/feed"
	"github.com/sells-group/member-history/internal/model"
	"github.com/sells-group/member-history/internal/scd"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check history timelines for invariant violations",
	Long:  "Reads the logical history rows and reports members with more than one current row, malformed validity windows or overlapping windows. Exits non-zero when any are found.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		memberID, _ := cmd.Flags().GetInt64("member")
		asOf, _ := cmd.Flags().GetString("as-of")

		var at time.Time
		if asOf != "" {
			if !cmd.Flags().Changed("member") {
				return eris.New("verify: --as-of requires --member")
			}
			t, err := feed.ParseTimestamp(asOf)
			if err != nil {
				return eris.Wrap(err, "verify: parse --as-of")
			}
			at = t
		}

		st, err := initStore(ctx, cfg, "verify")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.CheckSchema(ctx); err != nil {
			return err
		}

		var rows []model.HistoryRow
		if cmd.Flags().Changed("member") {
			rows, err = st.Timeline(ctx, memberID)
		} else {
			rows, err = st.AllRows(ctx)
		}
		if err != nil {
			return eris.Wrap(err, "verify: read history")
		}

		violations := scd.CheckTimeline(rows)
		formatViolations(os.Stdout, rows, violations)
		if asOf != "" {
			formatAsOf(os.Stdout, memberID, rows, st.Tracked(), at)
		}
		if len(violations) > 0 {
			return eris.Errorf("verify: %d violation(s)", len(violations))
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Int64("member", 0, "verify a single member's timeline")
	verifyCmd.Flags().String("as-of", "", "with --member, print the row valid at this RFC 3339 timestamp")
	rootCmd.AddCommand(verifyCmd)
}

// formatViolations writes a verification summary to w.
func formatViolations(w io.Writer, rows []model.HistoryRow, violations []scd.Violation) {
	members := make(map[int64]bool)
	for _, r := range rows {
		members[r.MemberID] = true
	}
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(w, "ok: %d rows across %d members, no violations\n", len(rows), len(members))
		return
	}
	for _, v := range violations {
		_, _ = fmt.Fprintln(w, v.String())
	}
	_, _ = fmt.Fprintf(w, "%d violation(s) in %d rows across %d members\n", len(violations), len(rows), len(members))
}

// formatAsOf writes the tracked values member held at t.
func formatAsOf(w io.Writer, memberID int64, rows []model.HistoryRow, tracked []string, at time.Time) {
	stamp := at.UTC().Format(time.RFC3339)
	for _, r := range rows {
		if r.MemberID != memberID || !r.Covers(at) {
			continue
		}
		_, _ = fmt.Fprintf(w, "member %d at %s (surrogate key %d, current=%t):\n", memberID, stamp, r.SurrogateKey, r.IsCurrent)
		for _, a := range tracked {
			v := "NULL"
			if p := r.Attributes[a]; p != nil {
				v = fmt.Sprintf("%q", *p)
			}
			_, _ = fmt.Fprintf(w, "  %s: %s\n", a, v)
		}
		return
	}
	_, _ = fmt.Fprintf(w, "member %d: no row valid at %s\n", memberID, stamp)
}

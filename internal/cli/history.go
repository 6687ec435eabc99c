package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/history"
)

var (
	historyRecordID  string
	historySince     string
	historyUntil     string
	historyOperation string
	historyOutcome   string
	historyFormat    string
	historyLimit     int
	historyPrune     string
)

var historyCmd = &cobra.Command{
	Use:   "history [record-id]",
	Short: "Query the local journal of record outcomes",
	Long: `Query the outcomes journaled by previous sign, verify, encrypt,
decrypt and pdfa runs.

Every batch writes one entry per record to the SQLite journal configured
under history.path. Entries carry the batch ID, record ID, operation, file
name, outcome, first signer and error text.

Examples:
  # Everything from the last week
  secsign history --since "1 week ago"

  # One record across all operations
  secsign history 3f2c9a7e-8d1b-4c55-9f10-2b6f0e4d7a11

  # Failed verifications as JSON
  secsign history --operation verify --outcome DATA_MISMATCH --format json

  # Drop entries older than 90 days
  secsign history --prune "90 days ago"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyRecordID, "record", "", "Record ID to query (can also use positional argument)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Start time (RFC3339 or relative: '2 weeks ago', 'yesterday')")
	historyCmd.Flags().StringVar(&historyUntil, "until", "", "End time (RFC3339 or relative: '1 week ago', 'today')")
	historyCmd.Flags().StringVar(&historyOperation, "operation", "", "Filter by operation (sign, verify, encrypt, decrypt, pdfa, ...)")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "Filter by outcome (SIGNED, SIGNATURE_VALID, ...)")
	historyCmd.Flags().StringVar(&historyFormat, "format", "table", "Output format: table, json, markdown")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "Maximum number of results to return")
	historyCmd.Flags().StringVar(&historyPrune, "prune", "", "Delete entries older than this time instead of listing")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.History.Enabled {
		return &ExitError{Code: ExitFatal, Err: errors.New("history is disabled (history.enabled: false)")}
	}

	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	defer store.Close()

	if historyPrune != "" {
		before, err := parseTime(historyPrune)
		if err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "invalid --prune value")}
		}
		n, err := store.Prune(ctx, before)
		if err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		cmd.Printf("Pruned %d entr%s older than %s\n", n, plural(n, "y", "ies"), before.Format(time.RFC3339))
		return nil
	}

	q := history.Query{
		RecordID:  historyRecordID,
		Operation: historyOperation,
		Outcome:   strings.ToUpper(historyOutcome),
		Limit:     historyLimit,
	}
	if len(args) > 0 {
		q.RecordID = args[0]
	}
	if historySince != "" {
		t, err := parseTime(historySince)
		if err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "invalid --since value")}
		}
		q.Since = t
	}
	if historyUntil != "" {
		t, err := parseTime(historyUntil)
		if err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "invalid --until value")}
		}
		q.Until = t
	}

	entries, err := store.List(ctx, q)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	w := cmd.OutOrStdout()
	switch historyFormat {
	case "json":
		return outputJSON(w, entries)
	case "markdown":
		return outputMarkdown(w, entries)
	default:
		return outputTable(w, entries)
	}
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// parseTime parses time string (RFC3339 or relative format).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}

	now := time.Now()
	switch s {
	case "today":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), nil
	case "yesterday":
		return time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, now.Location()), nil
	}

	// Relative durations such as "2 weeks ago" or "1 hour ago".
	if strings.HasSuffix(s, " ago") {
		durationStr := strings.TrimSuffix(s, " ago")
		parts := strings.Fields(durationStr)
		if len(parts) == 2 {
			var amount int
			var unit string
			if _, err := fmt.Sscanf(durationStr, "%d %s", &amount, &unit); err != nil {
				return time.Time{}, errors.Errorf("invalid relative time: %s", s)
			}

			var duration time.Duration
			switch {
			case strings.HasPrefix(unit, "second"):
				duration = time.Duration(amount) * time.Second
			case strings.HasPrefix(unit, "minute"):
				duration = time.Duration(amount) * time.Minute
			case strings.HasPrefix(unit, "hour"):
				duration = time.Duration(amount) * time.Hour
			case strings.HasPrefix(unit, "day"):
				duration = time.Duration(amount) * 24 * time.Hour
			case strings.HasPrefix(unit, "week"):
				duration = time.Duration(amount) * 7 * 24 * time.Hour
			case strings.HasPrefix(unit, "month"):
				duration = time.Duration(amount) * 30 * 24 * time.Hour
			case strings.HasPrefix(unit, "year"):
				duration = time.Duration(amount) * 365 * 24 * time.Hour
			default:
				return time.Time{}, errors.Errorf("unknown time unit: %s", unit)
			}

			return now.Add(-duration), nil
		}
	}

	return time.Time{}, errors.Errorf("invalid time format: %s (use RFC3339 or relative format like '2 weeks ago')", s)
}

// outputJSON outputs entries in JSON format.
func outputJSON(w io.Writer, entries []history.Entry) error {
	if entries == nil {
		entries = []history.Entry{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

// outputMarkdown outputs entries as a Markdown table.
func outputMarkdown(w io.Writer, entries []history.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries found.")
		return nil
	}

	fmt.Fprintln(w, "# Outcome History")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Time | Operation | Name | Outcome | Signer | Record |")
	fmt.Fprintln(w, "|------|-----------|------|---------|--------|--------|")

	for _, e := range entries {
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s | %s |\n",
			e.CreatedAt.Format("2006-01-02 15:04"), e.Operation, e.Name, e.Outcome, e.Signer, shorten(e.RecordID, 8))
	}
	return nil
}

// outputTable outputs entries in plain text table format.
func outputTable(w io.Writer, entries []history.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries found.")
		return nil
	}

	fmt.Fprintf(w, "Found %d entr%s:\n\n", len(entries), plural(int64(len(entries)), "y", "ies"))
	fmt.Fprintln(w, "TIME                 OPERATION         NAME                      OUTCOME                       RECORD")
	fmt.Fprintln(w, "-------------------  ----------------  ------------------------  ----------------------------  --------")

	for _, e := range entries {
		fmt.Fprintf(w, "%-19s  %-16s  %-24s  %-28s  %-8s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Operation, shorten(e.Name, 24), e.Outcome, shorten(e.RecordID, 8))
		if e.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", e.Error)
		}
	}
	return nil
}

// shorten cuts s to n runes, marking the cut with "...".
func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

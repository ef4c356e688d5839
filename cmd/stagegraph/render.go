package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/graph"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// writeSummary prints the run header, the execution history, every stored
// gate result and the error trail.
func writeSummary(w io.Writer, s graph.Summary, rec *record.Record) {
	fmt.Fprintf(w, "Run:      %s\n", s.RunID)
	fmt.Fprintf(w, "Pipeline: %s\n", s.Pipeline)
	fmt.Fprintf(w, "Status:   %s\n", s.Status)
	fmt.Fprintf(w, "Outcome:  %s\n", s.Outcome)

	rows := make([][]string, 0, len(s.History))
	for i, h := range s.History {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			h.Stage,
			string(h.Status),
			strconv.FormatInt(h.DurationMS, 10),
		})
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderTable([]column{
		{title: "#", numeric: true},
		{title: "Stage"},
		{title: "Status"},
		{title: "Duration (ms)", numeric: true},
	}, rows))

	if gates := rec.ValidatedGates(); len(gates) > 0 {
		rows = rows[:0]
		for _, name := range gates {
			snap, _ := rec.Validation(name)
			rows = append(rows, []string{
				name,
				strconv.FormatBool(snap.Valid),
				snap.Severity,
				strconv.Itoa(s.Attempts[name]),
				summarizeIssues(snap.Issues),
			})
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderTable([]column{
			{title: "Gate"},
			{title: "Valid"},
			{title: "Severity"},
			{title: "Retries", numeric: true},
			{title: "Issues"},
		}, rows))
	}

	if len(s.Errors) > 0 {
		rows = rows[:0]
		for _, e := range s.Errors {
			rows = append(rows, []string{e.Stage, e.ErrorType, e.Message})
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderTable(cols("Stage", "Error", "Message"), rows))
	}

	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	if s.ManualReview {
		fmt.Fprintln(w, "\nManual review required:")
		for _, issue := range s.ReviewIssues {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
	}
}

func summarizeIssues(issues []string) string {
	switch len(issues) {
	case 0:
		return "-"
	case 1:
		return issues[0]
	default:
		return fmt.Sprintf("%s (+%d more)", issues[0], len(issues)-1)
	}
}

// splitPages treats form feeds as page breaks.
func splitPages(text string) []string {
	var pages []string
	for _, p := range strings.Split(text, "\f") {
		if strings.TrimSpace(p) != "" {
			pages = append(pages, p)
		}
	}
	return pages
}

package cmd

import (
	"fmt"
	"io"
	"strings"

	"sentinel/core"
)

// renderSimulationReport displays a simulation report as a table
func renderSimulationReport(w io.Writer, report *core.SimulationReport, rejected []ruleIssue) {
	headerColor.Fprintln(w, "SIMULATION")
	headerColor.Fprintln(w, strings.Repeat("=", 80))
	printField(w, "Run", report.RunID)
	printField(w, "Rule set", fmt.Sprintf("v%d", report.RuleSetVersion))
	printField(w, "Events", fmt.Sprintf("%d of %d", len(report.Events), report.InputEventCount))
	printField(w, "Matches", fmt.Sprintf("%d", len(report.Matches)))
	printField(w, "Errors", fmt.Sprintf("%d", report.ErrorCount))
	printField(w, "Elapsed", report.Elapsed.String())
	if report.Cancelled {
		warningColor.Fprintln(w, "Simulation stopped at timeout; the report is partial")
	}
	fmt.Fprintln(w)

	if len(rejected) > 0 {
		printSection(w, "Rejected rules")
		for _, issue := range rejected {
			errorColor.Fprintf(w, "  ✗ %s v%d\n", issue.ID, issue.Version)
			for _, p := range issue.Problems {
				fmt.Fprintf(w, "      %s\n", p)
			}
		}
		fmt.Fprintln(w)
	}

	printSection(w, "Events")
	fmt.Fprintf(w, "%-6s %-38s %-8s %s\n", "Index", "Event", "Matches", "Error")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, ev := range report.Events {
		id := ev.EventID
		if id == "" {
			id = "-"
		}
		line := fmt.Sprintf("%-6d %-38s %-8d %s", ev.Index, truncate(id, 36), ev.MatchCount, ev.Error)
		switch {
		case ev.Error != "":
			errorColor.Fprintln(w, line)
		case ev.MatchCount > 0:
			successColor.Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintln(w)

	if len(report.Matches) == 0 {
		warningColor.Fprintln(w, "No rules matched")
		return
	}
	printSection(w, "Matches")
	fmt.Fprintf(w, "%-38s %-30s %-10s %s\n", "Event", "Rule", "Severity", "Action")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, m := range report.Matches {
		fmt.Fprintf(w, "%-38s %-30s %-10s %s\n",
			truncate(m.EventID, 36), truncate(fmt.Sprintf("%s v%d", m.RuleID, m.RuleVersion), 28), m.Severity, m.Action)
	}
}

// renderRuleValidation displays the result of validating a rule file
func renderRuleValidation(w io.Writer, result *ruleValidation) {
	headerColor.Fprintf(w, "Rule file: %s\n", result.File)
	if len(result.Issues) == 0 {
		successColor.Fprintf(w, "✓ All %d rules are valid\n", result.Rules)
		return
	}
	for _, issue := range result.Issues {
		errorColor.Fprintf(w, "✗ %s v%d\n", issue.ID, issue.Version)
		for _, p := range issue.Problems {
			fmt.Fprintf(w, "    %s\n", p)
		}
	}
	warningColor.Fprintf(w, "%d valid, %d invalid\n", result.Valid, len(result.Issues))
}

func printSection(w io.Writer, title string) {
	infoColor.Fprintln(w, title)
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-12s %s\n", label+":", value)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/jward/understory"
	"github.com/jward/understory/internal/paths"
)

// Styles degrade to plain text when stdout is not a terminal.
var (
	ruleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	headingStyle = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// statusStyle colours a run status.
func statusStyle(status string) lipgloss.Style {
	switch understory.RunStatus(status) {
	case understory.StatusCompleted:
		return okStyle
	case understory.StatusFailed:
		return errorStyle
	default:
		return ruleStyle
	}
}

// formatIssuesText formats CLIIssue results as aligned columns. Every cell of
// a column gets the same style so tabwriter alignment holds.
func formatIssuesText(w io.Writer, issues []CLIIssue) {
	if len(issues) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tLINE\tCOL\tRULE\tMESSAGE")
	for _, is := range issues {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
			is.File, is.Line, is.Col, ruleStyle.Render(is.Rule), is.Message)
	}
	tw.Flush()
}

// formatFileErrorsText lists files that could not be analysed.
func formatFileErrorsText(w io.Writer, title string, errs []CLIFileError) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headingStyle.Render(title+":"))
	for _, e := range errs {
		loc := e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d", e.File, e.Line)
		}
		fmt.Fprintf(w, "  %s %s %s\n", loc, errorStyle.Render(e.Code), e.Message)
	}
}

// formatAnalysisText formats CLIAnalysis as readable text.
func formatAnalysisText(w io.Writer, a CLIAnalysis) {
	formatIssuesText(w, a.Issues)
	formatFileErrorsText(w, "File errors", a.FileErrors)
	formatFileErrorsText(w, "Config errors", a.ConfigErrors)

	if len(a.ByRule) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headingStyle.Render("Issues by rule:"))
		for _, rc := range a.ByRule {
			fmt.Fprintf(w, "  %s: %d\n", ruleStyle.Render(rc.Rule), rc.Count)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Status: %s\n", statusStyle(a.Status).Render(a.Status))
	fmt.Fprintf(w, "Files: %d (parsed %d, reused %d, skipped %d)\n", a.Files, a.Parsed, a.Reused, a.Skipped)
	if a.Programs > 0 {
		fmt.Fprintf(w, "Programs: %d\n", a.Programs)
	}
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("Took %dms", a.DurationMs)))
	if a.RunError != "" {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("Run failed:"), a.RunError)
	}
}

// formatFileText prints the issues of one streamed file result.
func formatFileText(w io.Writer, root string, res understory.FileResult) {
	rel := paths.Rel(paths.Normalize(root), res.Path)
	switch {
	case res.ParsingError != nil:
		fmt.Fprintf(w, "%s:%d %s %s\n", rel, res.ParsingError.Line, errorStyle.Render(res.ParsingError.Code()), res.ParsingError.Message)
	case res.Error != nil:
		fmt.Fprintf(w, "%s %s %s\n", rel, errorStyle.Render(res.Error.Code), res.Error.Message)
	}
	for _, is := range res.Issues {
		fmt.Fprintf(w, "%s:%d:%d %s %s\n", rel, is.Line, is.Column, ruleStyle.Render(is.RuleID), is.Message)
	}
}

// formatServeText prints where the server listens.
func formatServeText(w io.Writer, s CLIServe) {
	fmt.Fprintf(w, "Listening on %s\n", s.Address)
	if s.Watch != "" {
		fmt.Fprintf(w, "Watching %s\n", s.Watch)
	}
}

// formatVersionText prints the version and rule keys.
func formatVersionText(w io.Writer, v CLIVersion) {
	fmt.Fprintf(w, "understory %s\n", v.Version)
	fmt.Fprintf(w, "Rules: %s\n", strings.Join(v.Rules, ", "))
}

// outputResult writes result in the selected format.
func outputResult(w io.Writer, result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(w, result)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to w as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(w io.Writer, command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("Error:"), err)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

// outputResultText dispatches to the appropriate text formatter based on the
// result type.
func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case CLIAnalysis:
		formatAnalysisText(w, v)
	case CLIServe:
		formatServeText(w, v)
	case CLIVersion:
		formatVersionText(w, v)
	case nil:
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}

	// Pagination footer.
	if result.TotalCount != nil {
		count := *result.TotalCount
		shown := resultLen(result.Results)
		if shown < count {
			fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("Showing %d of %d issues", shown, count)))
		}
	}
	return nil
}

// resultLen returns the number of listed items in a result.
func resultLen(v any) int {
	switch r := v.(type) {
	case CLIAnalysis:
		return len(r.Issues)
	case nil:
		return 0
	default:
		return 1
	}
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}

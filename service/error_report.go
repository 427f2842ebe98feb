package service

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
)

// ErrorReport is a stderr message split into its parts for display.
type ErrorReport struct {
	Kind      string // exception label, "" when the text has none
	Message   string
	Line      int // 0 when unknown
	Traceback []string
}

var (
	errorHead = regexp.MustCompile(`^([A-Z][A-Za-z]*(?:Error|Exception|Warning)|Error):\s?(.*)$`)
	errorLine = regexp.MustCompile(`\s*\(line (\d+)\)\s*$`)
)

// ParseErrorReport reads the formatted stderr of a run: an optional
// traceback followed by a final "Kind: message (line N)" line.
func ParseErrorReport(text string) ErrorReport {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	last := lines[len(lines)-1]
	report := ErrorReport{Message: last}
	if len(lines) > 1 {
		report.Traceback = lines[:len(lines)-1]
	}

	if m := errorHead.FindStringSubmatch(last); m != nil {
		report.Kind, report.Message = m[1], m[2]
	}
	if m := errorLine.FindStringSubmatchIndex(report.Message); m != nil {
		report.Line, _ = strconv.Atoi(report.Message[m[2]:m[3]])
		report.Message = report.Message[:m[0]]
	}
	return report
}

// HTML renders the report for an error area, with the error type and line
// wrapped in highlight spans.
func (r ErrorReport) HTML() string {
	var sb strings.Builder
	sb.WriteString(`<pre class="error-output">`)
	for _, line := range r.Traceback {
		sb.WriteString(html.EscapeString(line))
		sb.WriteString("\n")
	}
	if r.Kind != "" {
		fmt.Fprintf(&sb, `<span class="error-type">%s</span>: `, html.EscapeString(r.Kind))
	}
	sb.WriteString(html.EscapeString(r.Message))
	if r.Line > 0 {
		fmt.Fprintf(&sb, ` <span class="error-line">(line %d)</span>`, r.Line)
	}
	sb.WriteString(`</pre>`)
	return sb.String()
}

// String is the plain-text form.
func (r ErrorReport) String() string {
	var sb strings.Builder
	for _, line := range r.Traceback {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if r.Kind != "" {
		sb.WriteString(r.Kind + ": ")
	}
	sb.WriteString(r.Message)
	if r.Line > 0 {
		fmt.Fprintf(&sb, " (line %d)", r.Line)
	}
	return sb.String()
}

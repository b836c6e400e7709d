package assembler

import (
	"fmt"
	"sort"
	"strings"
)

// DiagKind is the external diagnostic category rendered in every
// PATH:LINE:COL: KIND: MESSAGE line.
type DiagKind int

const (
	LexErrorKind DiagKind = iota
	ParseError
	SemanticError
	EncodeError
	LayoutError
	IoError
)

func (k DiagKind) String() string {
	switch k {
	case LexErrorKind:
		return "LexError"
	case ParseError:
		return "ParseError"
	case SemanticError:
		return "SemanticError"
	case EncodeError:
		return "EncodeError"
	case LayoutError:
		return "LayoutError"
	case IoError:
		return "IoError"
	default:
		return "UnknownError"
	}
}

// Diagnostic is one reportable problem found anywhere in the pipeline.
// Note carries an optional secondary span for "defined here"-style
// follow-up context (e.g. a duplicate symbol's original definition).
type Diagnostic struct {
	Span    Span
	Kind    DiagKind
	Message string
	Note    *Span
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Span, d.Kind, d.Message)
}

// SortDiagnostics orders diagnostics by file, then start offset, so a
// run that accumulates errors from more than one stage still reports
// them in source order rather than pass order.
func SortDiagnostics(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i].Span, diags[j].Span
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Start < b.Start
	})
}

// RenderDiagnostics formats a sorted diagnostic list as the newline-
// joined text the CLI driver prints to stderr: one PATH:LINE:COL: KIND:
// MESSAGE line per diagnostic, with an optional caret line underneath
// when src (the original source text) is supplied.
func RenderDiagnostics(diags []Diagnostic, src string) string {
	sorted := make([]Diagnostic, len(diags))
	copy(sorted, diags)
	SortDiagnostics(sorted)

	var lines []string
	var srcLines []string
	if src != "" {
		srcLines = strings.Split(src, "\n")
	}
	for _, d := range sorted {
		lines = append(lines, d.String())
		if srcLines != nil && d.Span.Line >= 1 && d.Span.Line <= len(srcLines) {
			lines = append(lines, srcLines[d.Span.Line-1])
			lines = append(lines, caretLine(d.Span.Col))
		}
	}
	return strings.Join(lines, "\n")
}

func caretLine(col int) string {
	if col < 1 {
		col = 1
	}
	return strings.Repeat(" ", col-1) + "^"
}

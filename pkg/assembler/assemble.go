package assembler

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options controls one Assemble call. It carries no defaults that reach
// outside this package: the caller (the CLI in main.go) is responsible
// for turning flags into an Options value.
type Options struct {
	// Kind selects the ELF object type to emit.
	Kind ObjectKind
	// IncludeTests, when true, also encodes .text.test sections; the
	// default object omits them.
	IncludeTests bool
	Log          *logrus.Logger
}

// Assemble runs the full pipeline — lex, parse, resolve, encode, write —
// over one source file and returns the finished ELF64 object. It is a
// pure function of its arguments: no package-level mutable state
// survives between calls, so concurrent Assemble calls over distinct
// units are safe.
func Assemble(filename, source string, opts Options) ([]byte, []Diagnostic, error) {
	log := opts.Log
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}

	log.WithField("file", filename).Debug("lexing")
	lex := NewLexer(filename, source)
	toks, lexErrs := lex.Lex()
	var diags []Diagnostic
	for _, le := range lexErrs {
		diags = append(diags, Diagnostic{Span: le.Span, Kind: LexErrorKind, Message: le.Message})
	}

	log.Debug("parsing")
	parser := NewParser(filename, toks)
	unit, parseDiags := parser.Parse()
	diags = append(diags, parseDiags...)
	if hasFatal(diags) {
		return nil, diags, errors.New("assembly failed during lexing or parsing")
	}

	if !opts.IncludeTests {
		stripTestSections(unit)
	}

	log.Debug("resolving symbols and macros")
	syms, semaDiags := Resolve(unit)
	diags = append(diags, semaDiags...)
	if hasFatal(diags) {
		return nil, diags, errors.New("assembly failed during semantic analysis")
	}

	log.Debug("encoding instructions")
	enc := NewEncoder(unit, syms)
	sections, order, encDiags := enc.Encode()
	diags = append(diags, encDiags...)
	if hasFatal(diags) {
		return nil, diags, errors.New("assembly failed during instruction encoding")
	}

	log.WithField("kind", opts.Kind).Debug("writing ELF object")
	obj, writeDiags, err := WriteObject(opts.Kind, sections, order, syms)
	diags = append(diags, writeDiags...)
	if err != nil {
		return nil, diags, errors.Wrap(err, "writing ELF object")
	}

	return obj, diags, nil
}

func hasFatal(diags []Diagnostic) bool {
	return len(diags) > 0
}

// stripTestSections removes .text.test from the unit before semantic
// analysis, so its labels never reach the symbol table, when the caller
// did not ask for test fixtures:
// test code must never leak into a normal build's output.
func stripTestSections(unit *Unit) {
	kept := unit.Items[:0]
	for _, item := range unit.Items {
		if sec, ok := item.(*Section); ok && sec.Kind == SectionTextTest {
			continue
		}
		kept = append(kept, item)
	}
	unit.Items = kept
}

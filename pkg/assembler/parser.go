package assembler

import "fmt"

// Parser is a recursive-descent parser with one token of lookahead over
// a token stream already produced by the Lexer. It never aborts on the
// first error: Parse/parseStmt report a ParseError diagnostic and
// resynchronize at the nearest recovery point, so a caller sees every
// structural problem in the unit in one pass.
type Parser struct {
	file  string
	toks  []Token
	pos   int
	diags []Diagnostic
}

// NewParser constructs a Parser over a complete token stream (as
// returned by Lexer.Lex), terminated by TEOF.
func NewParser(file string, toks []Token) *Parser {
	return &Parser{file: file, toks: toks}
}

func (p *Parser) cur() Token {
	if p.pos >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos]
}

func (p *Parser) advance() Token {
	t := p.cur()
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) atEOF() bool { return p.cur().Kind == TEOF }

func (p *Parser) check(kind TokenKind) bool { return p.cur().Kind == kind }

func (p *Parser) checkPunct(lexeme string) bool {
	return p.cur().Kind == TPunct && p.cur().Lexeme == lexeme
}

func (p *Parser) checkDirective(name string) bool {
	return p.cur().Kind == TDirective && p.cur().Lexeme == name
}

func (p *Parser) errorf(span Span, format string, args ...interface{}) {
	p.diags = append(p.diags, Diagnostic{Span: span, Kind: ParseError, Message: fmt.Sprintf(format, args...)})
}

func (p *Parser) expect(kind TokenKind, what string) (Token, bool) {
	if p.check(kind) {
		return p.advance(), true
	}
	p.errorf(p.cur().Span, "expected %s, found %s %q", what, p.cur().Kind, p.cur().Lexeme)
	return Token{}, false
}

func (p *Parser) expectPunct(lexeme string) (Token, bool) {
	if p.checkPunct(lexeme) {
		return p.advance(), true
	}
	p.errorf(p.cur().Span, "expected %q, found %s %q", lexeme, p.cur().Kind, p.cur().Lexeme)
	return Token{}, false
}

// isTerminator reports whether tok separates two statements: an
// explicit ';' or an implicit newline.
func isTerminator(tok Token) bool {
	return tok.Kind == TPunct && (tok.Lexeme == ";" || tok.Lexeme == "\n")
}

// skipTerminators consumes any run of statement terminators, including
// none, so blank lines and stray semicolons never produce empty
// statements.
func (p *Parser) skipTerminators() {
	for isTerminator(p.cur()) {
		p.advance()
	}
}

// synchronizeTopLevel discards tokens up to the next top-level
// synchronization point: a terminator, '}', or the next import/section
// keyword.
func (p *Parser) synchronizeTopLevel() {
	for !p.atEOF() {
		if isTerminator(p.cur()) || p.checkPunct("}") || p.checkDirective("import") || p.checkDirective("section") {
			return
		}
		p.advance()
	}
}

// synchronizeStmt discards tokens up to the next statement
// synchronization point: a terminator or the block-closing '}'.
func (p *Parser) synchronizeStmt() {
	for !p.atEOF() {
		if isTerminator(p.cur()) || p.checkPunct("}") {
			return
		}
		p.advance()
	}
}

// Parse consumes the entire token stream and returns the resulting Unit
// together with every ParseError diagnostic accumulated along the way.
// Parsing never aborts early: a malformed top-level item is skipped via
// synchronizeTopLevel and the next item is still attempted.
func (p *Parser) Parse() (*Unit, []Diagnostic) {
	u := &Unit{File: p.file, Arch: "x86-64"}
	archSeen := false

	p.skipTerminators()
	for !p.atEOF() {
		switch {
		case p.checkDirective("arch"):
			archTok := p.advance()
			name := p.parseArchName()
			if archSeen {
				p.errorf(archTok.Span, "duplicate 'arch' directive")
			} else {
				u.Arch = name
				archSeen = true
			}
		case p.checkDirective("import"):
			if item := p.parseImport(); item != nil {
				u.Items = append(u.Items, item)
			}
		case p.checkDirective("define"):
			if item := p.parseDefine(); item != nil {
				u.Items = append(u.Items, item)
			}
		case p.checkDirective("section"):
			if item := p.parseSection(); item != nil {
				u.Items = append(u.Items, item)
			}
		default:
			p.errorf(p.cur().Span, "expected 'arch', 'import', 'define' or 'section', found %s %q", p.cur().Kind, p.cur().Lexeme)
			p.advance()
			p.synchronizeTopLevel()
		}
		p.skipTerminators()
	}

	p.checkDuplicateImports(u)
	return u, p.diags
}

// parseArchName reconstructs a hyphenated architecture name such as
// "x86-64" from the ident/punct/int tokens the lexer produced for it,
// since '-' is not part of an identifier's character class.
func (p *Parser) parseArchName() string {
	name := ""
	for {
		switch p.cur().Kind {
		case TIdent, TDirective, TType:
			name += p.advance().Lexeme
			continue
		case TInt:
			name += p.advance().Lexeme
			continue
		case TPunct:
			if p.cur().Lexeme == "-" {
				name += p.advance().Lexeme
				continue
			}
		}
		return name
	}
}

func (p *Parser) parseImport() TopItem {
	start := p.advance() // 'import'
	var kind string
	switch {
	case p.checkDirective("data"):
		kind = "data"
		p.advance()
	case p.checkDirective("function"):
		kind = "function"
		p.advance()
	default:
		p.errorf(p.cur().Span, "expected 'data' or 'function' after 'import'")
		p.synchronizeTopLevel()
		return nil
	}

	names := p.parseNameList()
	if len(names) == 0 {
		p.errorf(p.cur().Span, "expected at least one imported name")
		return nil
	}
	end := p.toks[p.pos-1].Span
	span := spanFrom(start.Span, end)
	if kind == "data" {
		return &ImportData{SpanVal: span, Names: names}
	}
	return &ImportFunction{SpanVal: span, Names: names}
}

func (p *Parser) parseNameList() []string {
	var names []string
	for {
		tok, ok := p.expect(TIdent, "imported symbol name")
		if !ok {
			break
		}
		names = append(names, tok.Lexeme)
		if p.checkPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return names
}

// checkDuplicateImports raises ParseError::DuplicateImport for any name
// imported more than once across the whole unit, independent of whether
// the repeats are data or function imports or split across statements.
func (p *Parser) checkDuplicateImports(u *Unit) {
	seen := map[string]Span{}
	for _, item := range u.Items {
		var names []string
		var span Span
		switch it := item.(type) {
		case *ImportData:
			names, span = it.Names, it.SpanVal
		case *ImportFunction:
			names, span = it.Names, it.SpanVal
		default:
			continue
		}
		for _, n := range names {
			if prev, ok := seen[n]; ok {
				p.diags = append(p.diags, Diagnostic{
					Span: span, Kind: ParseError,
					Message: fmt.Sprintf("duplicate import of %q", n),
					Note:    &prev,
				})
			} else {
				seen[n] = span
			}
		}
	}
}

func (p *Parser) parseDefine() TopItem {
	start := p.advance() // 'define'
	nameTok, ok := p.expect(TIdent, "constant name")
	if !ok {
		p.synchronizeTopLevel()
		return nil
	}
	if _, ok := p.expectPunct(","); !ok {
		p.synchronizeTopLevel()
		return nil
	}
	value := p.parseExpr()
	if value == nil {
		p.synchronizeTopLevel()
		return nil
	}
	return &Define{SpanVal: spanFrom(start.Span, value.Span()), Name: nameTok.Lexeme, Value: value}
}

func (p *Parser) parseSection() TopItem {
	start := p.advance() // 'section'
	kind, ok := p.parseSectionKind()
	if !ok {
		p.synchronizeTopLevel()
		return nil
	}

	// Tolerated-and-ignored class hint: uninit / data / code.
	classHint := ""
	if p.check(TIdent) || p.checkDirective("data") {
		switch p.cur().Lexeme {
		case "uninit", "data", "code":
			classHint = p.advance().Lexeme
		}
	}

	if _, ok := p.expectPunct("{"); !ok {
		p.synchronizeTopLevel()
		return nil
	}
	body := p.parseBody()
	end, ok := p.expectPunct("}")
	if !ok {
		p.synchronizeTopLevel()
	}
	return &Section{SpanVal: spanFrom(start.Span, end.Span), Kind: kind, ClassHint: classHint, Body: body}
}

// parseSectionKind parses the dotted section-kind spelling: '.' NAME,
// with a second '.' IDENT suffix only for ".text.test".
func (p *Parser) parseSectionKind() (SectionKind, bool) {
	if _, ok := p.expectPunct("."); !ok {
		return 0, false
	}
	// "data" lexes as a directive keyword; every other kind is an IDENT.
	nameTok := p.cur()
	if nameTok.Kind != TIdent && !p.checkDirective("data") {
		p.errorf(nameTok.Span, "expected section kind, found %s %q", nameTok.Kind, nameTok.Lexeme)
		return 0, false
	}
	p.advance()
	switch nameTok.Lexeme {
	case "text":
		if p.checkPunct(".") {
			save := p.pos
			p.advance()
			if p.check(TIdent) && p.cur().Lexeme == "test" {
				p.advance()
				return SectionTextTest, true
			}
			p.pos = save
		}
		return SectionText, true
	case "data":
		return SectionData, true
	case "rodata":
		return SectionRodata, true
	case "bss":
		return SectionBss, true
	case "tdata":
		return SectionTdata, true
	case "tbss":
		return SectionTbss, true
	default:
		p.errorf(nameTok.Span, "unknown section kind %q", nameTok.Lexeme)
		return 0, false
	}
}

// parseBody parses statements until '}' or EOF, without consuming the
// closing brace.
func (p *Parser) parseBody() Body {
	var body Body
	p.skipTerminators()
	for !p.atEOF() && !p.checkPunct("}") {
		stmt := p.parseStmt()
		if stmt != nil {
			body.Stmts = append(body.Stmts, stmt)
		} else {
			p.synchronizeStmt()
		}
		p.skipTerminators()
	}
	return body
}

func (p *Parser) parseStmt() Stmt {
	switch {
	case p.checkDirective("export"):
		return p.parseLabel(true)
	case p.check(TAnonMark):
		return p.parseAnonBlock()
	case p.checkPunct("."):
		return p.parseDataOrRes()
	case p.check(TMacroIdent):
		return p.parseMacro()
	case p.check(TIdent) && p.peekIsColon():
		return p.parseLabel(false)
	case p.check(TIdent):
		return p.parseInstr()
	default:
		p.errorf(p.cur().Span, "expected a label, instruction, data directive, or macro, found %s %q", p.cur().Kind, p.cur().Lexeme)
		return nil
	}
}

// peekIsColon reports whether the token one past the current one is a
// ':' punct, used to distinguish a label ("name:") from an instruction
// mnemonic ("name op1, op2").
func (p *Parser) peekIsColon() bool {
	if p.pos+1 >= len(p.toks) {
		return false
	}
	t := p.toks[p.pos+1]
	return t.Kind == TPunct && t.Lexeme == ":"
}

func (p *Parser) parseLabel(exported bool) Stmt {
	start := p.cur()
	if exported {
		p.advance() // 'export'
	}
	nameTok, ok := p.expect(TIdent, "label name")
	if !ok {
		return nil
	}
	if _, ok := p.expectPunct(":"); !ok {
		return nil
	}
	lbl := &Label{Name: nameTok.Lexeme, Exported: exported, SpanVal: spanFrom(start.Span, nameTok.Span)}
	if p.checkPunct("{") {
		p.advance()
		nested := p.parseBody()
		end, _ := p.expectPunct("}")
		lbl.Nested = &nested
		lbl.SpanVal = spanFrom(start.Span, end.Span)
	}
	return lbl
}

func (p *Parser) parseAnonBlock() Stmt {
	start := p.advance() // '_'
	if _, ok := p.expectPunct(":"); !ok {
		return nil
	}
	if _, ok := p.expectPunct("{"); !ok {
		return nil
	}
	nested := p.parseBody()
	end, _ := p.expectPunct("}")
	return &AnonBlock{SpanVal: spanFrom(start.Span, end.Span), Nested: nested}
}

// parseDataOrRes parses ".data ..." or ".res ...".
func (p *Parser) parseDataOrRes() Stmt {
	dot := p.advance() // '.'
	switch {
	case p.checkDirective("data"):
		p.advance()
		return p.parseDataDef(dot.Span)
	case p.checkDirective("res"):
		p.advance()
		return p.parseResDef(dot.Span)
	default:
		p.errorf(p.cur().Span, "expected 'data' or 'res' after '.'")
		return nil
	}
}

// parseDataDef parses either "TYPE, VALUES…" or the array-fill form
// "COUNT, TYPE, FILL", distinguishing on whether the first token is a
// type keyword.
func (p *Parser) parseDataDef(start Span) Stmt {
	if p.check(TType) {
		typeTok := p.advance()
		if _, ok := p.expectPunct(","); !ok {
			return nil
		}
		values := p.parseExprList()
		end := start
		if len(values) > 0 {
			end = values[len(values)-1].Span()
		}
		return &DataDef{SpanVal: spanFrom(start, end), Type: typeTok.Lexeme, Values: values}
	}

	count := p.parseExpr()
	if count == nil {
		return nil
	}
	if _, ok := p.expectPunct(","); !ok {
		return nil
	}
	typeTok, ok := p.expect(TType, "data type")
	if !ok {
		return nil
	}
	if _, ok := p.expectPunct(","); !ok {
		return nil
	}
	fill := p.parseExpr()
	if fill == nil {
		return nil
	}
	return &DataDef{SpanVal: spanFrom(start, fill.Span()), Type: typeTok.Lexeme, IsFill: true, Count: count, Fill: fill}
}

// parseResDef parses "TYPE" (count defaults to 1) or "COUNT, TYPE".
func (p *Parser) parseResDef(start Span) Stmt {
	if p.check(TType) {
		typeTok := p.advance()
		return &ResDef{SpanVal: spanFrom(start, typeTok.Span), Type: typeTok.Lexeme}
	}
	count := p.parseExpr()
	if count == nil {
		return nil
	}
	if _, ok := p.expectPunct(","); !ok {
		return nil
	}
	typeTok, ok := p.expect(TType, "data type")
	if !ok {
		return nil
	}
	return &ResDef{SpanVal: spanFrom(start, typeTok.Span), Type: typeTok.Lexeme, Count: count}
}

// parseMacro parses "!name ARG, ARG, …"; the argument list runs until a
// token that cannot start another Expr, matching the catalog's loosest
// shape (the per-macro arity/kind checks happen in the semantic pass,
// not here).
func (p *Parser) parseMacro() Stmt {
	nameTok := p.advance()
	args := p.parseMacroArgList()
	end := nameTok.Span
	if len(args) > 0 {
		end = args[len(args)-1].Span()
	}
	return &Macro{SpanVal: spanFrom(nameTok.Span, end), Name: nameTok.Lexeme, Args: args}
}

// parseInstr parses "mnemonic operand, operand, …"; an instruction with
// no operands (e.g. "ret", "leave") is just the bare mnemonic.
func (p *Parser) parseInstr() Stmt {
	mnemonicTok := p.advance()
	var operands []Operand
	if p.canStartOperand() {
		for {
			op := p.parseOperand()
			if op == nil {
				break
			}
			operands = append(operands, op)
			if p.checkPunct(",") {
				p.advance()
				continue
			}
			break
		}
	}
	end := mnemonicTok.Span
	if len(operands) > 0 {
		end = operands[len(operands)-1].Span()
	}
	return &Instr{SpanVal: spanFrom(mnemonicTok.Span, end), Mnemonic: mnemonicTok.Lexeme, Operands: operands}
}

func (p *Parser) canStartOperand() bool {
	switch p.cur().Kind {
	case TRegister, TInt, TIdent, TString, TRelPos, TMacroIdent:
		return true
	}
	return p.checkPunct("[") || p.checkPunct("-")
}

func (p *Parser) parseOperand() Operand {
	switch {
	case p.check(TRegister):
		tok := p.advance()
		reg, _ := lookupRegister(tok.Lexeme)
		return &RegOperand{SpanVal: tok.Span, Reg: reg}
	case p.check(TRelPos):
		tok := p.advance()
		return &LabelRefOperand{SpanVal: tok.Span, N: tok.RelPosN, Forward: tok.RelPosIsForward}
	case p.checkPunct("["):
		lbr := p.advance()
		return p.parseMemOperand(lbr)
	case p.check(TIdent):
		tok := p.advance()
		return &SymOperand{SpanVal: tok.Span, Name: tok.Lexeme}
	default:
		expr := p.parseExpr()
		if expr == nil {
			return nil
		}
		return &ImmOperand{SpanVal: expr.Span(), Value: expr}
	}
}

// parseMemOperand parses the "[base + index*scale + disp]" /
// "[rip-relative-symbol]" grammar. Any of base, index, and disp may be
// absent; a bracketed expression containing no registers at all is the
// RIP-relative symbol form.
func (p *Parser) parseMemOperand(lbracket Token) Operand {
	mem := &MemOperand{}
	sawReg := false

	for {
		switch {
		case p.checkPunct("-"):
			minus := p.advance()
			intTok, ok := p.expect(TInt, "integer displacement")
			if !ok {
				break
			}
			mem.Disp = &IntLit{SpanVal: spanFrom(minus.Span, intTok.Span), Value: -intTok.IntValue, Base: intTok.IntBase}
		case p.check(TRegister):
			tok := p.advance()
			reg, _ := lookupRegister(tok.Lexeme)
			if p.checkPunct("*") {
				p.advance()
				scaleTok, ok := p.expect(TInt, "scale factor")
				r := reg
				mem.Index = &r
				if ok {
					mem.Scale = int(scaleTok.IntValue)
				}
			} else if mem.Base == nil && !sawReg {
				r := reg
				mem.Base = &r
			} else {
				r := reg
				mem.Index = &r
				mem.Scale = 1
			}
			sawReg = true
		case p.check(TInt):
			tok := p.advance()
			mem.Disp = &IntLit{SpanVal: tok.Span, Value: tok.IntValue, Base: tok.IntBase}
		case p.check(TIdent):
			tok := p.advance()
			if !sawReg && mem.Disp == nil && mem.Index == nil {
				mem.RipRelative = true
				mem.RipSymbol = tok.Lexeme
			} else {
				mem.Disp = &IdentExpr{SpanVal: tok.Span, Name: tok.Lexeme}
			}
		default:
			goto closeBracket
		}
		if p.checkPunct("+") {
			p.advance()
			continue
		}
		break
	}
closeBracket:
	rbracket, ok := p.expectPunct("]")
	end := rbracket.Span
	if !ok {
		end = p.cur().Span
	}
	mem.SpanVal = spanFrom(lbracket.Span, end)
	return mem
}

// parseExprList parses a comma-separated run of zero or more Expr,
// stopping at the first token that cannot start one.
func (p *Parser) parseExprList() []Expr {
	var exprs []Expr
	if !p.canStartExpr() {
		return exprs
	}
	for {
		e := p.parseExpr()
		if e == nil {
			break
		}
		exprs = append(exprs, e)
		if p.checkPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return exprs
}

func (p *Parser) canStartExpr() bool {
	switch p.cur().Kind {
	case TInt, TIdent, TString, TMacroIdent, TRegister:
		return true
	}
	return p.checkPunct("-")
}

// parseMacroArgList parses a macro invocation's argument list, which the
// catalog spells inconsistently (comma-separated for
// most macros, bare space-separated for `!mem SYM LEN`): a comma between
// arguments is consumed when present but never required.
func (p *Parser) parseMacroArgList() []Expr {
	var args []Expr
	for p.canStartExpr() {
		e := p.parseExpr()
		if e == nil {
			break
		}
		args = append(args, e)
		if p.checkPunct(",") {
			p.advance()
		}
	}
	return args
}

// parseExpr parses one compile-time expression: an integer literal
// (optionally negated), a string literal, a bare identifier, a bare
// register (valid only in macro-argument position), or one of the three
// expression-level macro forms (!addr, !strlen, !load), each written
// with parenthesized arguments.
func (p *Parser) parseExpr() Expr {
	switch {
	case p.check(TRegister):
		tok := p.advance()
		reg, _ := lookupRegister(tok.Lexeme)
		return &RegExprArg{SpanVal: tok.Span, Reg: reg}
	case p.checkPunct("-"):
		minus := p.advance()
		intTok, ok := p.expect(TInt, "integer literal")
		if !ok {
			return nil
		}
		return &IntLit{SpanVal: spanFrom(minus.Span, intTok.Span), Value: -intTok.IntValue, Base: intTok.IntBase}
	case p.check(TInt):
		tok := p.advance()
		return &IntLit{SpanVal: tok.Span, Value: tok.IntValue, Base: tok.IntBase}
	case p.check(TString):
		tok := p.advance()
		return &StringLit{SpanVal: tok.Span, Value: tok.StringValue}
	case p.check(TMacroIdent):
		return p.parseExprMacro()
	case p.check(TIdent):
		tok := p.advance()
		return &IdentExpr{SpanVal: tok.Span, Name: tok.Lexeme}
	default:
		p.errorf(p.cur().Span, "expected an expression, found %s %q", p.cur().Kind, p.cur().Lexeme)
		return nil
	}
}

func (p *Parser) parseExprMacro() Expr {
	nameTok := p.advance()
	switch nameTok.Lexeme {
	case "!addr":
		if _, ok := p.expectPunct("("); !ok {
			return nil
		}
		symTok, ok := p.expect(TIdent, "symbol name")
		if !ok {
			return nil
		}
		rparen, _ := p.expectPunct(")")
		return &AddrExpr{SpanVal: spanFrom(nameTok.Span, rparen.Span), Name: symTok.Lexeme}
	case "!strlen":
		if _, ok := p.expectPunct("("); !ok {
			return nil
		}
		symTok, ok := p.expect(TIdent, "symbol name")
		if !ok {
			return nil
		}
		rparen, _ := p.expectPunct(")")
		return &StrlenExpr{SpanVal: spanFrom(nameTok.Span, rparen.Span), Name: symTok.Lexeme}
	case "!load":
		if _, ok := p.expectPunct("("); !ok {
			return nil
		}
		typeTok, ok := p.expect(TType, "data type")
		if !ok {
			return nil
		}
		if _, ok := p.expectPunct(","); !ok {
			return nil
		}
		symTok, ok := p.expect(TIdent, "symbol name")
		if !ok {
			return nil
		}
		rparen, _ := p.expectPunct(")")
		return &LoadExpr{SpanVal: spanFrom(nameTok.Span, rparen.Span), Type: typeTok.Lexeme, Name: symTok.Lexeme}
	default:
		p.errorf(nameTok.Span, "macro %q is not valid in expression position", nameTok.Lexeme)
		return nil
	}
}

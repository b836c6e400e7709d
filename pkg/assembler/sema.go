package assembler

import (
	"fmt"
	"strings"
)

// Resolver runs the two semantic sub-passes over a
// parsed Unit: pass A discovers every symbol into a SymbolTable, pass B
// expands macro statements into lowered instruction/data sequences and
// folds every compile-time expression it can. It owns no state beyond
// one Unit's worth of bookkeeping, per §5's no-global-state rule.
type Resolver struct {
	unit  *Unit
	syms  *SymbolTable
	diags []Diagnostic

	defines map[string]Expr // define name -> folded value (IntLit or StringLit)

	rodata        *Section // synthesized or located .rodata section, for generated strings
	rodataScope   int
	rodataCounter int

	importedFuncs map[string]bool
	importedData  map[string]bool

	needsPrintf bool
	needsExit   bool
}

// Resolve runs both sub-passes over u, mutating it in place (macro
// statements are replaced by their lowered form) and returns the
// resulting symbol table plus every SemanticError diagnostic.
func Resolve(u *Unit) (*SymbolTable, []Diagnostic) {
	r := &Resolver{
		unit:          u,
		syms:          NewSymbolTable(),
		defines:       map[string]Expr{},
		importedFuncs: map[string]bool{},
		importedData:  map[string]bool{},
	}
	r.passA()
	r.passB()
	r.finalizeImplicitImports()
	r.checkReferences()
	return r.syms, r.diags
}

func (r *Resolver) errorf(span Span, format string, args ...interface{}) {
	r.diags = append(r.diags, Diagnostic{Span: span, Kind: SemanticError, Message: fmt.Sprintf(format, args...)})
}

// passA validates the architecture directive, records imports and
// defines, and discovers every label/data name into the symbol table.
func (r *Resolver) passA() {
	arch := strings.ToLower(r.unit.Arch)
	if arch != "" && arch != "x86-64" && arch != "x86_64" {
		r.errorf(Span{File: r.unit.File}, "unsupported architecture %q: this encoder targets x86-64 only", r.unit.Arch)
	}

	root := r.syms.RootScope()
	for _, item := range r.unit.Items {
		switch it := item.(type) {
		case *ImportData:
			for _, name := range it.Names {
				r.importedData[name] = true
				_ = r.syms.Declare(root, &Symbol{Name: name, Kind: SymImportedData, Exported: true, DefSpan: it.SpanVal})
			}
		case *ImportFunction:
			for _, name := range it.Names {
				r.importedFuncs[name] = true
				_ = r.syms.Declare(root, &Symbol{Name: name, Kind: SymImportedFunction, Exported: true, DefSpan: it.SpanVal})
			}
		case *Define:
			r.defines[it.Name] = r.foldExpr(it.Value)
		case *Section:
			scope := r.syms.PushScope(root)
			it.Body.Scope = scope
			if it.Kind == SectionRodata && r.rodata == nil {
				r.rodata = it
				r.rodataScope = scope
			}
			r.discoverBody(&it.Body, it.Kind, scope, true)
		}
	}

	if r.rodata == nil {
		r.rodata = &Section{Kind: SectionRodata}
		r.rodataScope = r.syms.PushScope(root)
		r.rodata.Body.Scope = r.rodataScope
		r.unit.Items = append(r.unit.Items, r.rodata)
	}
}

func (r *Resolver) discoverBody(body *Body, kind SectionKind, scope int, topLevel bool) {
	for _, stmt := range body.Stmts {
		switch s := stmt.(type) {
		case *Label:
			if s.Exported && !topLevel {
				r.errorf(s.Span(), "export is only permitted on top-level labels")
			}
			symKind := SymData
			if kind == SectionText || kind == SectionTextTest {
				symKind = SymFunction
			}
			sym := &Symbol{Name: s.Name, Kind: symKind, Section: kind, Exported: s.Exported, DefSpan: s.Span()}
			if err := r.syms.Declare(scope, sym); err != nil {
				r.errorf(s.Span(), "%s", err)
			} else {
				s.Sym = sym
			}
			if s.Nested != nil {
				child := r.syms.PushScope(scope)
				s.Nested.Scope = child
				r.discoverBody(s.Nested, kind, child, false)
			}
		case *AnonBlock:
			child := r.syms.PushScope(scope)
			s.Nested.Scope = child
			r.discoverBody(&s.Nested, kind, child, false)
		case *DataDef:
			if kind == SectionBss || kind == SectionTbss {
				r.errorf(s.Span(), "'.data' is not permitted in an uninitialized section")
			}
		case *ResDef:
			if kind != SectionBss && kind != SectionTbss {
				r.errorf(s.Span(), "'.res' is only permitted in an uninitialized section")
			}
		}
	}
}

// passB expands every Macro statement in place and folds every Expr it
// can resolve without a final layout (define substitution, !strlen,
// !load). Expressions that depend on a not-yet-laid-out address (!addr,
// a bare identifier naming a label) are left as they are. The encoder
// turns !addr into an absolute relocation as a data value or as the
// immediate of a 64-bit mov; it rejects a bare identifier in either place.
func (r *Resolver) passB() {
	for _, item := range r.unit.Items {
		sec, ok := item.(*Section)
		if !ok {
			continue
		}
		r.expandBody(&sec.Body, sec.Kind)
	}
}

func (r *Resolver) expandBody(body *Body, kind SectionKind) {
	var out []Stmt
	for _, stmt := range body.Stmts {
		switch s := stmt.(type) {
		case *Macro:
			out = append(out, r.expandMacro(s, kind)...)
		case *Label:
			if s.Nested != nil {
				r.expandBody(s.Nested, kind)
			}
			out = append(out, s)
		case *AnonBlock:
			r.expandBody(&s.Nested, kind)
			out = append(out, s)
		case *Instr:
			for i, op := range s.Operands {
				s.Operands[i] = r.foldOperand(op)
			}
			out = append(out, s)
		case *DataDef:
			for i, v := range s.Values {
				s.Values[i] = r.foldExpr(v)
			}
			if s.IsFill {
				s.Count = r.foldExpr(s.Count)
				s.Fill = r.foldExpr(s.Fill)
			}
			out = append(out, s)
		case *ResDef:
			if s.Count != nil {
				s.Count = r.foldExpr(s.Count)
			}
			out = append(out, s)
		default:
			out = append(out, s)
		}
	}
	body.Stmts = out
}

func (r *Resolver) foldOperand(op Operand) Operand {
	switch o := op.(type) {
	case *ImmOperand:
		o.Value = r.foldExpr(o.Value)
		return o
	case *MemOperand:
		if o.Disp != nil {
			o.Disp = r.foldExpr(o.Disp)
		}
		return o
	default:
		return op
	}
}

// foldExpr resolves define substitution and the two expression macros
// that can always fold now (!strlen, !load). !addr and any identifier
// that does not name a define are left untouched: their value depends
// on final layout. Only !addr later becomes a relocation (see passB).
func (r *Resolver) foldExpr(e Expr) Expr {
	switch v := e.(type) {
	case *IdentExpr:
		if folded, ok := r.defines[v.Name]; ok {
			return folded
		}
		return v
	case *StrlenExpr:
		n, ok := r.lookupStringLength(v.Name)
		if !ok {
			r.errorf(v.Span(), "!strlen: %q is not a defined string constant", v.Name)
			return &IntLit{SpanVal: v.Span(), Value: 0, Base: Base10}
		}
		return &IntLit{SpanVal: v.Span(), Value: int64(n), Base: Base10}
	case *LoadExpr:
		val, ok := r.lookupLoadValue(v.Name)
		if !ok {
			r.errorf(v.Span(), "!load: %q is not a loadable scalar data symbol", v.Name)
			return &IntLit{SpanVal: v.Span(), Value: 0, Base: Base10}
		}
		lit, ok := val.(*IntLit)
		if !ok {
			return val
		}
		return &IntLit{SpanVal: v.Span(), Value: truncateToType(lit.Value, v.Type), Base: lit.Base}
	default:
		return e
	}
}

// lookupStringLength finds a `name: .data TYPE, "str", …` pair anywhere
// in the unit (nested label bodies included) and returns the byte count of its string
// value up to (not including) the first embedded NUL, per §8's boundary
// behavior on !strlen.
func (r *Resolver) lookupStringLength(name string) (int, bool) {
	lit, ok := r.findDataString(name)
	if !ok {
		return 0, false
	}
	if idx := strings.IndexByte(lit, 0); idx >= 0 {
		return idx, true
	}
	return len(lit), true
}

func (r *Resolver) lookupLoadValue(name string) (Expr, bool) {
	for _, item := range r.unit.Items {
		sec, ok := item.(*Section)
		if !ok {
			continue
		}
		if val, ok := findLoadValueInBody(&sec.Body, name); ok {
			return val, true
		}
	}
	return nil, false
}

func findLoadValueInBody(body *Body, name string) (Expr, bool) {
	for i, stmt := range body.Stmts {
		lbl, ok := stmt.(*Label)
		if !ok || lbl.Name != name {
			if l, ok2 := stmt.(*Label); ok2 && l.Nested != nil {
				if v, found := findLoadValueInBody(l.Nested, name); found {
					return v, true
				}
			}
			continue
		}
		if i+1 < len(body.Stmts) {
			if dd, ok := body.Stmts[i+1].(*DataDef); ok && len(dd.Values) > 0 {
				if lit, ok := dd.Values[0].(*IntLit); ok {
					return lit, true
				}
			}
		}
	}
	return nil, false
}

func (r *Resolver) findDataString(name string) (string, bool) {
	for _, item := range r.unit.Items {
		sec, ok := item.(*Section)
		if !ok {
			continue
		}
		if s, found := findDataStringInBody(&sec.Body, name); found {
			return s, true
		}
	}
	return "", false
}

func findDataStringInBody(body *Body, name string) (string, bool) {
	for i, stmt := range body.Stmts {
		lbl, ok := stmt.(*Label)
		if ok && lbl.Name == name && i+1 < len(body.Stmts) {
			if dd, ok := body.Stmts[i+1].(*DataDef); ok {
				for _, v := range dd.Values {
					if lit, ok := v.(*StringLit); ok {
						return lit.Value, true
					}
				}
			}
		}
		if ok && lbl.Nested != nil {
			if s, found := findDataStringInBody(lbl.Nested, name); found {
				return s, true
			}
		}
	}
	return "", false
}

// internString synthesizes a fresh `.rodata` label holding str as a
// NUL-terminated i8 array and returns its generated symbol name, for
// use by any macro expansion that needs a format string or message
// interned as read-only data (macro expansion generates new anonymous
// read-only data entries).
func (r *Resolver) internString(str string, span Span) string {
	name := fmt.Sprintf("__str%d", r.rodataCounter)
	r.rodataCounter++
	sym := &Symbol{Name: name, Kind: SymData, Section: SectionRodata, DefSpan: span}
	_ = r.syms.Declare(r.rodataScope, sym)
	r.rodata.Body.Stmts = append(r.rodata.Body.Stmts,
		&Label{SpanVal: span, Name: name, Sym: sym},
		&DataDef{SpanVal: span, Type: "i8", Values: []Expr{
			&StringLit{SpanVal: span, Value: str},
			&IntLit{SpanVal: span, Value: 0, Base: Base10},
		}},
	)
	return name
}

func (r *Resolver) finalizeImplicitImports() {
	if r.needsPrintf && !r.importedFuncs["printf"] {
		r.importedFuncs["printf"] = true
		r.unit.Items = append(r.unit.Items, &ImportFunction{Names: []string{"printf"}})
		_ = r.syms.Declare(r.syms.RootScope(), &Symbol{Name: "printf", Kind: SymImportedFunction, Exported: true})
	}
	if r.needsExit && !r.importedFuncs["exit"] {
		r.importedFuncs["exit"] = true
		r.unit.Items = append(r.unit.Items, &ImportFunction{Names: []string{"exit"}})
		_ = r.syms.Declare(r.syms.RootScope(), &Symbol{Name: "exit", Kind: SymImportedFunction, Exported: true})
	}
}

// checkReferences walks every section after macro expansion and defines
// substitution have run and rejects any identifier operand, RIP-relative
// symbol, or !addr(SYM) target that names nothing: not a symbol reachable
// from its reference's lexical scope, not a symbol anywhere in the unit
// (a function/data name declared in an unrelated section is still a
// legitimate cross-section reference), and not a define. Each such name
// is reported as a SemanticError against the reference's own span.
func (r *Resolver) checkReferences() {
	for _, item := range r.unit.Items {
		sec, ok := item.(*Section)
		if !ok {
			continue
		}
		r.checkBody(&sec.Body)
	}
}

func (r *Resolver) checkBody(body *Body) {
	for _, stmt := range body.Stmts {
		switch s := stmt.(type) {
		case *Label:
			if s.Nested != nil {
				r.checkBody(s.Nested)
			}
		case *AnonBlock:
			r.checkBody(&s.Nested)
		case *Instr:
			for _, op := range s.Operands {
				r.checkOperand(body.Scope, op)
			}
		case *DataDef:
			for _, v := range s.Values {
				r.checkExpr(body.Scope, v)
			}
			if s.IsFill {
				r.checkExpr(body.Scope, s.Count)
				r.checkExpr(body.Scope, s.Fill)
			}
		case *ResDef:
			if s.Count != nil {
				r.checkExpr(body.Scope, s.Count)
			}
		}
	}
}

func (r *Resolver) checkOperand(scope int, op Operand) {
	switch o := op.(type) {
	case *SymOperand:
		r.checkName(scope, o.Name, o.Span())
	case *MemOperand:
		if o.RipRelative && o.RipSymbol != "" {
			r.checkName(scope, o.RipSymbol, o.Span())
		}
		if o.Disp != nil {
			r.checkExpr(scope, o.Disp)
		}
	case *ImmOperand:
		r.checkExpr(scope, o.Value)
	}
}

func (r *Resolver) checkExpr(scope int, e Expr) {
	switch v := e.(type) {
	case *IdentExpr:
		r.checkName(scope, v.Name, v.Span())
	case *AddrExpr:
		r.checkName(scope, v.Name, v.Span())
	}
}

// checkName reports a SemanticError unless name resolves to a declared
// symbol reachable from scope's ancestor chain (preferring the nearest
// enclosing declaration, which is what Lookup gives an ordinary label
// reference) or, failing that, anywhere in the unit's flat symbol index
// (the case for an import or a same-named data/function symbol declared
// in another section, both of which are legitimate global references —
// this dialect has no "private to its section" visibility rule).
func (r *Resolver) checkName(scope int, name string, span Span) {
	if _, ok := r.syms.Lookup(scope, name); ok {
		return
	}
	if _, ok := r.syms.LookupGlobal(name); ok {
		return
	}
	r.errorf(span, "undefined symbol %q", name)
}

// expandMacro lowers one Macro statement to the equivalent instruction
// and data sequence described by its catalog row.
func (r *Resolver) expandMacro(m *Macro, kind SectionKind) []Stmt {
	k, ok := lookupMacro(m.Name)
	if !ok {
		r.errorf(m.Span(), "unknown macro %q", m.Name)
		return nil
	}

	switch k {
	case MacroEsetreg:
		return r.expandEsetreg(m)
	case MacroEsetmem:
		return r.expandEsetmem(m)
	case MacroPstr:
		return r.expandPstr(m)
	case MacroPval:
		return r.expandPval(m)
	case MacroPreg:
		return r.expandPreg(m)
	case MacroPaddr:
		return r.expandPaddr(m)
	case MacroPmem:
		return r.expandPmem(m)
	case MacroRegs:
		return r.expandRegs(m)
	case MacroMem:
		return r.expandMem(m)
	case MacroAssertEq, MacroAssertNeq, MacroAssertEqz, MacroAssertNez:
		return r.expandAssert(m, k)
	default:
		return nil
	}
}

func (r *Resolver) expandEsetreg(m *Macro) []Stmt {
	if len(m.Args) != 2 {
		r.errorf(m.Span(), "!esetreg expects REG, EXPR")
		return nil
	}
	r.unit.Prelude = append(r.unit.Prelude, PreludeEntry{Span: m.Span(), Kind: "esetreg", Args: m.Args})
	return nil
}

func (r *Resolver) expandEsetmem(m *Macro) []Stmt {
	if len(m.Args) < 2 {
		r.errorf(m.Span(), "!esetmem expects SYM, TYPE, VALUES…")
		return nil
	}
	r.unit.Prelude = append(r.unit.Prelude, PreludeEntry{Span: m.Span(), Kind: "esetmem", Args: m.Args})
	return nil
}

// callPrintf emits the push-callee-saved / load-args / call / restore
// sequence every printing macro shares. argSetup supplies the
// instructions that place the format-string address and value operands
// into the System V integer argument registers (rdi, rsi, rdx, rcx, r8,
// r9) before the call.
func (r *Resolver) callPrintf(span Span, argSetup []Stmt) []Stmt {
	r.needsPrintf = true
	var out []Stmt
	out = append(out, &Instr{SpanVal: span, Mnemonic: "push", Operands: []Operand{regOperand(span, RegBX)}})
	out = append(out, argSetup...)
	out = append(out, &Instr{SpanVal: span, Mnemonic: "call", Operands: []Operand{&SymOperand{SpanVal: span, Name: "printf"}}})
	out = append(out, &Instr{SpanVal: span, Mnemonic: "pop", Operands: []Operand{regOperand(span, RegBX)}})
	return out
}

func regOperand(span Span, id RegID) Operand {
	return &RegOperand{SpanVal: span, Reg: RegRef{ID: id, Width: Width64}}
}

// argRegs is the System V AMD64 integer argument register order.
var argRegs = []RegID{RegDI, RegSI, RegDX, RegCX, RegR8, RegR9}

func (r *Resolver) expandPstr(m *Macro) []Stmt {
	if len(m.Args) != 1 {
		r.errorf(m.Span(), "!pstr expects STRING")
		return nil
	}
	lit, ok := m.Args[0].(*StringLit)
	if !ok {
		r.errorf(m.Span(), "!pstr's argument must be a string literal")
		return nil
	}
	sym := r.internString(lit.Value, m.Span())
	setup := []Stmt{&Instr{SpanVal: m.Span(), Mnemonic: "lea", Operands: []Operand{
		regOperand(m.Span(), argRegs[0]),
		&MemOperand{SpanVal: m.Span(), RipRelative: true, RipSymbol: sym},
	}}}
	return r.callPrintf(m.Span(), setup)
}

func (r *Resolver) expandPval(m *Macro) []Stmt {
	if len(m.Args) != 2 {
		r.errorf(m.Span(), "!pval expects FMT, EXPR")
		return nil
	}
	return r.expandFormattedCall(m.Span(), m.Args[0], m.Args[1:])
}

func (r *Resolver) expandPreg(m *Macro) []Stmt {
	if len(m.Args) < 2 {
		r.errorf(m.Span(), "!preg expects FMT, REG, REG…")
		return nil
	}
	return r.expandFormattedCall(m.Span(), m.Args[0], m.Args[1:])
}

func (r *Resolver) expandPaddr(m *Macro) []Stmt {
	if len(m.Args) < 2 {
		r.errorf(m.Span(), "!paddr expects FMT, SYM, SYM…")
		return nil
	}
	fmtExpr := m.Args[0]
	var addrArgs []Expr
	for _, a := range m.Args[1:] {
		ident, ok := a.(*IdentExpr)
		if !ok {
			r.errorf(a.Span(), "!paddr arguments after FMT must be symbol names")
			continue
		}
		addrArgs = append(addrArgs, &AddrExpr{SpanVal: a.Span(), Name: ident.Name})
	}
	return r.expandFormattedCall(m.Span(), fmtExpr, addrArgs)
}

// expandFormattedCall lowers the shared shape behind !pval/!preg/!paddr:
// intern FMT as a rodata string, load it into the first argument
// register, move each remaining argument into the next argument
// register (a register operand moves directly; any other Expr becomes
// an immediate load), then call printf.
func (r *Resolver) expandFormattedCall(span Span, fmtExpr Expr, args []Expr) []Stmt {
	lit, ok := fmtExpr.(*StringLit)
	if !ok {
		r.errorf(fmtExpr.Span(), "format argument must be a string literal")
		return nil
	}
	sym := r.internString(lit.Value, span)
	var setup []Stmt
	setup = append(setup, &Instr{SpanVal: span, Mnemonic: "lea", Operands: []Operand{
		regOperand(span, argRegs[0]),
		&MemOperand{SpanVal: span, RipRelative: true, RipSymbol: sym},
	}})
	for i, a := range args {
		if i+1 >= len(argRegs) {
			r.errorf(a.Span(), "too many arguments for one printf call")
			break
		}
		dst := regOperand(span, argRegs[i+1])
		switch v := a.(type) {
		case *RegExprArg:
			setup = append(setup, &Instr{SpanVal: span, Mnemonic: "mov", Operands: []Operand{dst, &RegOperand{SpanVal: span, Reg: v.Reg}}})
		default:
			setup = append(setup, &Instr{SpanVal: span, Mnemonic: "mov", Operands: []Operand{dst, &ImmOperand{SpanVal: span, Value: v}}})
		}
	}
	return r.callPrintf(span, setup)
}

func (r *Resolver) expandPmem(m *Macro) []Stmt {
	if len(m.Args) != 2 {
		r.errorf(m.Span(), "!pmem expects FMT, SYM")
		return nil
	}
	fmtLit, ok := m.Args[0].(*StringLit)
	if !ok {
		r.errorf(m.Span(), "!pmem's FMT argument must be a string literal")
		return nil
	}
	sym, ok := m.Args[1].(*IdentExpr)
	if !ok {
		r.errorf(m.Span(), "!pmem's SYM argument must be a symbol name")
		return nil
	}
	count, elemType := parsePmemFormat(fmtLit.Value)
	var out []Stmt
	for i := 0; i < count; i++ {
		disp := &IntLit{SpanVal: m.Span(), Value: int64(i * elemSize(elemType)), Base: Base10}
		loadReg := regOperand(m.Span(), argRegs[1])
		out = append(out, &Instr{SpanVal: m.Span(), Mnemonic: "mov", Operands: []Operand{
			loadReg,
			&MemOperand{SpanVal: m.Span(), RipRelative: true, RipSymbol: sym.Name, Disp: disp},
		}})
		out = append(out, r.expandFormattedCall(m.Span(), &StringLit{SpanVal: m.Span(), Value: fmtLit.Value}, nil)...)
	}
	return out
}

// parsePmemFormat parses FMT's leading "%[COUNT][TYPE]" specifier. A
// missing COUNT defaults to one element.
func parsePmemFormat(fmt string) (count int, elemType string) {
	count = 1
	elemType = "i32"
	idx := strings.IndexByte(fmt, '%')
	if idx < 0 || idx+1 >= len(fmt) {
		return
	}
	rest := fmt[idx+1:]
	digits := ""
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		digits += string(rest[i])
		i++
	}
	if digits != "" {
		n := 0
		for _, c := range digits {
			n = n*10 + int(c-'0')
		}
		count = n
	}
	if i < len(rest) {
		typeRest := rest[i:]
		for _, t := range []string{"i64", "i32", "i16", "i8", "u64", "u32", "u16", "u8"} {
			if strings.HasPrefix(typeRest, t) {
				elemType = t
				break
			}
		}
	}
	return
}

// truncateToType narrows n to the byte width typ names, per !load's TYPE
// argument: an "i*" type sign-extends its top bit back out after
// truncation; every other type (u*/x*/b*/f*) is read as a plain unsigned
// field of that width.
func truncateToType(n int64, typ string) int64 {
	size := elemSize(typ)
	if size >= 8 {
		return n
	}
	bits := uint(size * 8)
	mask := int64(1)<<bits - 1
	v := n & mask
	if strings.HasPrefix(typ, "i") {
		signBit := int64(1) << (bits - 1)
		if v&signBit != 0 {
			v -= int64(1) << bits
		}
	}
	return v
}

func elemSize(t string) int {
	switch t {
	case "i8", "u8", "x8", "b8", "c":
		return 1
	case "i16", "u16", "x16", "b16", "f16":
		return 2
	case "i32", "u32", "x32", "b32", "f32":
		return 4
	case "i64", "u64", "x64", "b64", "f64":
		return 8
	default:
		return 4
	}
}

func (r *Resolver) expandRegs(m *Macro) []Stmt {
	class := regClassGeneral
	if len(m.Args) == 1 {
		if ident, ok := m.Args[0].(*IdentExpr); ok && strings.EqualFold(ident.Name, "xmm") {
			class = regClassXMM
		}
	}
	if class == regClassXMM {
		// The encoder has no SSE move path (no movq/movd between an XMM
		// register and a GPR), so there is no instruction sequence this
		// macro could lower !regs xmm into that would actually read an
		// XMM register's value. Reporting this is more honest than
		// emitting a GPR read under an XMM register's name.
		r.errorf(m.Span(), "!regs xmm: this encoder has no XMM register support")
		return nil
	}
	names := []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp"}
	var out []Stmt
	for _, name := range names {
		fmtStr := name + " = %lld\n"
		reg, ok := lookupRegister(name)
		if !ok {
			continue
		}
		out = append(out, r.expandFormattedCall(m.Span(), &StringLit{SpanVal: m.Span(), Value: fmtStr}, []Expr{&RegExprArg{SpanVal: m.Span(), Reg: reg}})...)
	}
	return out
}

func (r *Resolver) expandMem(m *Macro) []Stmt {
	if len(m.Args) != 2 {
		r.errorf(m.Span(), "!mem expects SYM LEN")
		return nil
	}
	sym, ok := m.Args[0].(*IdentExpr)
	if !ok {
		r.errorf(m.Span(), "!mem's SYM argument must be a symbol name")
		return nil
	}
	lenLit, ok := m.Args[1].(*IntLit)
	if !ok {
		r.errorf(m.Span(), "!mem's LEN argument must be an integer")
		return nil
	}
	var out []Stmt
	for i := int64(0); i < lenLit.Value; i++ {
		disp := &IntLit{SpanVal: m.Span(), Value: i, Base: Base10}
		out = append(out, &Instr{SpanVal: m.Span(), Mnemonic: "mov", Operands: []Operand{
			regOperand(m.Span(), argRegs[1]),
			&MemOperand{SpanVal: m.Span(), RipRelative: true, RipSymbol: sym.Name, Disp: disp},
		}})
		out = append(out, r.expandFormattedCall(m.Span(), &StringLit{SpanVal: m.Span(), Value: sym.Name + "[%lld] = %02x\n"}, nil)...)
	}
	return out
}

// expandAssert lowers one !assert_* statement to a compare, a
// conditional jump over the failure path, and (on the fall-through path)
// a message print followed by a call to exit(1). The two-arg forms
// compare A against B; the "…z" forms compare A against zero.
func (r *Resolver) expandAssert(m *Macro, k MacroKind) []Stmt {
	r.needsExit = true
	var lhs, rhs Expr
	var msg *StringLit
	var jccTaken string // condition under which the assertion HOLDS (we jump over the failure path on this)

	switch k {
	case MacroAssertEq, MacroAssertNeq:
		if len(m.Args) != 3 {
			r.errorf(m.Span(), "%s expects A, B, MSG", k)
			return nil
		}
		lhs, rhs = m.Args[0], m.Args[1]
		lit, ok := m.Args[2].(*StringLit)
		if !ok {
			r.errorf(m.Span(), "%s's MSG argument must be a string literal", k)
			return nil
		}
		msg = lit
		if k == MacroAssertEq {
			jccTaken = "jz"
		} else {
			jccTaken = "jnz"
		}
	case MacroAssertEqz, MacroAssertNez:
		if len(m.Args) != 2 {
			r.errorf(m.Span(), "%s expects A, MSG", k)
			return nil
		}
		lhs, rhs = m.Args[0], &IntLit{SpanVal: m.Span(), Value: 0, Base: Base10}
		lit, ok := m.Args[1].(*StringLit)
		if !ok {
			r.errorf(m.Span(), "%s's MSG argument must be a string literal", k)
			return nil
		}
		msg = lit
		if k == MacroAssertEqz {
			jccTaken = "jz"
		} else {
			jccTaken = "jnz"
		}
	}

	lhsOperand := toOperand(lhs)
	rhsOperand := toOperand(rhs)

	sym := r.internString(msg.Value+"\n", m.Span())
	var out []Stmt
	out = append(out, &Instr{SpanVal: m.Span(), Mnemonic: "cmp", Operands: []Operand{lhsOperand, rhsOperand}})
	out = append(out, &Instr{SpanVal: m.Span(), Mnemonic: jccTaken, Operands: []Operand{&LabelRefOperand{SpanVal: m.Span(), N: 1, Forward: true}}})
	out = append(out, &Instr{SpanVal: m.Span(), Mnemonic: "lea", Operands: []Operand{
		regOperand(m.Span(), argRegs[0]),
		&MemOperand{SpanVal: m.Span(), RipRelative: true, RipSymbol: sym},
	}})
	out = append(out, &Instr{SpanVal: m.Span(), Mnemonic: "call", Operands: []Operand{&SymOperand{SpanVal: m.Span(), Name: "printf"}}})
	r.needsPrintf = true
	out = append(out, &Instr{SpanVal: m.Span(), Mnemonic: "mov", Operands: []Operand{
		regOperand(m.Span(), argRegs[0]),
		&ImmOperand{SpanVal: m.Span(), Value: &IntLit{SpanVal: m.Span(), Value: 1, Base: Base10}},
	}})
	out = append(out, &Instr{SpanVal: m.Span(), Mnemonic: "call", Operands: []Operand{&SymOperand{SpanVal: m.Span(), Name: "exit"}}})
	out = append(out, &AnonBlock{SpanVal: m.Span(), Nested: Body{}})
	return out
}

// toOperand adapts an Expr parsed as a macro argument into an Instr
// Operand: a register argument becomes a RegOperand, anything else
// becomes an ImmOperand carrying the Expr unchanged (the cmp encoder
// accepts it only once it has folded to an integer).
func toOperand(e Expr) Operand {
	if reg, ok := e.(*RegExprArg); ok {
		return &RegOperand{SpanVal: reg.Span(), Reg: reg.Reg}
	}
	return &ImmOperand{SpanVal: e.Span(), Value: e}
}

package assembler

// Unit is the top-level tree produced by the parser for one source file:
// an ordered list of top-level items plus the prelude macros collected
// during semantic analysis.
type Unit struct {
	File    string
	Arch    string // defaults to "x86-64" when no `arch` directive is present
	Items   []TopItem
	Prelude []PreludeEntry
}

// PreludeEntry records one !esetreg/!esetmem invocation in declaration
// order. This module only stores the prelude; interpreting it is a
// hosted test runner's job, not this pipeline's.
type PreludeEntry struct {
	Span Span
	Kind string // "esetreg" or "esetmem"
	Args []Expr
}

// TopItem is one declaration at file scope: an import, a define, or a
// section. Each concrete type carries exprNode-style marker methods so
// the parser and later passes can type-switch without reflection.
type TopItem interface {
	topItemNode()
	Span() Span
}

// ImportData declares a comma-separated list of externally defined data
// symbols this unit reads.
type ImportData struct {
	SpanVal Span
	Names   []string
}

func (*ImportData) topItemNode() {}
func (n *ImportData) Span() Span { return n.SpanVal }

// ImportFunction declares a comma-separated list of externally defined
// function symbols this unit calls.
type ImportFunction struct {
	SpanVal Span
	Names   []string
}

func (*ImportFunction) topItemNode() {}
func (n *ImportFunction) Span() Span { return n.SpanVal }

// Define binds a file-scope compile-time name to an expression, folded
// during semantic analysis (integer, byte string, or deferred symbol).
type Define struct {
	SpanVal Span
	Name    string
	Value   Expr
}

func (*Define) topItemNode() {}
func (n *Define) Span() Span { return n.SpanVal }

// SectionKind is the kind of a section declaration.
type SectionKind int

const (
	SectionText SectionKind = iota
	SectionTextTest
	SectionData
	SectionRodata
	SectionBss
	SectionTdata
	SectionTbss
)

func (k SectionKind) String() string {
	switch k {
	case SectionText:
		return ".text"
	case SectionTextTest:
		return ".text.test"
	case SectionData:
		return ".data"
	case SectionRodata:
		return ".rodata"
	case SectionBss:
		return ".bss"
	case SectionTdata:
		return ".tdata"
	case SectionTbss:
		return ".tbss"
	default:
		return "<unknown section>"
	}
}

// Section is a `section KIND { ... }` top-level item. ClassHint is the
// tolerated uninit/data/code annotation; it is parsed for source
// compatibility and kept here as written, and no later pass reads it.
type Section struct {
	SpanVal   Span
	Kind      SectionKind
	ClassHint string
	Body      Body
}

func (*Section) topItemNode() {}
func (n *Section) Span() Span { return n.SpanVal }

// Body is an ordered sequence of statements within a section or a
// nested label block.
type Body struct {
	Stmts []Stmt

	// Scope is the symbol-table scope this body's statements were
	// discovered into by Resolve's pass A. A Body synthesized after pass
	// A (macro-lowered statements with no source scope of their own)
	// keeps the zero value, the root scope, which is always a correct
	// (if imprecise) ancestor for the names macro lowering can reference.
	Scope int
}

// Stmt is one statement inside a Body.
type Stmt interface {
	stmtNode()
	Span() Span
}

// Label introduces a named symbol at the current offset, optionally
// opening a nested block that scopes its own labels and anonymous marks.
type Label struct {
	SpanVal  Span
	Name     string
	Exported bool
	Nested   *Body // nil when the label has no nested block

	// Sym is filled in by Resolve's symbol-discovery pass and read by
	// the encoder to record the label's final offset and size.
	Sym *Symbol
}

func (*Label) stmtNode() {}
func (n *Label) Span() Span { return n.SpanVal }

// AnonBlock is a `_: { ... }` anonymous-label block: it occupies a slot
// in its enclosing block's ordered anonymous-label sequence (for Nf/Nb
// resolution) without introducing a name into the symbol table.
type AnonBlock struct {
	SpanVal Span
	Nested  Body
}

func (*AnonBlock) stmtNode() {}
func (n *AnonBlock) Span() Span { return n.SpanVal }

// Instr is one instruction mnemonic with its operand list, in the
// dialect's destination-first (Intel-style) order.
type Instr struct {
	SpanVal  Span
	Mnemonic string
	Operands []Operand
}

func (*Instr) stmtNode() {}
func (n *Instr) Span() Span { return n.SpanVal }

// DataDef is a `.data TYPE, VALUES…` initialized-data statement, or (when
// IsFill) a `.data COUNT, TYPE, FILL` array-fill form that repeats one
// value COUNT times.
type DataDef struct {
	SpanVal Span
	Type    string // one of typeKeywords
	Values  []Expr // populated when !IsFill
	IsFill  bool
	Count   Expr // populated when IsFill
	Fill    Expr // populated when IsFill
}

func (*DataDef) stmtNode() {}
func (n *DataDef) Span() Span { return n.SpanVal }

// ResDef is a `.res TYPE` (count defaults to 1) or `.res COUNT, TYPE`
// zero-fill reservation inside a bss/tbss section. It contributes to the
// section's size but emits no bytes: SHT_NOBITS sections
// carry no file content.
type ResDef struct {
	SpanVal Span
	Type    string
	Count   Expr // nil means a single element
}

func (*ResDef) stmtNode() {}
func (n *ResDef) Span() Span { return n.SpanVal }

// Macro is a `!name arg, arg, ...` macro invocation statement.
type Macro struct {
	SpanVal Span
	Name    string
	Args    []Expr
}

func (*Macro) stmtNode() {}
func (n *Macro) Span() Span { return n.SpanVal }

// Operand is one instruction operand: a register, an immediate
// expression, a memory effective address, or a label/symbol reference.
type Operand interface {
	operandNode()
	Span() Span
}

// RegOperand is a bare register operand.
type RegOperand struct {
	SpanVal Span
	Reg     RegRef
}

func (*RegOperand) operandNode() {}
func (n *RegOperand) Span() Span { return n.SpanVal }

// ImmOperand is an immediate-value operand, folded from a compile-time
// expression during semantic analysis.
type ImmOperand struct {
	SpanVal Span
	Value   Expr
}

func (*ImmOperand) operandNode() {}
func (n *ImmOperand) Span() Span { return n.SpanVal }

// MemOperand is a `[base + index*scale + disp]`-style memory effective
// address. Any field may be the zero value when absent: Base == nil
// means no base register, Index == nil means no index register, Scale
// is meaningful only when Index != nil, and Disp == nil means no
// displacement term. RipRelative marks the bare `[SYMBOL]` form.
type MemOperand struct {
	SpanVal     Span
	Base        *RegRef
	Index       *RegRef
	Scale       int
	Disp        Expr
	RipRelative bool
	RipSymbol   string
}

func (*MemOperand) operandNode() {}
func (n *MemOperand) Span() Span { return n.SpanVal }

// SymOperand is a bare symbol-name operand (e.g. a call/jmp target or a
// data symbol used as an address).
type SymOperand struct {
	SpanVal Span
	Name    string
}

func (*SymOperand) operandNode() {}
func (n *SymOperand) Span() Span { return n.SpanVal }

// LabelRefOperand is an anonymous relative-label reference (`1f`/`2b`):
// N is the ordinal, Forward selects the nearest-forward vs.
// nearest-backward search direction within the enclosing block's
// anonymous-label sequence.
type LabelRefOperand struct {
	SpanVal Span
	N       int
	Forward bool
}

func (*LabelRefOperand) operandNode() {}
func (n *LabelRefOperand) Span() Span { return n.SpanVal }

// Expr is a compile-time expression: an integer literal, an identifier
// (resolved against `define`d names or symbols), a string literal, or
// one of the three compile-time-evaluated forms (!addr, !strlen, !load).
type Expr interface {
	exprNode()
	Span() Span
}

// IntLit is an integer literal expression.
type IntLit struct {
	SpanVal Span
	Value   int64
	Base    IntBase
}

func (*IntLit) exprNode() {}
func (n *IntLit) Span() Span { return n.SpanVal }

// StringLit is a string literal expression, decoded (escapes resolved).
type StringLit struct {
	SpanVal Span
	Value   string
}

func (*StringLit) exprNode() {}
func (n *StringLit) Span() Span { return n.SpanVal }

// IdentExpr is a bare identifier, resolved during semantic analysis
// against `define`-bound names first, then the symbol table.
type IdentExpr struct {
	SpanVal Span
	Name    string
}

func (*IdentExpr) exprNode() {}
func (n *IdentExpr) Span() Span { return n.SpanVal }

// AddrExpr is `!addr(SYMBOL)`: the compile-time address of a symbol,
// resolved to a deferred symbol reference (it cannot fold to a plain
// integer until layout assigns the symbol an address).
type AddrExpr struct {
	SpanVal Span
	Name    string
}

func (*AddrExpr) exprNode() {}
func (n *AddrExpr) Span() Span { return n.SpanVal }

// StrlenExpr is `!strlen(sym)`: folds to the byte count of the string
// constant named sym, up to but excluding its first NUL, at semantic
// analysis time.
type StrlenExpr struct {
	SpanVal Span
	Name    string
}

func (*StrlenExpr) exprNode() {}
func (n *StrlenExpr) Span() Span { return n.SpanVal }

// RegExprArg wraps a bare register name appearing in macro-argument
// position (e.g. the REG in `!esetreg REG, EXPR`), where the argument
// grammar admits a register alongside ordinary Expr forms.
type RegExprArg struct {
	SpanVal Span
	Reg     RegRef
}

func (*RegExprArg) exprNode() {}
func (n *RegExprArg) Span() Span { return n.SpanVal }

// LoadExpr is `!load(TYPE, SYMBOL)`: folds to the first integer value of
// SYMBOL's data definition, truncated to TYPE's width. SYMBOL may be
// defined anywhere in the unit.
type LoadExpr struct {
	SpanVal Span
	Type    string // one of typeKeywords; the width !load reads the value at
	Name    string
}

func (*LoadExpr) exprNode() {}
func (n *LoadExpr) Span() Span { return n.SpanVal }

package assembler

// MacroKind names one member of the closed macro catalog this module
// defines. Modeling macros as a small closed set of data-carrying
// variants, rather than open text substitution, is what keeps the
// parser (which only needs to collect an argument list) and the
// expander (which interprets exactly one of these kinds) independently
// testable.
type MacroKind int

const (
	MacroUnknown MacroKind = iota
	MacroEsetreg
	MacroEsetmem
	MacroPstr
	MacroPval
	MacroPreg
	MacroPaddr
	MacroPmem
	MacroRegs
	MacroMem
	MacroAssertEq
	MacroAssertNeq
	MacroAssertEqz
	MacroAssertNez
)

func (k MacroKind) String() string {
	switch k {
	case MacroEsetreg:
		return "!esetreg"
	case MacroEsetmem:
		return "!esetmem"
	case MacroPstr:
		return "!pstr"
	case MacroPval:
		return "!pval"
	case MacroPreg:
		return "!preg"
	case MacroPaddr:
		return "!paddr"
	case MacroPmem:
		return "!pmem"
	case MacroRegs:
		return "!regs"
	case MacroMem:
		return "!mem"
	case MacroAssertEq:
		return "!assert_eq"
	case MacroAssertNeq:
		return "!assert_neq"
	case MacroAssertEqz:
		return "!assert_eqz"
	case MacroAssertNez:
		return "!assert_nez"
	default:
		return "!<unknown>"
	}
}

// macroCatalog maps every statement-level macro name this dialect
// recognizes onto its MacroKind. Expression-level macros (!addr,
// !strlen, !load) are parsed directly into Expr variants and never
// reach this table.
var macroCatalog = map[string]MacroKind{
	"!esetreg":    MacroEsetreg,
	"!esetmem":    MacroEsetmem,
	"!pstr":       MacroPstr,
	"!pval":       MacroPval,
	"!preg":       MacroPreg,
	"!paddr":      MacroPaddr,
	"!pmem":       MacroPmem,
	"!regs":       MacroRegs,
	"!mem":        MacroMem,
	"!assert_eq":  MacroAssertEq,
	"!assert_neq": MacroAssertNeq,
	"!assert_eqz": MacroAssertEqz,
	"!assert_nez": MacroAssertNez,
}

// lookupMacro resolves a Macro statement's name to its catalog entry.
func lookupMacro(name string) (MacroKind, bool) {
	k, ok := macroCatalog[name]
	return k, ok
}

// regClass selects the general-purpose or XMM register file for !regs.
type regClass int

const (
	regClassGeneral regClass = iota
	regClassXMM
)

package assembler

import "strings"

// RegWidth is the operand width, in bytes, that a register name denotes.
type RegWidth uint8

const (
	Width8  RegWidth = 1
	Width16 RegWidth = 2
	Width32 RegWidth = 4
	Width64 RegWidth = 8
)

// RegID names one of the sixteen x86-64 general-purpose registers,
// independent of the width at which a particular mnemonic spells it
// (rax/eax/ax/al all carry RegAX).
type RegID uint8

const (
	RegAX RegID = iota
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// RegRef is a fully resolved register operand: which of the sixteen GPRs,
// at which width.
type RegRef struct {
	ID    RegID
	Width RegWidth
}

// registerTable maps every spelling the "x86-64" architecture accepts,
// lower-cased, onto its (ID, width) pair. Lookups from the lexer and
// parser lower-case the candidate identifier first so register names are
// recognized case-insensitively; mnemonics and directive keywords, by
// contrast, are matched exactly as written.
var registerTable = map[string]RegRef{
	"rax": {RegAX, Width64}, "eax": {RegAX, Width32}, "ax": {RegAX, Width16}, "al": {RegAX, Width8},
	"rcx": {RegCX, Width64}, "ecx": {RegCX, Width32}, "cx": {RegCX, Width16}, "cl": {RegCX, Width8},
	"rdx": {RegDX, Width64}, "edx": {RegDX, Width32}, "dx": {RegDX, Width16}, "dl": {RegDX, Width8},
	"rbx": {RegBX, Width64}, "ebx": {RegBX, Width32}, "bx": {RegBX, Width16}, "bl": {RegBX, Width8},
	"rsp": {RegSP, Width64}, "esp": {RegSP, Width32}, "sp": {RegSP, Width16},
	"rbp": {RegBP, Width64}, "ebp": {RegBP, Width32}, "bp": {RegBP, Width16},
	"rsi": {RegSI, Width64}, "esi": {RegSI, Width32}, "si": {RegSI, Width16}, "sil": {RegSI, Width8},
	"rdi": {RegDI, Width64}, "edi": {RegDI, Width32}, "di": {RegDI, Width16}, "dil": {RegDI, Width8},
	"r8": {RegR8, Width64}, "r8d": {RegR8, Width32}, "r8w": {RegR8, Width16}, "r8b": {RegR8, Width8},
	"r9": {RegR9, Width64}, "r9d": {RegR9, Width32}, "r9w": {RegR9, Width16}, "r9b": {RegR9, Width8},
	"r10": {RegR10, Width64}, "r10d": {RegR10, Width32}, "r10w": {RegR10, Width16}, "r10b": {RegR10, Width8},
	"r11": {RegR11, Width64}, "r11d": {RegR11, Width32}, "r11w": {RegR11, Width16}, "r11b": {RegR11, Width8},
	"r12": {RegR12, Width64}, "r12d": {RegR12, Width32}, "r12w": {RegR12, Width16}, "r12b": {RegR12, Width8},
	"r13": {RegR13, Width64}, "r13d": {RegR13, Width32}, "r13w": {RegR13, Width16}, "r13b": {RegR13, Width8},
	"r14": {RegR14, Width64}, "r14d": {RegR14, Width32}, "r14w": {RegR14, Width16}, "r14b": {RegR14, Width8},
	"r15": {RegR15, Width64}, "r15d": {RegR15, Width32}, "r15w": {RegR15, Width16}, "r15b": {RegR15, Width8},
}

// lookupRegister resolves an identifier to a register, case-insensitively.
func lookupRegister(ident string) (RegRef, bool) {
	r, ok := registerTable[strings.ToLower(ident)]
	return r, ok
}

// isHighRegister reports whether the register requires REX.B/R/X to
// address (r8-r15), independent of its width.
func (r RegID) isHighRegister() bool {
	return r >= RegR8
}

// lowCode is the 3-bit register field encoded into ModR/M, SIB or the
// opcode's low bits, before any REX extension bit is added.
func (r RegID) lowCode() byte {
	return byte(r) & 0x7
}

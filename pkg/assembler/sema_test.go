package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveSrc(t *testing.T, src string) (*Unit, *SymbolTable, []Diagnostic) {
	t.Helper()
	toks, lexErrs := NewLexer("t.anns", src).Lex()
	require.Empty(t, lexErrs)
	u, parseDiags := NewParser("t.anns", toks).Parse()
	require.Empty(t, parseDiags)
	syms, semaDiags := Resolve(u)
	return u, syms, semaDiags
}

func TestResolveDiscoversExportedFunctionSymbol(t *testing.T) {
	_, syms, diags := resolveSrc(t, `
section .text {
export main: {
	ret
}
}
`)
	require.Empty(t, diags)
	sym, ok := syms.LookupGlobal("main")
	require.True(t, ok)
	assert.Equal(t, SymFunction, sym.Kind)
	assert.True(t, sym.Exported)
	assert.Equal(t, SectionText, sym.Section)
}

func TestResolveDataSymbolPlacement(t *testing.T) {
	_, syms, diags := resolveSrc(t, `
section .data {
x: .data i32, 1
}
`)
	require.Empty(t, diags)
	sym, ok := syms.LookupGlobal("x")
	require.True(t, ok)
	assert.Equal(t, SymData, sym.Kind)
	assert.Equal(t, SectionData, sym.Section)
}

func TestResolveRejectsDataInUninitializedSection(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .bss {
x: .data i32, 1
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func TestResolveRejectsResOutsideUninitializedSection(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .data {
x: .res i32
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func TestResolveRejectsExportOnNestedLabel(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .text {
outer: {
export inner: {
	ret
}
}
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func TestResolveDefineSubstitution(t *testing.T) {
	u, _, diags := resolveSrc(t, `
define CHAR_LF, 10
section .data {
x: .data i32, CHAR_LF
}
`)
	require.Empty(t, diags)
	sec := findSection(u, SectionData)
	dd := sec.Body.Stmts[1].(*DataDef)
	lit, ok := dd.Values[0].(*IntLit)
	require.True(t, ok)
	assert.EqualValues(t, 10, lit.Value)
}

func TestResolveStrlenExcludesNulTerminator(t *testing.T) {
	u, _, diags := resolveSrc(t, `
section .rodata {
greeting: .data i8, "hi", 0
}
section .text {
mov eax, !strlen(greeting)
}
`)
	require.Empty(t, diags)
	sec := findSection(u, SectionText)
	instr := sec.Body.Stmts[0].(*Instr)
	imm := instr.Operands[1].(*ImmOperand)
	lit, ok := imm.Value.(*IntLit)
	require.True(t, ok)
	assert.EqualValues(t, 2, lit.Value)
}

func TestResolveStrlenOnUndefinedStringIsError(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .text {
mov eax, !strlen(nosuch)
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func TestResolveAddrExprStaysDeferred(t *testing.T) {
	u, _, diags := resolveSrc(t, `
section .data {
x: .data i32, 1
}
section .text {
mov eax, !addr(x)
}
`)
	require.Empty(t, diags)
	sec := findSection(u, SectionText)
	instr := sec.Body.Stmts[0].(*Instr)
	imm := instr.Operands[1].(*ImmOperand)
	_, ok := imm.Value.(*AddrExpr)
	assert.True(t, ok, "!addr must remain a deferred reference until layout")
}

func TestResolvePstrInternsRodataAndCallsPrintf(t *testing.T) {
	u, syms, diags := resolveSrc(t, `
section .text {
export main: {
	!pstr "hello\n"
	ret
}
}
`)
	require.Empty(t, diags)
	// the implicit printf import must be recorded.
	sym, ok := syms.LookupGlobal("printf")
	require.True(t, ok)
	assert.Equal(t, SymImportedFunction, sym.Kind)

	sec := findSection(u, SectionText)
	main := sec.Body.Stmts[0].(*Label)
	require.NotNil(t, main.Nested)
	// push rbx; lea rdi, [__str0]; call printf; pop rbx; ret
	require.Len(t, main.Nested.Stmts, 5)
	lea := main.Nested.Stmts[1].(*Instr)
	assert.Equal(t, "lea", lea.Mnemonic)
	mem := lea.Operands[1].(*MemOperand)
	assert.True(t, mem.RipRelative)
	assert.Equal(t, "__str0", mem.RipSymbol)

	rodata := findSection(u, SectionRodata)
	internedLbl := rodata.Body.Stmts[0].(*Label)
	assert.Equal(t, "__str0", internedLbl.Name)
	internedData := rodata.Body.Stmts[1].(*DataDef)
	strLit := internedData.Values[0].(*StringLit)
	assert.Equal(t, "hello\n", strLit.Value)
}

func TestResolveAssertEqzLowersToCompareJumpAndExit(t *testing.T) {
	u, syms, diags := resolveSrc(t, `
section .text {
export main: {
	!assert_eqz rax, "rax must be zero"
	ret
}
}
`)
	require.Empty(t, diags)
	_, ok := syms.LookupGlobal("exit")
	require.True(t, ok)

	sec := findSection(u, SectionText)
	main := sec.Body.Stmts[0].(*Label)
	require.NotNil(t, main.Nested)
	cmp := main.Nested.Stmts[0].(*Instr)
	assert.Equal(t, "cmp", cmp.Mnemonic)
	jcc := main.Nested.Stmts[1].(*Instr)
	assert.Equal(t, "jz", jcc.Mnemonic)
	ref := jcc.Operands[0].(*LabelRefOperand)
	assert.True(t, ref.Forward)
	assert.Equal(t, 1, ref.N)

	// the failure path ends with a call to exit, and the jz target is an
	// anonymous block placed after it (the "jump over the failure path"
	// landing point).
	foundCallExit := false
	foundAnon := false
	for _, s := range main.Nested.Stmts {
		if instr, ok := s.(*Instr); ok && instr.Mnemonic == "call" {
			if sym, ok := instr.Operands[0].(*SymOperand); ok && sym.Name == "exit" {
				foundCallExit = true
			}
		}
		if _, ok := s.(*AnonBlock); ok {
			foundAnon = true
		}
	}
	assert.True(t, foundCallExit)
	assert.True(t, foundAnon)
}

func TestElemSizeTable(t *testing.T) {
	assert.Equal(t, 1, elemSize("i8"))
	assert.Equal(t, 2, elemSize("u16"))
	assert.Equal(t, 4, elemSize("i32"))
	assert.Equal(t, 8, elemSize("f64"))
	assert.Equal(t, 1, elemSize("c"))
}

func TestResolveDuplicateLabelInSameScopeIsRejected(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .text {
dup: ret
dup: ret
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func TestResolveLoadTruncatesToRequestedWidth(t *testing.T) {
	u, _, diags := resolveSrc(t, `
section .data {
x: .data i32, 0x1FF
}
section .text {
mov eax, !load(i8, x)
}
`)
	require.Empty(t, diags)
	sec := findSection(u, SectionText)
	instr := sec.Body.Stmts[0].(*Instr)
	imm := instr.Operands[1].(*ImmOperand)
	lit, ok := imm.Value.(*IntLit)
	require.True(t, ok)
	// 0x1FF truncated to 8 bits is 0xFF, which as a signed i8 is -1.
	assert.EqualValues(t, -1, lit.Value)
}

func TestResolveUndefinedCallTargetIsError(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .text {
call nosuch
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func TestResolveUndefinedAddrTargetIsError(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .text {
mov eax, !addr(nosuch)
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func TestResolveUndefinedDataValueIdentifierIsError(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .data {
x: .data i32, NOT_A_DEFINE
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func TestResolveCrossSectionDataReferenceIsNotUndefined(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .data {
x: .data i32, 1
}
section .text {
mov eax, [x]
}
`)
	require.Empty(t, diags)
}

func TestResolveSameScopeForwardLabelReferenceIsNotUndefined(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .text {
jmp target
target: ret
}
`)
	require.Empty(t, diags)
}

func TestResolveRegsExpandsOnePrintfCallPerGeneralRegister(t *testing.T) {
	u, syms, diags := resolveSrc(t, `
section .text {
export main: {
	!regs
	ret
}
}
`)
	require.Empty(t, diags)
	_, ok := syms.LookupGlobal("printf")
	require.True(t, ok)

	sec := findSection(u, SectionText)
	main := sec.Body.Stmts[0].(*Label)
	callCount := 0
	for _, s := range main.Nested.Stmts {
		if instr, ok := s.(*Instr); ok && instr.Mnemonic == "call" {
			if sym, ok := instr.Operands[0].(*SymOperand); ok && sym.Name == "printf" {
				callCount++
			}
		}
	}
	assert.Equal(t, 8, callCount, "one printf call per general-purpose register")
}

func TestResolveRegsXmmIsError(t *testing.T) {
	_, _, diags := resolveSrc(t, `
section .text {
export main: {
	!regs xmm
	ret
}
}
`)
	require.NotEmpty(t, diags)
	assert.Equal(t, SemanticError, diags[0].Kind)
}

func findSection(u *Unit, kind SectionKind) *Section {
	for _, item := range u.Items {
		if sec, ok := item.(*Section); ok && sec.Kind == kind {
			return sec
		}
	}
	return nil
}

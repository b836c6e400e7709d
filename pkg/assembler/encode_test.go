package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeSrc(t *testing.T, src string) (map[SectionKind]*EncodedSection, []SectionKind, []Diagnostic) {
	t.Helper()
	toks, lexErrs := NewLexer("t.anns", src).Lex()
	require.Empty(t, lexErrs)
	u, parseDiags := NewParser("t.anns", toks).Parse()
	require.Empty(t, parseDiags)
	syms, semaDiags := Resolve(u)
	require.Empty(t, semaDiags)
	enc := NewEncoder(u, syms)
	return enc.Encode()
}

func TestEncodeRetAndLeave(t *testing.T) {
	sections, _, diags := encodeSrc(t, "section .text {\nret\nleave\n}\n")
	require.Empty(t, diags)
	assert.Equal(t, []byte{0xC3, 0xC9}, sections[SectionText].Buf)
}

func TestEncodePushPopLowRegister(t *testing.T) {
	sections, _, diags := encodeSrc(t, "section .text {\npush rbp\npop rbp\n}\n")
	require.Empty(t, diags)
	assert.Equal(t, []byte{0x55, 0x5D}, sections[SectionText].Buf)
}

func TestEncodePushHighRegisterNeedsRexB(t *testing.T) {
	sections, _, diags := encodeSrc(t, "section .text {\npush r12\n}\n")
	require.Empty(t, diags)
	assert.Equal(t, []byte{0x41, 0x54}, sections[SectionText].Buf)
}

func TestEncodeMovRegToReg(t *testing.T) {
	sections, _, diags := encodeSrc(t, "section .text {\nmov eax, ebx\n}\n")
	require.Empty(t, diags)
	assert.Equal(t, []byte{0x40, 0x89, 0xD8}, sections[SectionText].Buf)
}

func TestEncodeMovRegImm32(t *testing.T) {
	sections, _, diags := encodeSrc(t, "section .text {\nmov eax, 5\n}\n")
	require.Empty(t, diags)
	assert.Equal(t, []byte{0xB8, 0x05, 0x00, 0x00, 0x00}, sections[SectionText].Buf)
}

// needsImm64's boundary: a positive value using the 33rd bit (beyond
// 0x7FFFFFFF) must switch to the 10-byte REX.W + movabs form.
func TestEncodeMovRegImm64BoundaryJustAboveThreshold(t *testing.T) {
	sections, _, diags := encodeSrc(t, "section .text {\nmov rax, 0x80000000\n}\n")
	require.Empty(t, diags)
	buf := sections[SectionText].Buf
	require.Len(t, buf, 10)
	assert.Equal(t, byte(0x48), buf[0])
	assert.Equal(t, byte(0xB8), buf[1])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00}, buf[2:])
}

func TestEncodeMovRegImm64BoundaryAtThresholdStaysImm32Form(t *testing.T) {
	sections, _, diags := encodeSrc(t, "section .text {\nmov rax, 0x7FFFFFFF\n}\n")
	require.Empty(t, diags)
	buf := sections[SectionText].Buf
	require.Len(t, buf, 7)
	assert.Equal(t, byte(0x48), buf[0]) // REX.W: rax is still a 64-bit destination
	assert.Equal(t, byte(0xC7), buf[1]) // C7 /0 id: sign-extended imm32
}

func TestEncodeLeaRipRelativeEmitsPC32Reloc(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
section .data {
x: .data i32, 1
}
section .text {
lea rdi, [x]
}
`)
	require.Empty(t, diags)
	es := sections[SectionText]
	require.Len(t, es.Relocs, 1)
	assert.Equal(t, RelocPC32, es.Relocs[0].Kind)
	assert.Equal(t, "x", es.Relocs[0].Target)
	assert.EqualValues(t, -4, es.Relocs[0].Addend)
	assert.EqualValues(t, 3, es.Relocs[0].OffsetInSection) // after REX + opcode + modrm
}

func TestEncodeMovFromImportedDataEmitsGOTPCREL(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
import data counter
section .text {
mov eax, [counter]
}
`)
	require.Empty(t, diags)
	es := sections[SectionText]
	require.Len(t, es.Relocs, 1)
	assert.Equal(t, RelocGOTPCREL, es.Relocs[0].Kind)
	assert.Equal(t, "counter", es.Relocs[0].Target)
}

func TestEncodeCallToImportedFunctionEmitsPLT32(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
import function puts
section .text {
call puts
}
`)
	require.Empty(t, diags)
	es := sections[SectionText]
	assert.Equal(t, byte(0xE8), es.Buf[0])
	require.Len(t, es.Relocs, 1)
	assert.Equal(t, RelocPLT32, es.Relocs[0].Kind)
	assert.Equal(t, "puts", es.Relocs[0].Target)
}

func TestEncodeCallToLocalForwardLabelResolvesInPlace(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
section .text {
call helper
ret
helper: {
	ret
}
}
`)
	require.Empty(t, diags)
	es := sections[SectionText]
	assert.Empty(t, es.Relocs, "a same-section forward call must be patched in place, not left as a relocation")
	assert.Equal(t, byte(0xE8), es.Buf[0])
	// call is 5 bytes (E8 + rel32); then "ret" is 1 byte; helper starts
	// at offset 6 so the patched displacement is 6 - 5 = 1.
	disp := int32(es.Buf[1]) | int32(es.Buf[2])<<8 | int32(es.Buf[3])<<16 | int32(es.Buf[4])<<24
	assert.EqualValues(t, 1, disp)
}

func TestEncodeForwardJumpAlwaysUsesLongForm(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
section .text {
jmp target
target: ret
}
`)
	require.Empty(t, diags)
	es := sections[SectionText]
	assert.Equal(t, byte(0xE9), es.Buf[0], "forward jumps always take the rel32 form, never rel8")
	assert.Len(t, es.Buf, 5+1)
}

// A backward jmp far beyond rel8 range takes the rel32 form; the exact
// -128 boundary is checked by the two jcc tests below.
func TestEncodeBackwardJumpBeyondRel8RangeUsesLongForm(t *testing.T) {
	var body string
	body += "loop: "
	for i := 0; i < 125; i++ {
		body += "inc eax\n"
	}
	body += "jmp loop\n"
	sections, _, diags := encodeSrc(t, "section .text {\n"+body+"}\n")
	require.Empty(t, diags)
	es := sections[SectionText]
	// 125 "inc eax" instructions at 3 bytes each (REX + opcode + modrm) = 375 bytes.
	// jmp's short form displacement = loopOffset(0) - (jmpEnd) = -(375+2) = -377,
	// which does not fit rel8, so this particular count must use the long form;
	// the boundary case is exercised by the jcc tests below.
	assert.Equal(t, byte(0xE9), es.Buf[len(es.Buf)-5])
}

func TestEncodeBackwardJccShortFormAtExactBoundary(t *testing.T) {
	// Fabricate a body whose backward displacement from the jcc to the
	// target label lands on exactly -128: 42 "inc eax" instructions (3
	// bytes each = 126 bytes) between the label and the 2-byte jcc short
	// form puts the target at displacement -(126+2) = -128.
	var body string
	body += "loop: "
	for i := 0; i < 42; i++ {
		body += "inc eax\n"
	}
	body += "jz loop\n"
	sections, _, diags := encodeSrc(t, "section .text {\n"+body+"}\n")
	require.Empty(t, diags)
	es := sections[SectionText]
	last2 := es.Buf[len(es.Buf)-2:]
	assert.Equal(t, byte(0x74), last2[0], "exactly -128 must still fit the short jz form")
	assert.Equal(t, int8(-128), int8(last2[1]))
}

func TestEncodeBackwardJccOneByteBeyondBoundaryUsesLongForm(t *testing.T) {
	// 42 "inc eax" (126 bytes) plus a 1-byte "ret" put a short jz at
	// displacement -(127+2) = -129, one byte past rel8 range.
	var body string
	body += "loop: "
	for i := 0; i < 42; i++ {
		body += "inc eax\n"
	}
	body += "ret\n"
	body += "jz loop\n"
	sections, _, diags := encodeSrc(t, "section .text {\n"+body+"}\n")
	require.Empty(t, diags)
	es := sections[SectionText]
	last6 := es.Buf[len(es.Buf)-6:]
	assert.Equal(t, byte(0x0F), last6[0])
	assert.Equal(t, byte(0x84), last6[1], "0x74 + 0x10 is the long jz opcode")
}

// A forward anonymous-label reference cannot use the short jcc form: its
// byte offset is not yet known when the jz is encoded (only its AST
// identity is), so it takes the same long-form path as a forward named
// label and is patched once the anonymous block is reached.
func TestEncodeAnonymousLabelForwardReference(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
section .text {
jz 1f
ret
_: {
	leave
}
}
`)
	require.Empty(t, diags)
	es := sections[SectionText]
	assert.Equal(t, byte(0x0F), es.Buf[0])
	assert.Equal(t, byte(0x84), es.Buf[1])
	disp := int32(es.Buf[2]) | int32(es.Buf[3])<<8 | int32(es.Buf[4])<<16 | int32(es.Buf[5])<<24
	assert.EqualValues(t, 1, disp)
	assert.Equal(t, byte(0xC3), es.Buf[6]) // the "ret" between jz and the anon block
	assert.Equal(t, byte(0xC9), es.Buf[7]) // "leave" inside the anon block
}

func TestEncodeUnsupportedInstructionFormIsEncodeError(t *testing.T) {
	_, _, diags := encodeSrc(t, "section .text {\nimul eax, ebx\n}\n")
	require.NotEmpty(t, diags)
	assert.Equal(t, EncodeError, diags[0].Kind)
}

func TestEncodeArithRegReg(t *testing.T) {
	sections, _, diags := encodeSrc(t, "section .text {\nadd eax, ebx\n}\n")
	require.Empty(t, diags)
	assert.Equal(t, []byte{0x40, 0x01, 0xD8}, sections[SectionText].Buf)
}

func TestEncodeDataDefScalarValues(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
section .data {
x: .data i32, 0x11223344
}
`)
	require.Empty(t, diags)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, sections[SectionData].Buf)
}

func TestEncodeDataDefArrayFill(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
section .data {
buf: .data 4, i8, 9
}
`)
	require.Empty(t, diags)
	assert.Equal(t, []byte{9, 9, 9, 9}, sections[SectionData].Buf)
}

func TestEncodeBssResDoesNotEmitBytesButAccumulatesSize(t *testing.T) {
	sections, _, diags := encodeSrc(t, `
section .bss {
flag: .res i8
counter: .res 4, i32
}
`)
	require.Empty(t, diags)
	es := sections[SectionBss]
	assert.Empty(t, es.Buf)
	assert.Equal(t, 1+4*4, es.Size)
}

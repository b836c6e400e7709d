package assembler

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// EncodedSection holds one section's fully encoded byte buffer (for
// SHT_PROGBITS kinds) or byte count only (for SHT_NOBITS .bss/.tbss,
// which carry no file content) plus the relocations
// that survived same-section resolution.
type EncodedSection struct {
	Kind   SectionKind
	Buf    []byte
	Relocs []Reloc
	Size   int // authoritative for NOBITS kinds; len(Buf) otherwise
}

type pendingFixup struct {
	patchOffset int
	instrEnd    int
}

// Encoder walks a resolved Unit's sections in declaration order and
// produces one EncodedSection per distinct SectionKind present.
type Encoder struct {
	unit  *Unit
	syms  *SymbolTable
	diags []Diagnostic

	sections map[SectionKind]*EncodedSection
	order    []SectionKind

	namedFixups map[string][]pendingFixup
	anonOffset  map[*AnonBlock]int
	anonFixups  map[*AnonBlock][]pendingFixup
	symEncoded  map[*Symbol]bool
}

// NewEncoder constructs an Encoder over a Unit whose symbols have
// already been discovered and resolved by Resolve.
func NewEncoder(unit *Unit, syms *SymbolTable) *Encoder {
	return &Encoder{
		unit:        unit,
		syms:        syms,
		sections:    map[SectionKind]*EncodedSection{},
		namedFixups: map[string][]pendingFixup{},
		anonOffset:  map[*AnonBlock]int{},
		anonFixups:  map[*AnonBlock][]pendingFixup{},
		symEncoded:  map[*Symbol]bool{},
	}
}

// Encode runs the full encoding pass and returns one EncodedSection per
// section kind present in the unit, in first-declared order, plus every
// EncodeError/LayoutError diagnostic accumulated along the way.
func (e *Encoder) Encode() (map[SectionKind]*EncodedSection, []SectionKind, []Diagnostic) {
	for _, item := range e.unit.Items {
		sec, ok := item.(*Section)
		if !ok {
			continue
		}
		es := e.sectionFor(sec.Kind)
		if sec.Kind == SectionBss || sec.Kind == SectionTbss {
			e.sizeBody(&sec.Body, es)
		} else {
			e.encodeBody(&sec.Body, sec.Kind, es)
		}
	}
	e.finalizeUnresolvedFixups()
	for _, es := range e.sections {
		if es.Kind != SectionBss && es.Kind != SectionTbss {
			es.Size = len(es.Buf)
		}
	}
	return e.sections, e.order, e.diags
}

func (e *Encoder) sectionFor(kind SectionKind) *EncodedSection {
	es, ok := e.sections[kind]
	if !ok {
		es = &EncodedSection{Kind: kind}
		e.sections[kind] = es
		e.order = append(e.order, kind)
	}
	return es
}

func (e *Encoder) errorf(span Span, kind DiagKind, format string, args ...interface{}) {
	e.diags = append(e.diags, Diagnostic{Span: span, Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// sizeBody accumulates a .bss/.tbss section's total size from its
// ResDef reservations without emitting any bytes, and records each
// Label's offset along the way. A DataDef cannot appear here: passA
// already rejected it.
func (e *Encoder) sizeBody(body *Body, es *EncodedSection) {
	var owner *Symbol // the latest label; reservations after it count toward its Size
	for _, stmt := range body.Stmts {
		switch s := stmt.(type) {
		case *Label:
			owner = s.Sym
			if s.Sym != nil {
				s.Sym.Offset = es.Size
			}
			if s.Nested != nil {
				e.sizeBody(s.Nested, es)
			}
		case *AnonBlock:
			e.sizeBody(&s.Nested, es)
		case *ResDef:
			count := int64(1)
			if s.Count != nil {
				if lit, ok := s.Count.(*IntLit); ok {
					count = lit.Value
				} else {
					e.errorf(s.Span(), LayoutError, "'.res' count must fold to an integer")
				}
			}
			n := int(count) * elemSize(s.Type)
			es.Size += n
			if owner != nil {
				owner.Size += n
			}
		}
	}
}

// encodeBody encodes one Body's statements into es.Buf in order. anonList
// is precomputed once per Body so that Nf/Nb references can resolve to a
// specific *AnonBlock by source position even when that block has not
// been encoded yet (a forward reference).
func (e *Encoder) encodeBody(body *Body, kind SectionKind, es *EncodedSection) {
	var anonList []*AnonBlock
	for _, stmt := range body.Stmts {
		if ab, ok := stmt.(*AnonBlock); ok {
			anonList = append(anonList, ab)
		}
	}

	anonSeen := 0
	var owner *Symbol // the latest label; data bytes after it count toward its Size
	for _, stmt := range body.Stmts {
		switch s := stmt.(type) {
		case *Label:
			owner = s.Sym
			offset := len(es.Buf)
			if s.Sym != nil {
				s.Sym.Offset = offset
				e.symEncoded[s.Sym] = true
			}
			e.resolveNamedFixups(s.Name, offset, es)
			if s.Nested != nil {
				e.encodeBody(s.Nested, kind, es)
			}
		case *AnonBlock:
			offset := len(es.Buf)
			e.anonOffset[s] = offset
			e.resolveAnonFixups(s, offset, es)
			anonSeen++
			e.encodeBody(&s.Nested, kind, es)
		case *Instr:
			e.encodeInstr(s, kind, es, anonList, anonSeen)
		case *DataDef:
			before := len(es.Buf)
			e.encodeDataDef(s, es)
			if owner != nil && owner.Kind == SymData {
				owner.Size += len(es.Buf) - before
			}
		case *ResDef:
			e.errorf(s.Span(), SemanticError, "'.res' is only permitted in an uninitialized section")
		}
	}
}

func (e *Encoder) resolveNamedFixups(name string, offset int, es *EncodedSection) {
	pending, ok := e.namedFixups[name]
	if !ok {
		return
	}
	for _, pf := range pending {
		disp := int32(offset - pf.instrEnd)
		binary.LittleEndian.PutUint32(es.Buf[pf.patchOffset:], uint32(disp))
	}
	delete(e.namedFixups, name)
}

func (e *Encoder) resolveAnonFixups(target *AnonBlock, offset int, es *EncodedSection) {
	pending, ok := e.anonFixups[target]
	if !ok {
		return
	}
	for _, pf := range pending {
		disp := int32(offset - pf.instrEnd)
		binary.LittleEndian.PutUint32(es.Buf[pf.patchOffset:], uint32(disp))
	}
	delete(e.anonFixups, target)
}

// resolveAnonTarget finds the *AnonBlock that a LabelRefOperand names,
// searching anonList (every AnonBlock statement in the referencing
// instruction's enclosing Body, in source order) by ordinal relative to
// anonSeen, the count already encoded at the reference's position.
func resolveAnonTarget(anonList []*AnonBlock, anonSeen int, n int, forward bool) (*AnonBlock, bool) {
	if forward {
		idx := anonSeen + n - 1
		if idx >= 0 && idx < len(anonList) {
			return anonList[idx], true
		}
		return nil, false
	}
	idx := anonSeen - n
	if idx >= 0 && idx < len(anonList) {
		return anonList[idx], true
	}
	return nil, false
}

// finalizeUnresolvedFixups converts every call/jmp/jcc fixup that was
// never resolved in place (its target turned out not to be a same-
// section label) into a genuine relocation against the global symbol
// table: PLT32 for an imported function, PC32 for anything else
// (a label that lives in a different section).
func (e *Encoder) finalizeUnresolvedFixups() {
	names := make([]string, 0, len(e.namedFixups))
	for name := range e.namedFixups {
		names = append(names, name)
	}
	sort.Strings(names) // fixed relocation order, so output is byte-identical across runs
	for _, name := range names {
		pending := e.namedFixups[name]
		sym, ok := e.syms.LookupGlobal(name)
		kind := RelocPC32
		if ok && sym.Kind == SymImportedFunction {
			kind = RelocPLT32
		}
		for _, pf := range pending {
			e.addRelocAtOffset(pf, name, kind)
		}
	}
	for ab, pending := range e.anonFixups {
		for _, pf := range pending {
			e.errorf(ab.Span(), LayoutError, "unresolved anonymous label reference")
			_ = pf
		}
	}
}

// addRelocAtOffset finds the section whose buffer contains patchOffset
// and appends a Reloc there; the addend accounts for the PC-relative
// base already implied by pf.instrEnd.
func (e *Encoder) addRelocAtOffset(pf pendingFixup, target string, kind RelocKind) {
	for _, es := range e.sections {
		if pf.patchOffset >= 0 && pf.patchOffset+4 <= len(es.Buf) {
			es.Relocs = append(es.Relocs, Reloc{OffsetInSection: pf.patchOffset, Kind: kind, Target: target, Addend: -4, FromSection: es.Kind})
			return
		}
	}
}

func (e *Encoder) encodeDataDef(d *DataDef, es *EncodedSection) {
	size := elemSize(d.Type)
	if d.IsFill {
		count, ok := asInt(d.Count)
		if !ok {
			e.errorf(d.Span(), LayoutError, "array-fill count must fold to an integer")
			return
		}
		for i := int64(0); i < count; i++ {
			e.appendScalar(es, d.Fill, size, d.Span())
		}
		return
	}
	for _, v := range d.Values {
		if lit, ok := v.(*StringLit); ok && size == 1 {
			es.Buf = append(es.Buf, []byte(lit.Value)...)
			continue
		}
		e.appendScalar(es, v, size, d.Span())
	}
}

func (e *Encoder) appendScalar(es *EncodedSection, v Expr, size int, span Span) {
	n, ok := asInt(v)
	if !ok {
		if addr, isAddr := v.(*AddrExpr); isAddr {
			off := len(es.Buf)
			kind := RelocAbs64
			if size == 4 {
				kind = RelocAbs32
			}
			es.Relocs = append(es.Relocs, Reloc{OffsetInSection: off, Kind: kind, Target: addr.Name, FromSection: es.Kind})
			es.Buf = append(es.Buf, make([]byte, size)...)
			return
		}
		e.errorf(span, LayoutError, "data value did not fold to an integer")
		es.Buf = append(es.Buf, make([]byte, size)...)
		return
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	es.Buf = append(es.Buf, buf[:size]...)
}

func asInt(e Expr) (int64, bool) {
	if lit, ok := e.(*IntLit); ok {
		return lit.Value, true
	}
	return 0, false
}

// --- x86-64 instruction encoding -------------------------------------

func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 7) << 3) | (rm & 7)
}

func (e *Encoder) encodeInstr(instr *Instr, kind SectionKind, es *EncodedSection, anonList []*AnonBlock, anonSeen int) {
	mn := instr.Mnemonic
	ops := instr.Operands

	switch mn {
	case "ret":
		es.Buf = append(es.Buf, 0xC3)
		return
	case "leave":
		es.Buf = append(es.Buf, 0xC9)
		return
	case "push":
		if r, ok := regOnly(ops, 0); ok {
			if r.ID.isHighRegister() {
				es.Buf = append(es.Buf, rex(false, false, false, true))
			}
			es.Buf = append(es.Buf, 0x50+r.ID.lowCode())
			return
		}
	case "pop":
		if r, ok := regOnly(ops, 0); ok {
			if r.ID.isHighRegister() {
				es.Buf = append(es.Buf, rex(false, false, false, true))
			}
			es.Buf = append(es.Buf, 0x58+r.ID.lowCode())
			return
		}
	case "inc":
		if r, ok := regOnly(ops, 0); ok {
			es.Buf = append(es.Buf, rex(r.Width == Width64, false, false, r.ID.isHighRegister()))
			es.Buf = append(es.Buf, 0xFF, modrm(3, 0, r.ID.lowCode()))
			return
		}
	case "enter":
		if len(ops) == 2 {
			imm16, ok1 := immOnly(ops[0])
			imm8, ok2 := immOnly(ops[1])
			if ok1 && ok2 {
				es.Buf = append(es.Buf, 0xC8)
				buf16 := make([]byte, 2)
				binary.LittleEndian.PutUint16(buf16, uint16(imm16))
				es.Buf = append(es.Buf, buf16...)
				es.Buf = append(es.Buf, byte(imm8))
				return
			}
		}
	case "mov":
		if e.encodeMov(ops, es) {
			return
		}
	case "lea":
		if e.encodeLea(ops, es) {
			return
		}
	case "add", "sub", "xor", "cmp":
		if e.encodeArith(mn, ops, es) {
			return
		}
	case "call":
		if e.encodeCallOrJmp(mn, 0xE8, ops, instr.Span(), es, anonList, anonSeen, false) {
			return
		}
	case "jmp":
		if e.encodeCallOrJmp(mn, 0xE9, ops, instr.Span(), es, anonList, anonSeen, true) {
			return
		}
	default:
		if jccOpcode, ok := conditionalJumpOpcodes[mn]; ok {
			if e.encodeJcc(mn, jccOpcode, ops, instr.Span(), es, anonList, anonSeen) {
				return
			}
		}
	}

	e.errorf(instr.Span(), EncodeError, "unsupported instruction form %s %s", mn, describeOperands(ops))
}

func regOnly(ops []Operand, i int) (RegRef, bool) {
	if i >= len(ops) {
		return RegRef{}, false
	}
	r, ok := ops[i].(*RegOperand)
	if !ok {
		return RegRef{}, false
	}
	return r.Reg, true
}

func immOnly(op Operand) (int64, bool) {
	imm, ok := op.(*ImmOperand)
	if !ok {
		return 0, false
	}
	n, ok := asInt(imm.Value)
	return n, ok
}

// encodeMov handles the required mov forms: reg<-reg, reg<-imm (32 or
// 64 bit per §8's boundary behavior), reg<-mem, mem<-reg, and the
// rbp/rsp stack-frame aliases (which are just ordinary reg<-reg moves).
func (e *Encoder) encodeMov(ops []Operand, es *EncodedSection) bool {
	if len(ops) != 2 {
		return false
	}
	dstReg, dstIsReg := ops[0].(*RegOperand)
	switch src := ops[1].(type) {
	case *RegOperand:
		if !dstIsReg {
			return false
		}
		w := dstReg.Reg.Width == Width64
		es.Buf = append(es.Buf, rex(w, src.Reg.ID.isHighRegister(), false, dstReg.Reg.ID.isHighRegister()))
		es.Buf = append(es.Buf, 0x89, modrm(3, src.Reg.ID.lowCode(), dstReg.Reg.ID.lowCode()))
		return true
	case *ImmOperand:
		if !dstIsReg {
			return false
		}
		n, ok := asInt(src.Value)
		if !ok {
			// !addr(SYM) into a 64-bit register: 64-bit immediate form with an abs64 relocation.
			addr, isAddr := src.Value.(*AddrExpr)
			if !isAddr || dstReg.Reg.Width != Width64 {
				return false
			}
			es.Buf = append(es.Buf, rex(true, false, false, dstReg.Reg.ID.isHighRegister()), 0xB8+dstReg.Reg.ID.lowCode())
			es.Relocs = append(es.Relocs, Reloc{OffsetInSection: len(es.Buf), Kind: RelocAbs64, Target: addr.Name, FromSection: es.Kind})
			es.Buf = append(es.Buf, make([]byte, 8)...)
			return true
		}
		if dstReg.Reg.Width == Width64 && needsImm64(n) {
			es.Buf = append(es.Buf, rex(true, false, false, dstReg.Reg.ID.isHighRegister()))
			es.Buf = append(es.Buf, 0xB8+dstReg.Reg.ID.lowCode())
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(n))
			es.Buf = append(es.Buf, buf...)
			return true
		}
		if dstReg.Reg.Width == Width64 {
			// REX.W C7 /0 id: the sign-extended 32-bit immediate form.
			es.Buf = append(es.Buf, rex(true, false, false, dstReg.Reg.ID.isHighRegister()))
			es.Buf = append(es.Buf, 0xC7, modrm(3, 0, dstReg.Reg.ID.lowCode()))
		} else {
			if dstReg.Reg.ID.isHighRegister() {
				es.Buf = append(es.Buf, rex(false, false, false, true))
			}
			es.Buf = append(es.Buf, 0xB8+dstReg.Reg.ID.lowCode())
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(n))
		es.Buf = append(es.Buf, buf...)
		return true
	case *MemOperand:
		if !dstIsReg {
			return false
		}
		return e.encodeRegMem(0x8B, dstReg.Reg, src, es)
	}
	if memDst, ok := ops[0].(*MemOperand); ok {
		if srcReg, ok := ops[1].(*RegOperand); ok {
			return e.encodeRegMem(0x89, srcReg.Reg, memDst, es)
		}
	}
	return false
}

// needsImm64 reports whether n requires the 64-bit-immediate mov form:
// it does not fit as a sign-extended 32-bit value, which includes any
// positive value using the 33rd bit or beyond, per §8's boundary
// behavior.
func needsImm64(n int64) bool {
	return n > 0x7FFFFFFF || n < -0x80000000
}

func (e *Encoder) encodeLea(ops []Operand, es *EncodedSection) bool {
	if len(ops) != 2 {
		return false
	}
	dstReg, ok := ops[0].(*RegOperand)
	if !ok {
		return false
	}
	mem, ok := ops[1].(*MemOperand)
	if !ok {
		return false
	}
	return e.encodeRegMem(0x8D, dstReg.Reg, mem, es)
}

// encodeRegMem emits `opcode reg, [mem]` (or, for the 0x89-style store
// opcodes, `opcode [mem], reg` — the caller picks reg/rm roles via the
// ModR/M reg field, which is always the GPR operand) for every memory
// form this dialect supports: RIP-relative symbol, [reg], [reg+disp],
// and [base+index*scale+disp].
func (e *Encoder) encodeRegMem(opcode byte, reg RegRef, mem *MemOperand, es *EncodedSection) bool {
	w := reg.Width == Width64

	if mem.RipRelative {
		es.Buf = append(es.Buf, rex(w, reg.ID.isHighRegister(), false, false))
		es.Buf = append(es.Buf, opcode, modrm(0, reg.ID.lowCode(), 5))
		off := len(es.Buf)
		es.Buf = append(es.Buf, 0, 0, 0, 0)
		addend := int64(-4)
		if mem.Disp != nil {
			if d, ok := asInt(mem.Disp); ok {
				addend += d
			}
		}
		kind := RelocPC32
		if sym, ok := e.syms.LookupGlobal(mem.RipSymbol); ok && sym.Kind == SymImportedData {
			kind = RelocGOTPCREL
		}
		es.Relocs = append(es.Relocs, Reloc{OffsetInSection: off, Kind: kind, Target: mem.RipSymbol, Addend: addend, FromSection: es.Kind})
		return true
	}

	if mem.Base == nil {
		return false
	}
	base := *mem.Base
	hasDisp := mem.Disp != nil
	var dispVal int64
	if hasDisp {
		v, ok := asInt(mem.Disp)
		if !ok {
			return false
		}
		dispVal = v
	}

	needsSIB := mem.Index != nil || base.ID.lowCode() == 4 // rsp, r12
	mod := byte(0)
	if hasDisp {
		if dispVal >= -128 && dispVal <= 127 {
			mod = 1
		} else {
			mod = 2
		}
	} else if base.ID.lowCode() == 5 {
		mod = 1 // rbp/r13 with no displacement still need a disp8 of 0
		hasDisp = true
	}

	rm := base.ID.lowCode()
	if needsSIB {
		rm = 4
	}

	rexB := base.ID.isHighRegister()
	rexX := mem.Index != nil && mem.Index.ID.isHighRegister()
	es.Buf = append(es.Buf, rex(w, reg.ID.isHighRegister(), rexX, rexB))
	es.Buf = append(es.Buf, opcode, modrm(mod, reg.ID.lowCode(), rm))

	if needsSIB {
		scale := scaleEncoding(mem.Scale)
		indexCode := byte(4) // no index
		if mem.Index != nil {
			indexCode = mem.Index.ID.lowCode()
		}
		es.Buf = append(es.Buf, (scale<<6)|(indexCode<<3)|base.ID.lowCode())
	}

	if hasDisp {
		if mod == 1 {
			es.Buf = append(es.Buf, byte(int8(dispVal)))
		} else {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(int32(dispVal)))
			es.Buf = append(es.Buf, buf...)
		}
	}
	return true
}

func scaleEncoding(scale int) byte {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

// arithOpcodes maps add/sub/xor/cmp to their reg,reg and reg,imm32
// opcode pairs (ModR/M.reg selects the operation for the imm8-group-1
// opcode; here we always use the full imm32 form for simplicity).
var arithOpcodes = map[string]struct {
	regReg   byte
	immGroup byte // ModR/M.reg field for the 0x81 opcode
}{
	"add": {0x01, 0},
	"xor": {0x31, 6},
	"cmp": {0x39, 7},
	"sub": {0x29, 5},
}

func (e *Encoder) encodeArith(mn string, ops []Operand, es *EncodedSection) bool {
	info, ok := arithOpcodes[mn]
	if !ok || len(ops) != 2 {
		return false
	}
	dstReg, dstIsReg := ops[0].(*RegOperand)
	if !dstIsReg {
		return false
	}
	switch src := ops[1].(type) {
	case *RegOperand:
		w := dstReg.Reg.Width == Width64
		es.Buf = append(es.Buf, rex(w, src.Reg.ID.isHighRegister(), false, dstReg.Reg.ID.isHighRegister()))
		es.Buf = append(es.Buf, info.regReg, modrm(3, src.Reg.ID.lowCode(), dstReg.Reg.ID.lowCode()))
		return true
	case *ImmOperand:
		n, ok := asInt(src.Value)
		if !ok {
			return false
		}
		w := dstReg.Reg.Width == Width64
		if dstReg.Reg.ID.isHighRegister() || w {
			es.Buf = append(es.Buf, rex(w, false, false, dstReg.Reg.ID.isHighRegister()))
		}
		es.Buf = append(es.Buf, 0x81, modrm(3, info.immGroup, dstReg.Reg.ID.lowCode()))
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(int32(n)))
		es.Buf = append(es.Buf, buf...)
		return true
	}
	return false
}

// conditionalJumpOpcodes maps the supported conditional-jump mnemonics
// to their one-byte short-form (rel8) opcode; the long form is the same
// opcode with a 0x0F prefix and 0x10 added, per the x86-64 encoding.
var conditionalJumpOpcodes = map[string]byte{
	"jz": 0x74, "je": 0x74,
	"jnz": 0x75, "jne": 0x75,
	"jge": 0x7D,
	"jl":  0x7C,
	"jle": 0x7E,
	"jg":  0x7F,
}

func (e *Encoder) encodeCallOrJmp(mn string, longOpcode byte, ops []Operand, span Span, es *EncodedSection, anonList []*AnonBlock, anonSeen int, allowShort bool) bool {
	if len(ops) != 1 {
		return false
	}
	target, relocKind, anonTarget, ok := e.resolveBranchTarget(ops[0], anonList, anonSeen)
	if !ok {
		return false
	}

	if allowShort {
		if disp, ok := e.tryShortBackward(anonTarget, target, es); ok {
			es.Buf = append(es.Buf, 0xEB, byte(disp))
			return true
		}
	}

	es.Buf = append(es.Buf, longOpcode)
	patchOffset := len(es.Buf)
	es.Buf = append(es.Buf, 0, 0, 0, 0)
	instrEnd := len(es.Buf)
	e.recordBranchFixup(target, relocKind, anonTarget, patchOffset, instrEnd, es)
	return true
}

func (e *Encoder) encodeJcc(mn string, shortOpcode byte, ops []Operand, span Span, es *EncodedSection, anonList []*AnonBlock, anonSeen int) bool {
	if len(ops) != 1 {
		return false
	}
	target, relocKind, anonTarget, ok := e.resolveBranchTarget(ops[0], anonList, anonSeen)
	if !ok {
		return false
	}

	if disp, ok := e.tryShortBackward(anonTarget, target, es); ok {
		es.Buf = append(es.Buf, shortOpcode, byte(disp))
		return true
	}

	es.Buf = append(es.Buf, 0x0F, shortOpcode+0x10)
	patchOffset := len(es.Buf)
	es.Buf = append(es.Buf, 0, 0, 0, 0)
	instrEnd := len(es.Buf)
	e.recordBranchFixup(target, relocKind, anonTarget, patchOffset, instrEnd, es)
	return true
}

// resolveBranchTarget normalizes a call/jmp/jcc operand into either a
// named-symbol target or a resolved *AnonBlock target.
func (e *Encoder) resolveBranchTarget(op Operand, anonList []*AnonBlock, anonSeen int) (name string, relocKind RelocKind, anon *AnonBlock, ok bool) {
	switch t := op.(type) {
	case *SymOperand:
		return t.Name, RelocPC32, nil, true
	case *LabelRefOperand:
		ab, found := resolveAnonTarget(anonList, anonSeen, t.N, t.Forward)
		if !found {
			return "", RelocPC32, nil, false
		}
		return "", RelocPC32, ab, true
	default:
		return "", RelocPC32, nil, false
	}
}

// tryShortBackward computes a rel8 displacement for a backward branch
// whose target offset is already known (named same-section label
// already encoded, or an anonymous block already encoded), returning
// ok=false for any forward reference so the caller always falls back to
// the long form.
func (e *Encoder) tryShortBackward(anon *AnonBlock, name string, es *EncodedSection) (int8, bool) {
	var targetOffset int
	var known bool
	if anon != nil {
		targetOffset, known = e.anonOffset[anon]
	} else if name != "" {
		targetOffset, known = symOffsetIfLocal(e, name, es)
	}
	if !known {
		return 0, false
	}
	disp := targetOffset - (len(es.Buf) + 2)
	if disp < -128 || disp > 127 {
		return 0, false
	}
	return int8(disp), true
}

// symOffsetIfLocal answers "is name already defined in this same
// section, and if so at what offset" — the only case a backward branch
// can resolve without a relocation.
func symOffsetIfLocal(e *Encoder, name string, es *EncodedSection) (int, bool) {
	sym, ok := e.syms.LookupGlobal(name)
	if !ok || sym.Section != es.Kind || !e.symEncoded[sym] {
		return 0, false
	}
	return sym.Offset, true
}

func (e *Encoder) recordBranchFixup(name string, relocKind RelocKind, anon *AnonBlock, patchOffset, instrEnd int, es *EncodedSection) {
	if anon != nil {
		if offset, ok := e.anonOffset[anon]; ok {
			disp := int32(offset - instrEnd)
			binary.LittleEndian.PutUint32(es.Buf[patchOffset:], uint32(disp))
			return
		}
		e.anonFixups[anon] = append(e.anonFixups[anon], pendingFixup{patchOffset: patchOffset, instrEnd: instrEnd})
		return
	}
	if sym, ok := e.syms.LookupGlobal(name); ok && sym.Section == es.Kind && e.symEncoded[sym] && sym.Kind != SymImportedFunction && sym.Kind != SymImportedData {
		disp := int32(sym.Offset - instrEnd)
		binary.LittleEndian.PutUint32(es.Buf[patchOffset:], uint32(disp))
		return
	}
	e.namedFixups[name] = append(e.namedFixups[name], pendingFixup{patchOffset: patchOffset, instrEnd: instrEnd})
	_ = relocKind
}

func describeOperands(ops []Operand) string {
	s := "("
	for i, op := range ops {
		if i > 0 {
			s += ", "
		}
		switch op.(type) {
		case *RegOperand:
			s += "reg"
		case *ImmOperand:
			s += "imm"
		case *MemOperand:
			s += "mem"
		case *SymOperand:
			s += "sym"
		case *LabelRefOperand:
			s += "labelref"
		default:
			s += "?"
		}
	}
	return s + ")"
}

package assembler

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	elfHeaderSize        = 64
	elfSectionHeaderSize = 64
	elfSymSize           = 24
	elfRelaSize          = 24
)

// ObjectKind selects which ELF object type WriteObject produces.
type ObjectKind int

const (
	// ObjectRelocatable emits ET_REL: a section table, symbol table, and
	// relocation entries for anything the encoder could not resolve in
	// place, left for a linker to finish. This is the default output.
	ObjectRelocatable ObjectKind = iota
	// ObjectExecutable emits ET_EXEC: a single loadable segment at a fixed
	// base address, with every relocation resolved now. Selected by the
	// `--test` and `--exec` flags for binaries that run without a linker.
	ObjectExecutable
	// ObjectSharedObject emits ET_DYN for the `--pie` flag. Layout-wise it
	// is identical to ObjectExecutable; this module does not build a real
	// dynamic symbol table, GOT, or PLT.
	ObjectSharedObject
)

// standaloneBaseAddress is the fixed load address used for
// ObjectExecutable/ObjectSharedObject output, matching the single-RWX-
// segment convention used for standalone test binaries.
const standaloneBaseAddress = 0x400000

var sectionOrder = []SectionKind{
	SectionText, SectionTextTest, SectionData, SectionRodata,
	SectionBss, SectionTdata, SectionTbss,
}

// WriteObject assembles the final ELF64 byte stream from the sections an
// Encoder produced and the symbol table discovered during semantic
// analysis. For ObjectRelocatable it always succeeds (barring a short
// write); for ObjectExecutable/ObjectSharedObject it can fail if the
// unit has unresolved external relocations, since there is no PLT/GOT
// to satisfy them at a fixed load address.
func WriteObject(kind ObjectKind, sections map[SectionKind]*EncodedSection, order []SectionKind, syms *SymbolTable) ([]byte, []Diagnostic, error) {
	present := orderedPresentSections(order)
	if len(present) == 0 {
		return nil, nil, fmt.Errorf("no sections to emit")
	}
	switch kind {
	case ObjectRelocatable:
		return writeRelocatable(present, sections, syms)
	default:
		return writeStandalone(kind, present, sections, syms)
	}
}

// orderedPresentSections returns the section kinds actually produced, in
// the fixed layout order ELF conventionally expects, ignoring the
// encoder's first-seen order (which only reflects source order).
func orderedPresentSections(seen []SectionKind) []SectionKind {
	presentSet := map[SectionKind]bool{}
	for _, k := range seen {
		presentSet[k] = true
	}
	var out []SectionKind
	for _, k := range sectionOrder {
		if presentSet[k] {
			out = append(out, k)
		}
	}
	return out
}

func sectionFlags(kind SectionKind) uint64 {
	switch kind {
	case SectionText, SectionTextTest:
		return uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	case SectionBss, SectionData, SectionTdata, SectionTbss:
		if kind == SectionTdata || kind == SectionTbss {
			return uint64(elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS)
		}
		return uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	case SectionRodata:
		return uint64(elf.SHF_ALLOC)
	default:
		return uint64(elf.SHF_ALLOC)
	}
}

func sectionType(kind SectionKind) elf.SectionType {
	if kind == SectionBss || kind == SectionTbss {
		return elf.SHT_NOBITS
	}
	return elf.SHT_PROGBITS
}

// strtab accumulates null-terminated names and returns each name's byte
// offset, matching the conventional ELF string table layout (byte 0 is
// always the empty string).
type strtab struct {
	buf     []byte
	offsets map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{buf: []byte{0}, offsets: map[string]uint32{"": 0}}
}

func (s *strtab) add(name string) uint32 {
	if off, ok := s.offsets[name]; ok {
		return off
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, []byte(name)...)
	s.buf = append(s.buf, 0)
	s.offsets[name] = off
	return off
}

func align(n, to int) int {
	if n%to == 0 {
		return n
	}
	return n + (to - n%to)
}

// writeRelocatable builds an ET_REL object: null section, one section
// per present SectionKind in layout order, one .rela.X section per
// section that still carries relocations, then .symtab/.strtab/.shstrtab.
func writeRelocatable(present []SectionKind, sections map[SectionKind]*EncodedSection, syms *SymbolTable) ([]byte, []Diagnostic, error) {
	type secOut struct {
		name      string
		kind      SectionKind
		shType    elf.SectionType
		flags     uint64
		data      []byte
		size      int
		relocOf   SectionKind
		isRela    bool
		addralign uint64
	}

	var secs []secOut
	secs = append(secs, secOut{name: "", shType: elf.SHT_NULL})

	shstrtab := newStrtab()
	strs := newStrtab()

	nameOf := func(k SectionKind) string { return k.String() }

	secIndex := map[SectionKind]int{}
	for _, k := range present {
		es := sections[k]
		secIndex[k] = len(secs)
		secs = append(secs, secOut{
			name:      nameOf(k),
			kind:      k,
			shType:    sectionType(k),
			flags:     sectionFlags(k),
			data:      es.Buf,
			size:      es.Size,
			addralign: 16,
		})
	}

	localSyms := []*Symbol{}
	globalSyms := []*Symbol{}
	for _, sym := range syms.AllSymbols() {
		if sym.Kind == SymImportedData || sym.Kind == SymImportedFunction || sym.Exported {
			globalSyms = append(globalSyms, sym)
		} else {
			localSyms = append(localSyms, sym)
		}
	}
	sort.Slice(localSyms, func(i, j int) bool { return localSyms[i].Name < localSyms[j].Name })
	sort.Slice(globalSyms, func(i, j int) bool { return globalSyms[i].Name < globalSyms[j].Name })

	allSyms := append(append([]*Symbol{nil}, localSyms...), globalSyms...) // index 0 is the null symbol
	symIndex := map[string]int{}
	for i, sym := range allSyms {
		if sym != nil {
			symIndex[sym.Name] = i
		}
	}

	for _, k := range present {
		es := sections[k]
		if len(es.Relocs) == 0 {
			continue
		}
		relaName := ".rela" + nameOf(k)
		var relaData []byte
		for _, r := range es.Relocs {
			symIdx, ok := symIndex[r.Target]
			if !ok {
				symIdx = 0
			}
			entry := make([]byte, elfRelaSize)
			binary.LittleEndian.PutUint64(entry[0:], uint64(r.OffsetInSection))
			binary.LittleEndian.PutUint64(entry[8:], relocInfo(uint32(symIdx), relocTypeCode(r.Kind)))
			binary.LittleEndian.PutUint64(entry[16:], uint64(r.Addend))
			relaData = append(relaData, entry...)
		}
		secs = append(secs, secOut{
			name:      relaName,
			shType:    elf.SHT_RELA,
			flags:     uint64(elf.SHF_INFO_LINK),
			data:      relaData,
			size:      len(relaData),
			relocOf:   k,
			isRela:    true,
			addralign: 8,
		})
	}

	var symtabData []byte
	for i, sym := range allSyms {
		if i == 0 {
			symtabData = append(symtabData, make([]byte, elfSymSize)...)
			continue
		}
		symtabData = append(symtabData, buildSymEntry(sym, strs, secIndex)...)
	}
	symtabIndex := len(secs)
	secs = append(secs, secOut{name: ".symtab", shType: elf.SHT_SYMTAB, data: symtabData, size: len(symtabData), addralign: 8})
	strtabIndex := len(secs)
	secs = append(secs, secOut{name: ".strtab", shType: elf.SHT_STRTAB, data: strs.buf, size: len(strs.buf), addralign: 1})

	for i := range secs {
		if secs[i].name != "" {
			shstrtab.add(secs[i].name)
		}
	}
	shstrtab.add(".shstrtab") // its own name must be in the data captured below
	shstrtabIndex := len(secs)
	secs = append(secs, secOut{name: ".shstrtab", shType: elf.SHT_STRTAB, data: shstrtab.buf, size: len(shstrtab.buf), addralign: 1})

	offset := elfHeaderSize
	fileOffsets := make([]int, len(secs))
	for i, s := range secs {
		if s.shType == elf.SHT_NULL || s.shType == elf.SHT_NOBITS {
			fileOffsets[i] = offset
			continue
		}
		al := int(s.addralign)
		if al < 1 {
			al = 1
		}
		offset = align(offset, al)
		fileOffsets[i] = offset
		offset += len(s.data)
	}
	shoff := align(offset, 8)

	out := make([]byte, shoff+len(secs)*elfSectionHeaderSize)
	writeELFHeader(out, elf.ET_REL, 0, uint64(shoff), uint16(len(secs)), uint16(shstrtabIndex))

	for i, s := range secs {
		if s.shType != elf.SHT_NULL && s.shType != elf.SHT_NOBITS {
			copy(out[fileOffsets[i]:], s.data)
		}
	}

	for i, s := range secs {
		hdr := out[shoff+i*elfSectionHeaderSize : shoff+(i+1)*elfSectionHeaderSize]
		nameOff := uint32(0)
		if s.name != "" {
			nameOff = shstrtab.add(s.name)
		}
		binary.LittleEndian.PutUint32(hdr[0:], nameOff)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(s.shType))
		binary.LittleEndian.PutUint64(hdr[8:], s.flags)
		binary.LittleEndian.PutUint64(hdr[16:], 0) // sh_addr: unlinked
		binary.LittleEndian.PutUint64(hdr[24:], uint64(fileOffsets[i]))
		size := len(s.data)
		if s.shType == elf.SHT_NOBITS {
			size = s.size
		}
		binary.LittleEndian.PutUint64(hdr[32:], uint64(size))

		link := uint32(0)
		info := uint32(0)
		entsize := uint64(0)
		switch s.shType {
		case elf.SHT_SYMTAB:
			link = uint32(strtabIndex)
			info = uint32(len(localSyms) + 1)
			entsize = elfSymSize
		case elf.SHT_RELA:
			link = uint32(symtabIndex)
			info = uint32(secIndex[s.relocOf])
			entsize = elfRelaSize
		}
		binary.LittleEndian.PutUint32(hdr[40:], link)
		binary.LittleEndian.PutUint32(hdr[44:], info)
		binary.LittleEndian.PutUint64(hdr[48:], s.addralign)
		binary.LittleEndian.PutUint64(hdr[56:], entsize)
	}

	return out, nil, nil
}

func buildSymEntry(sym *Symbol, strs *strtab, secIndex map[SectionKind]int) []byte {
	entry := make([]byte, elfSymSize)
	nameOff := strs.add(sym.Name)
	binary.LittleEndian.PutUint32(entry[0:], nameOff)

	bind := byte(elf.STB_LOCAL)
	if sym.Exported || sym.Kind == SymImportedData || sym.Kind == SymImportedFunction {
		bind = byte(elf.STB_GLOBAL)
	}
	typ := byte(elf.STT_OBJECT)
	if sym.Kind == SymFunction || sym.Kind == SymImportedFunction {
		typ = byte(elf.STT_FUNC)
	}
	entry[4] = (bind << 4) | (typ & 0xf)

	shndx := uint16(elf.SHN_UNDEF)
	if sym.Kind != SymImportedData && sym.Kind != SymImportedFunction {
		if idx, ok := secIndex[sym.Section]; ok {
			shndx = uint16(idx)
		}
	}
	binary.LittleEndian.PutUint16(entry[6:], shndx)
	binary.LittleEndian.PutUint64(entry[8:], uint64(sym.Offset))
	binary.LittleEndian.PutUint64(entry[16:], uint64(sym.Size))
	return entry
}

func relocInfo(symIdx uint32, relocType uint32) uint64 {
	return (uint64(symIdx) << 32) | uint64(relocType)
}

func relocTypeCode(k RelocKind) uint32 {
	switch k {
	case RelocPC32:
		return uint32(elf.R_X86_64_PC32)
	case RelocPLT32:
		return uint32(elf.R_X86_64_PLT32)
	case RelocGOTPCREL:
		return uint32(elf.R_X86_64_GOTPCREL)
	case RelocAbs32:
		return uint32(elf.R_X86_64_32)
	case RelocAbs64:
		return uint32(elf.R_X86_64_64)
	default:
		return uint32(elf.R_X86_64_NONE)
	}
}

func writeELFHeader(buf []byte, objType elf.Type, entry uint64, shoff uint64, shnum, shstrndx uint16) {
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:], uint16(objType))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], 0) // program header offset
	binary.LittleEndian.PutUint64(buf[40:], shoff)
	binary.LittleEndian.PutUint32(buf[48:], 0)
	binary.LittleEndian.PutUint16(buf[52:], uint16(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[54:], 0) // program header entry size
	binary.LittleEndian.PutUint16(buf[56:], 0) // program header count
	binary.LittleEndian.PutUint16(buf[58:], uint16(elfSectionHeaderSize))
	binary.LittleEndian.PutUint16(buf[60:], shnum)
	binary.LittleEndian.PutUint16(buf[62:], shstrndx)
}

// writeStandalone lays every PROGBITS section out contiguously starting
// at standaloneBaseAddress in a single RWX segment (mirroring the
// fixed-base, single-segment convention used for test-fixture
// binaries), patches every relocation in place, and fails if any
// relocation still targets an imported symbol, since a standalone image
// has no PLT or GOT to satisfy it.
func writeStandalone(kind ObjectKind, present []SectionKind, sections map[SectionKind]*EncodedSection, syms *SymbolTable) ([]byte, []Diagnostic, error) {
	const progHeaderSize = 56
	headerLimit := elfHeaderSize + progHeaderSize

	addrOf := map[SectionKind]uint64{}
	addr := uint64(standaloneBaseAddress) + uint64(headerLimit)
	fileSize := 0
	var order []SectionKind
	for _, k := range present {
		if k == SectionBss || k == SectionTbss {
			continue
		}
		order = append(order, k)
		addrOf[k] = addr
		es := sections[k]
		addr += uint64(len(es.Buf))
		fileSize += len(es.Buf)
	}
	bssStart := addr
	bssSize := uint64(0)
	for _, k := range present {
		if k == SectionBss || k == SectionTbss {
			addrOf[k] = addr
			addr += uint64(sections[k].Size)
			bssSize += uint64(sections[k].Size)
		}
	}
	_ = bssStart

	entrySym, hasEntry := syms.LookupGlobal("main")
	entry := addrOf[SectionText]
	if hasEntry && entrySym.Section == SectionText {
		entry = addrOf[SectionText] + uint64(entrySym.Offset)
	}

	var diags []Diagnostic
	buf := make([]byte, headerLimit)
	for _, k := range order {
		es := sections[k]
		data := make([]byte, len(es.Buf))
		copy(data, es.Buf)
		for _, r := range es.Relocs {
			targetSym, ok := syms.LookupGlobal(r.Target)
			if !ok || targetSym.Kind == SymImportedData || targetSym.Kind == SymImportedFunction {
				diags = append(diags, Diagnostic{Kind: LayoutError, Message: fmt.Sprintf("cannot produce a standalone executable: %q is an unresolved import", r.Target)})
				continue
			}
			targetAddr := addrOf[targetSym.Section] + uint64(targetSym.Offset)
			patchStandaloneReloc(data, r, targetAddr, addrOf[k])
		}
		buf = append(buf, data...)
	}

	if len(diags) > 0 {
		return nil, diags, fmt.Errorf("standalone executable has unresolved imports")
	}

	objType := elf.ET_EXEC
	if kind == ObjectSharedObject {
		objType = elf.ET_DYN
	}
	writeELFHeader(buf[:elfHeaderSize], objType, entry, 0, 0, 0)
	writeProgramHeader(buf[elfHeaderSize:headerLimit], uint64(headerLimit), uint64(fileSize)+uint64(headerLimit), bssSize)

	// e_phoff/e_phnum describe the single PT_LOAD segment; patched here
	// rather than in writeELFHeader since that helper is shared with the
	// relocatable (no-program-header) path.
	binary.LittleEndian.PutUint64(buf[32:], elfHeaderSize)
	binary.LittleEndian.PutUint16(buf[54:], progHeaderSize)
	binary.LittleEndian.PutUint16(buf[56:], 1)

	return buf, nil, nil
}

func patchStandaloneReloc(data []byte, r Reloc, targetAddr, sectionAddr uint64) {
	switch r.Kind {
	case RelocPC32, RelocPLT32, RelocGOTPCREL:
		pcAddr := sectionAddr + uint64(r.OffsetInSection) + 4
		disp := int64(targetAddr) - int64(pcAddr) + r.Addend
		binary.LittleEndian.PutUint32(data[r.OffsetInSection:], uint32(int32(disp)))
	case RelocAbs32:
		binary.LittleEndian.PutUint32(data[r.OffsetInSection:], uint32(targetAddr)+uint32(r.Addend))
	case RelocAbs64:
		binary.LittleEndian.PutUint64(data[r.OffsetInSection:], targetAddr+uint64(r.Addend))
	}
}

func writeProgramHeader(buf []byte, fileOffset, fileSize, bssSize uint64) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	binary.LittleEndian.PutUint64(buf[8:], 0) // p_offset: segment starts at file offset 0
	binary.LittleEndian.PutUint64(buf[16:], standaloneBaseAddress)
	binary.LittleEndian.PutUint64(buf[24:], standaloneBaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], fileSize)
	binary.LittleEndian.PutUint64(buf[40:], fileSize+bssSize)
	binary.LittleEndian.PutUint64(buf[48:], 0x1000)
}

package assembler

import "fmt"

// SymKind distinguishes what a Symbol denotes.
type SymKind int

const (
	SymData SymKind = iota
	SymFunction
	SymImportedData
	SymImportedFunction
)

// Symbol is one named entity discovered during semantic pass A. The
// encoder sets Offset. Size is the byte length of the data or
// reservations that follow a label in its own body; it stays 0 for
// labels in the text sections.
type Symbol struct {
	Name     string
	Kind     SymKind
	Section  SectionKind
	Exported bool
	Offset   int
	Size     int
	DefSpan  Span
}

// scopeNode is one entry in the symbol table's scope arena. Scopes form
// a tree addressed by parent index rather than back-pointers, so the
// arena can be built append-only during the single parser/sema walk and
// copied or inspected without worrying about pointer aliasing.
type scopeNode struct {
	parent  int // index into SymbolTable.scopes, or -1 for the root
	symbols map[string]*Symbol
}

// SymbolTable holds every named symbol discovered in one Unit (anonymous
// blocks are not entered here), organized as an arena of scope nodes linked by parent index.
type SymbolTable struct {
	scopes []scopeNode

	// byName is a flat name -> Symbol index used by the encoder to
	// resolve call/jmp/lea targets and relocation symbols, which refer
	// to a function or data name without carrying the lexical scope the
	// reference appeared in. Labels nested in distinct sibling blocks
	// that happen to share a name are not distinguished by this index;
	// name collisions there are expected to be rare in practice and are
	// resolved in declaration order (last one wins).
	byName map[string]*Symbol
}

// NewSymbolTable creates a table with a single root scope (index 0).
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		scopes: []scopeNode{{parent: -1, symbols: map[string]*Symbol{}}},
		byName: map[string]*Symbol{},
	}
}

// RootScope returns the index of the file-level root scope.
func (t *SymbolTable) RootScope() int { return 0 }

// PushScope creates a new scope nested under parent and returns its
// index.
func (t *SymbolTable) PushScope(parent int) int {
	t.scopes = append(t.scopes, scopeNode{parent: parent, symbols: map[string]*Symbol{}})
	return len(t.scopes) - 1
}

// Declare adds sym to scope, returning an error if a symbol with the
// same name is already declared directly in that scope (shadowing
// across nested scopes is permitted; redeclaration within one scope is
// not).
func (t *SymbolTable) Declare(scope int, sym *Symbol) error {
	s := &t.scopes[scope]
	if existing, ok := s.symbols[sym.Name]; ok {
		return fmt.Errorf("symbol %q already declared at %s", sym.Name, existing.DefSpan)
	}
	s.symbols[sym.Name] = sym
	t.byName[sym.Name] = sym
	return nil
}

// LookupGlobal resolves a name against the flat cross-scope index,
// independent of lexical scope. Used by the encoder for call/jmp/lea
// targets and relocation symbols.
func (t *SymbolTable) LookupGlobal(name string) (*Symbol, bool) {
	sym, ok := t.byName[name]
	return sym, ok
}

// AllSymbols returns every declared symbol, in no particular order, for
// the ELF writer's symbol-table emission.
func (t *SymbolTable) AllSymbols() []*Symbol {
	out := make([]*Symbol, 0, len(t.byName))
	for _, sym := range t.byName {
		out = append(out, sym)
	}
	return out
}

// Lookup searches scope and its ancestors (via parent index, not scope
// order) for name, returning the nearest enclosing declaration.
func (t *SymbolTable) Lookup(scope int, name string) (*Symbol, bool) {
	for idx := scope; idx != -1; idx = t.scopes[idx].parent {
		if sym, ok := t.scopes[idx].symbols[name]; ok {
			return sym, true
		}
	}
	return nil, false
}


package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexOk(t *testing.T, src string) []Token {
	t.Helper()
	toks, errs := NewLexer("t.anns", src).Lex()
	require.Empty(t, errs)
	return toks
}

func TestLexerIdentsAndKeywords(t *testing.T) {
	toks := lexOk(t, "mov eax section .text")
	require.Len(t, toks, 6) // trailing TEOF
	assert.Equal(t, TIdent, toks[0].Kind)
	assert.Equal(t, "mov", toks[0].Lexeme)
	assert.Equal(t, TRegister, toks[1].Kind)
	assert.Equal(t, TDirective, toks[2].Kind)
	assert.Equal(t, TPunct, toks[3].Kind)
	assert.Equal(t, ".", toks[3].Lexeme)
	assert.Equal(t, TIdent, toks[4].Kind)
	assert.Equal(t, "text", toks[4].Lexeme)
	assert.Equal(t, TEOF, toks[5].Kind)
}

func TestLexerMacroIdent(t *testing.T) {
	toks := lexOk(t, "!pstr \"hi\"")
	require.GreaterOrEqual(t, len(toks), 2)
	assert.Equal(t, TMacroIdent, toks[0].Kind)
	assert.Equal(t, "!pstr", toks[0].Lexeme)
}

func TestLexerIntegerLiterals(t *testing.T) {
	cases := []struct {
		src  string
		want int64
		base IntBase
	}{
		{"1234", 1234, Base10},
		{"1_000_000", 1000000, Base10},
		{"0xFF", 0xFF, Base16},
		{"0xDEAD_BEEF", 0xDEADBEEF, Base16},
		{"0b1010_1010", 0xAA, Base2},
	}
	for _, c := range cases {
		toks := lexOk(t, c.src)
		require.Equal(t, TInt, toks[0].Kind, "source %q", c.src)
		assert.Equal(t, c.want, toks[0].IntValue, "source %q", c.src)
		assert.Equal(t, c.base, toks[0].IntBase, "source %q", c.src)
	}
}

func TestLexerCharLiteralFoldsToInt(t *testing.T) {
	toks := lexOk(t, "'A' '\\n'")
	require.Len(t, toks, 3)
	assert.Equal(t, TInt, toks[0].Kind)
	assert.Equal(t, int64('A'), toks[0].IntValue)
	assert.Equal(t, TInt, toks[1].Kind)
	assert.Equal(t, int64('\n'), toks[1].IntValue)
}

func TestLexerStringEscapes(t *testing.T) {
	toks := lexOk(t, `"line\n\ttab\\\"quote\0end"`)
	require.Equal(t, TString, toks[0].Kind)
	assert.Equal(t, "line\n\ttab\\\"quote\x00end", toks[0].StringValue)
}

func TestLexerUnterminatedStringIsLexError(t *testing.T) {
	_, errs := NewLexer("t.anns", `"oops`).Lex()
	require.NotEmpty(t, errs)
}

func TestLexerAnonMark(t *testing.T) {
	toks := lexOk(t, "_: { ret }")
	require.Equal(t, TAnonMark, toks[0].Kind)
	assert.Equal(t, "_", toks[0].Lexeme)
}

func TestLexerUnderscorePrefixedNameIsIdent(t *testing.T) {
	toks := lexOk(t, "_foo")
	require.Equal(t, TIdent, toks[0].Kind)
	assert.Equal(t, "_foo", toks[0].Lexeme)
}

func TestLexerRelativePositionLabels(t *testing.T) {
	toks := lexOk(t, "jmp 1f; jmp 2b")
	var relToks []Token
	for _, tok := range toks {
		if tok.Kind == TRelPos {
			relToks = append(relToks, tok)
		}
	}
	require.Len(t, relToks, 2)
	assert.Equal(t, 1, relToks[0].RelPosN)
	assert.True(t, relToks[0].RelPosIsForward)
	assert.Equal(t, 2, relToks[1].RelPosN)
	assert.False(t, relToks[1].RelPosIsForward)
}

func TestLexerRelativePositionDoesNotSwallowLongerIdent(t *testing.T) {
	toks := lexOk(t, "1format")
	// "1" followed by an identifier char ('o', 'r', 'm', 'a', 't') after
	// the 'f' is not a relative-position reference; the lexer does not
	// special-case this and simply falls through to an integer "1"
	// followed by an identifier "format".
	require.GreaterOrEqual(t, len(toks), 2)
	assert.Equal(t, TInt, toks[0].Kind)
	assert.Equal(t, TIdent, toks[1].Kind)
	assert.Equal(t, "format", toks[1].Lexeme)
}

func TestLexerStatementTerminators(t *testing.T) {
	toks := lexOk(t, "ret\nret;ret")
	var kinds []TokenKind
	for _, tok := range toks {
		kinds = append(kinds, tok.Kind)
	}
	// ret NEWLINE ret ; ret EOF
	require.Len(t, toks, 6)
	assert.Equal(t, TPunct, toks[1].Kind)
	assert.Equal(t, "\n", toks[1].Lexeme)
	assert.Equal(t, TPunct, toks[3].Kind)
	assert.Equal(t, ";", toks[3].Lexeme)
}

func TestLexerLineComment(t *testing.T) {
	toks := lexOk(t, "mov eax, 1 ;; this is a comment\nret")
	var idents []string
	for _, tok := range toks {
		if tok.Kind == TIdent {
			idents = append(idents, tok.Lexeme)
		}
	}
	assert.Equal(t, []string{"mov", "ret"}, idents)
}

func TestLexerUnexpectedCharacterIsRecoverable(t *testing.T) {
	toks, errs := NewLexer("t.anns", "mov eax, 1 @ ret").Lex()
	require.NotEmpty(t, errs)
	// lexing continues past the bad byte and still produces the
	// surrounding tokens, including the final EOF.
	assert.Equal(t, TEOF, toks[len(toks)-1].Kind)
	var idents []string
	for _, tok := range toks {
		if tok.Kind == TIdent {
			idents = append(idents, tok.Lexeme)
		}
	}
	assert.Equal(t, []string{"mov", "ret"}, idents)
}

func TestLexerRegisterNamesCaseInsensitive(t *testing.T) {
	toks := lexOk(t, "RAX Rdi rSI")
	for _, tok := range toks[:3] {
		assert.Equal(t, TRegister, tok.Kind)
	}
}

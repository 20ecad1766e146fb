package fts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize_BareTerms(t *testing.T) {
	tokens := Tokenize("hello world")
	require.Len(t, tokens, 2)
	assert.Equal(t, Token{Kind: TokenTerm, Text: "hello"}, tokens[0])
	assert.Equal(t, Token{Kind: TokenTerm, Text: "world"}, tokens[1])
}

func TestTokenize_Phrase(t *testing.T) {
	tokens := Tokenize(`"exact phrase" extra`)
	require.Len(t, tokens, 2)
	assert.Equal(t, Token{Kind: TokenPhrase, Text: "exact phrase"}, tokens[0])
	assert.Equal(t, Token{Kind: TokenTerm, Text: "extra"}, tokens[1])
}

func TestTokenize_DoubledQuoteUnescapes(t *testing.T) {
	tokens := Tokenize(`"say ""hi"" now"`)
	require.Len(t, tokens, 1)
	assert.Equal(t, `say "hi" now`, tokens[0].Text)
}

func TestTokenize_UnclosedQuote(t *testing.T) {
	tokens := Tokenize(`"runs to the end`)
	require.Len(t, tokens, 1)
	assert.Equal(t, TokenPhrase, tokens[0].Kind)
	assert.Equal(t, "runs to the end", tokens[0].Text)
}

func TestTokenize_Negation(t *testing.T) {
	tokens := Tokenize(`-draft -"work in progress"`)
	require.Len(t, tokens, 2)
	assert.True(t, tokens[0].Negated)
	assert.Equal(t, "draft", tokens[0].Text)
	assert.True(t, tokens[1].Negated)
	assert.Equal(t, TokenPhrase, tokens[1].Kind)
}

func TestTokenize_LoneHyphen(t *testing.T) {
	tokens := Tokenize("a - b")
	require.Len(t, tokens, 3)
	assert.Equal(t, Token{Kind: TokenTerm, Text: "-"}, tokens[1])
}

func TestTokenize_OR(t *testing.T) {
	tokens := Tokenize("cats or dogs")
	require.Len(t, tokens, 3)
	assert.Equal(t, TokenOR, tokens[1].Kind)

	// A negated OR is a literal term, not the operator.
	tokens = Tokenize("-or")
	require.Len(t, tokens, 1)
	assert.Equal(t, TokenTerm, tokens[0].Kind)
	assert.True(t, tokens[0].Negated)
}

func TestTokenize_MixedWhitespace(t *testing.T) {
	tokens := Tokenize("alpha\tbeta\ngamma delta")
	require.Len(t, tokens, 4)
	for i, want := range []string{"alpha", "beta", "gamma", "delta"} {
		assert.Equal(t, Token{Kind: TokenTerm, Text: want}, tokens[i])
	}

	// Whitespace ends a term even before a hyphen.
	tokens = Tokenize("left\t-right")
	require.Len(t, tokens, 2)
	assert.Equal(t, "left", tokens[0].Text)
	assert.True(t, tokens[1].Negated)
	assert.Equal(t, "right", tokens[1].Text)
}

func TestTokenize_Empty(t *testing.T) {
	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize("   "))
	assert.Empty(t, Tokenize(" \t\n "))
}

func TestConvertToFTS5Query_DefaultMode(t *testing.T) {
	assert.Equal(t, "hello AND world", ConvertToFTS5Query("hello world", false))

	// Markup is flattened: phrases split into words, OR and negation dropped.
	assert.Equal(t, "exact AND phrase AND extra", ConvertToFTS5Query(`"exact phrase" extra`, false))
	assert.Equal(t, "cats AND dogs", ConvertToFTS5Query("cats OR dogs", false))
	assert.Equal(t, "draft", ConvertToFTS5Query("-draft", false))
}

func TestConvertToFTS5Query_WebMode(t *testing.T) {
	assert.Equal(t, "cats OR dogs", ConvertToFTS5Query("cats OR dogs", true))
	assert.Equal(t, `"exact phrase" extra`, ConvertToFTS5Query(`"exact phrase" extra`, true))
	assert.Equal(t, "report NOT draft", ConvertToFTS5Query("report -draft", true))
	assert.Equal(t, `NOT "work in progress"`, ConvertToFTS5Query(`-"work in progress"`, true))
}

func TestConvertToFTS5Query_QuotesMetaChars(t *testing.T) {
	assert.Equal(t, `"foo:bar"`, ConvertToFTS5Query("foo:bar", true))
	assert.Equal(t, `"pkg/store*"`, ConvertToFTS5Query("pkg/store*", true))
	assert.Equal(t, "plain", ConvertToFTS5Query("plain", true))
}

func TestValidateFTS5Query(t *testing.T) {
	assert.NoError(t, ValidateFTS5Query(`"phrase" AND term`))
	assert.NoError(t, ValidateFTS5Query("a OR b"))

	assert.Error(t, ValidateFTS5Query(`"unbalanced`))
	assert.Error(t, ValidateFTS5Query("term NOT"))
	assert.Error(t, ValidateFTS5Query("OR term"))
	assert.Error(t, ValidateFTS5Query("term OR"))
	assert.Error(t, ValidateFTS5Query("a OR OR b"))
}

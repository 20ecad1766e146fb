// Package fts converts Google-style user queries into engine full-text
// queries. The tokenizer understands quoted phrases, OR disjunction, and
// leading-hyphen negation; conversion targets the FTS5 MATCH syntax used by
// the SQLite-family backends. Operator precedence is left to the engine.
package fts

import (
	"errors"
	"strings"
	"unicode"
)

// TokenKind discriminates parsed query tokens.
type TokenKind int

const (
	// TokenTerm is a bare word.
	TokenTerm TokenKind = iota
	// TokenPhrase is a double-quoted span.
	TokenPhrase
	// TokenOR is the standalone disjunction operator.
	TokenOR
)

// Token is one parsed element of a user query.
type Token struct {
	Kind    TokenKind
	Text    string
	Negated bool
}

// Tokenize splits a user query into terms, phrases, and OR operators.
// Doubled quotes inside a phrase unescape to a literal quote; an unclosed
// quote consumes to end of input; a lone hyphen with no following content is
// itself a literal term.
func Tokenize(query string) []Token {
	var tokens []Token
	runes := []rune(query)
	i := 0
	for i < len(runes) {
		// Skip whitespace.
		for i < len(runes) && isSpace(runes[i]) {
			i++
		}
		if i >= len(runes) {
			break
		}

		negated := false
		if runes[i] == '-' {
			if i+1 >= len(runes) || isSpace(runes[i+1]) {
				// Lone hyphen: literal term.
				tokens = append(tokens, Token{Kind: TokenTerm, Text: "-"})
				i++
				continue
			}
			negated = true
			i++
		}

		if runes[i] == '"' {
			text, next := scanPhrase(runes, i+1)
			tokens = append(tokens, Token{Kind: TokenPhrase, Text: text, Negated: negated})
			i = next
			continue
		}

		start := i
		for i < len(runes) && !isSpace(runes[i]) {
			i++
		}
		word := string(runes[start:i])
		if !negated && strings.EqualFold(word, "OR") {
			tokens = append(tokens, Token{Kind: TokenOR, Text: "OR"})
			continue
		}
		tokens = append(tokens, Token{Kind: TokenTerm, Text: word, Negated: negated})
	}
	return tokens
}

func isSpace(r rune) bool {
	return unicode.IsSpace(r)
}

// scanPhrase consumes a quoted span starting just after the opening quote.
// Returns the unescaped text and the index after the closing quote.
func scanPhrase(runes []rune, start int) (string, int) {
	var b strings.Builder
	i := start
	for i < len(runes) {
		if runes[i] == '"' {
			if i+1 < len(runes) && runes[i+1] == '"' {
				b.WriteRune('"')
				i += 2
				continue
			}
			return b.String(), i + 1
		}
		b.WriteRune(runes[i])
		i++
	}
	// Unclosed quote: consume to end of input.
	return b.String(), i
}

// fts5MetaChars are characters FTS5 treats as syntax; terms containing any of
// them are quoted so they match literally.
const fts5MetaChars = `*+:(){}[]`

// ConvertToFTS5Query renders a user query as an FTS5 MATCH expression.
//
// In default mode every term is joined by AND and phrase/OR/negation markup
// is ignored entirely. In web-search mode OR is preserved, negation becomes
// NOT, phrases are quoted verbatim, and terms containing FTS5 metacharacters
// are quoted so they are treated literally.
func ConvertToFTS5Query(query string, useWebSearchSyntax bool) string {
	tokens := Tokenize(query)
	if !useWebSearchSyntax {
		var words []string
		for _, tok := range tokens {
			if tok.Kind == TokenOR {
				continue
			}
			words = append(words, strings.Fields(tok.Text)...)
		}
		return strings.Join(words, " AND ")
	}

	var parts []string
	for _, tok := range tokens {
		switch tok.Kind {
		case TokenOR:
			parts = append(parts, "OR")
		case TokenPhrase:
			parts = append(parts, prefixNot(tok.Negated, quote(tok.Text)))
		default:
			rendered := tok.Text
			if strings.ContainsAny(rendered, fts5MetaChars) {
				rendered = quote(rendered)
			}
			parts = append(parts, prefixNot(tok.Negated, rendered))
		}
	}
	return strings.Join(parts, " ")
}

func prefixNot(negated bool, s string) string {
	if negated {
		return "NOT " + s
	}
	return s
}

// quote wraps s in double quotes, escaping embedded quotes FTS5-style.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ValidateFTS5Query flags queries the engine would reject: unbalanced
// quotes, a trailing bare NOT, or an OR missing an operand on either side.
// Returns nil when the query is valid.
func ValidateFTS5Query(query string) error {
	if strings.Count(query, `"`)%2 != 0 {
		return errors.New("unbalanced quotes in query")
	}

	fields := strings.Fields(query)
	if len(fields) > 0 && fields[len(fields)-1] == "NOT" {
		return errors.New("NOT operator is missing an operand")
	}
	for i, f := range fields {
		if !strings.EqualFold(f, "OR") {
			continue
		}
		if i == 0 || i == len(fields)-1 {
			return errors.New("OR operator is missing an operand")
		}
		if strings.EqualFold(fields[i-1], "OR") {
			return errors.New("OR operator is missing an operand")
		}
	}
	return nil
}

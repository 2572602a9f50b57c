// Package sqlguard classifies candidate queries as safe-to-run or
// blocked. It tokenizes the full statement rather than substring
// matching, so comments, string literals, and quoting tricks cannot
// hide a second statement or a mutating verb.
package sqlguard

import (
	"strings"
)

// TokenKind identifies a lexical class.
type TokenKind int

const (
	TokenWord        TokenKind = iota // keyword or identifier
	TokenNumber                       // numeric literal
	TokenString                       // quoted string literal, quotes included
	TokenQuotedIdent                  // "ident" or `ident`, quotes included
	TokenComment                      // -- line, # line, or /* block */
	TokenTerminator                   // ;
	TokenPunct                        // any other single character
)

// Token is one lexical unit of a candidate query. Start and End are
// byte offsets into the original text.
type Token struct {
	Kind  TokenKind
	Text  string
	Lower string // lowercased Text for keyword comparison
	Start int
	End   int
}

// Tokenize scans a query into a flat token stream. ok is false when the
// input contains an unterminated string, quoted identifier, or block
// comment; callers must treat that as malformed and fail closed.
func Tokenize(input string) (tokens []Token, ok bool) {
	ok = true
	i := 0
	n := len(input)

	emit := func(kind TokenKind, start, end int) {
		text := input[start:end]
		tokens = append(tokens, Token{
			Kind:  kind,
			Text:  text,
			Lower: strings.ToLower(text),
			Start: start,
			End:   end,
		})
	}

	for i < n {
		c := input[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < n && input[i+1] == '-':
			start := i
			for i < n && input[i] != '\n' {
				i++
			}
			emit(TokenComment, start, i)

		case c == '#':
			start := i
			for i < n && input[i] != '\n' {
				i++
			}
			emit(TokenComment, start, i)

		case c == '/' && i+1 < n && input[i+1] == '*':
			start := i
			depth := 1
			i += 2
			for i < n && depth > 0 {
				if i+1 < n && input[i] == '/' && input[i+1] == '*' {
					depth++
					i += 2
				} else if i+1 < n && input[i] == '*' && input[i+1] == '/' {
					depth--
					i += 2
				} else {
					i++
				}
			}
			if depth > 0 {
				ok = false
			}
			emit(TokenComment, start, i)

		case c == '\'':
			// Single-quoted string. Only the SQL standard doubled-quote
			// escape ('') is honored; treating backslash as an escape
			// would let a string swallow a terminator the database would
			// see, so mismatches fail in the blocking direction.
			start := i
			i++
			closed := false
			for i < n {
				if input[i] == '\'' {
					if i+1 < n && input[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				i++
			}
			if !closed {
				ok = false
			}
			emit(TokenString, start, i)

		case c == '"' || c == '`':
			quote := c
			start := i
			i++
			closed := false
			for i < n {
				if input[i] == quote {
					if i+1 < n && input[i+1] == quote {
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				i++
			}
			if !closed {
				ok = false
			}
			emit(TokenQuotedIdent, start, i)

		case c == '$':
			// Dollar-quoted string: $tag$ ... $tag$
			if tag, tagEnd, found := dollarTag(input, i); found {
				start := i
				close := strings.Index(input[tagEnd:], tag)
				if close < 0 {
					ok = false
					i = n
				} else {
					i = tagEnd + close + len(tag)
				}
				emit(TokenString, start, i)
			} else {
				emit(TokenPunct, i, i+1)
				i++
			}

		case c == ';':
			emit(TokenTerminator, i, i+1)
			i++

		case isWordStart(c):
			start := i
			for i < n && isWordChar(input[i]) {
				i++
			}
			emit(TokenWord, start, i)

		case c >= '0' && c <= '9':
			start := i
			for i < n && (input[i] >= '0' && input[i] <= '9' || input[i] == '.' || input[i] == 'e' || input[i] == 'E') {
				i++
			}
			emit(TokenNumber, start, i)

		default:
			emit(TokenPunct, i, i+1)
			i++
		}
	}

	return tokens, ok
}

// dollarTag recognizes $$ or $tag$ at position i.
func dollarTag(input string, i int) (tag string, end int, found bool) {
	j := i + 1
	for j < len(input) && isWordChar(input[j]) {
		j++
	}
	if j < len(input) && input[j] == '$' {
		return input[i : j+1], j + 1, true
	}
	return "", 0, false
}

func isWordStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isWordChar(c byte) bool {
	return isWordStart(c) || c >= '0' && c <= '9'
}

// stringLiteralValue returns the inner text of a string token with the
// doubled-quote escape undone. Dollar-quoted bodies are returned as-is.
func stringLiteralValue(t Token) string {
	s := t.Text
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	if len(s) >= 2 && s[0] == '$' {
		if tag, end, found := dollarTag(s, 0); found && len(s) >= end+len(tag) {
			return s[end : len(s)-len(tag)]
		}
	}
	return s
}

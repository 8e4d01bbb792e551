package expressions

import (
	"strings"
	"unicode"

	"github.com/rendis/stepwise/pkg/schema"
)

type tokenKind int

const (
	tokPath tokenKind = iota
	tokPlaceholder
	tokNumber
	tokString
	tokLiteral
	tokOperator
	tokCoalesce
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	// spaced marks an operator with whitespace on both sides, telling "1 - 2" from "2024-01-01".
	spaced bool
}

// isOperand reports whether the token stands for a value.
func (t token) isOperand() bool {
	switch t.kind {
	case tokPath, tokPlaceholder, tokNumber, tokString, tokLiteral:
		return true
	}
	return false
}

// lex splits an expression into tokens. Bare identifiers are paths when
// allowPaths is set (placeholder bodies); otherwise any bare word makes the
// text a non-expression and lex reports ok=false.
func lex(text string, allowPaths bool) (toks []token, ok bool, err error) {
	i := 0
	n := len(text)
	for i < n {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '$' && i+1 < n && text[i+1] == '{':
			end, perr := matchBrace(text, i+1)
			if perr != nil {
				return nil, false, perr
			}
			toks = append(toks, token{kind: tokPlaceholder, text: text[i+2 : end]})
			i = end + 1
		case c == '?' && i+1 < n && text[i+1] == '?':
			toks = append(toks, token{kind: tokCoalesce, text: "??"})
			i += 2
		case strings.IndexByte("+-*/%", c) >= 0:
			spaced := (i == 0 || isSpace(text[i-1])) && (i+1 >= n || isSpace(text[i+1]))
			toks = append(toks, token{kind: tokOperator, text: string(c), spaced: spaced})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == '"' || c == '\'':
			end := strings.IndexByte(text[i+1:], c)
			if end < 0 {
				if allowPaths {
					return nil, false, schema.NewErrorf(schema.ErrCodeDefinition, "unterminated string in %q", text)
				}
				return nil, false, nil
			}
			toks = append(toks, token{kind: tokString, text: text[i+1 : i+1+end]})
			i += end + 2
		case c >= '0' && c <= '9' || c == '.' && i+1 < n && text[i+1] >= '0' && text[i+1] <= '9':
			start := i
			for i < n && (text[i] >= '0' && text[i] <= '9' || text[i] == '.') {
				i++
			}
			if i < n && isIdentRune(rune(text[i])) {
				// "3rd", "1st": not a number
				if allowPaths {
					return nil, false, schema.NewErrorf(schema.ErrCodeDefinition, "invalid number in %q", text)
				}
				return nil, false, nil
			}
			toks = append(toks, token{kind: tokNumber, text: text[start:i]})
		case isIdentStart(rune(c)):
			start := i
			for i < n && (isIdentRune(rune(text[i])) || text[i] == '.' || text[i] == '[' || text[i] == ']') {
				i++
			}
			word := text[start:i]
			switch word {
			case "true", "false", "null", "nil":
				toks = append(toks, token{kind: tokLiteral, text: word})
				continue
			}
			if !allowPaths {
				return nil, false, nil
			}
			toks = append(toks, token{kind: tokPath, text: word})
		default:
			if allowPaths {
				return nil, false, schema.NewErrorf(schema.ErrCodeDefinition,
					"unexpected character %q in expression %q", c, text)
			}
			return nil, false, nil
		}
	}
	return toks, true, nil
}

// matchBrace returns the index of the brace closing the one at open,
// skipping nested braces and quoted strings.
func matchBrace(text string, open int) (int, error) {
	depth := 0
	var quote byte
	for i := open; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, schema.NewErrorf(schema.ErrCodeDefinition, "unclosed ${ in %q", text)
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentRune(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

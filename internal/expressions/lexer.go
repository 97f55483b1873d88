package expressions

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/rendis/taskflow/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  any // int64 or float64 for tokNumber
	pos  int
}

// lex splits the body of a $[...] expression into tokens.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: ".", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '\'' || c == '"':
			s, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i = next
		case c == '-' || (c >= '0' && c <= '9'):
			tok, next, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "unexpected character %q at offset %d", c, i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

// lexString reads a quoted string starting at src[start]. Backslash escapes the
// next character.
func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			i++
			b.WriteByte(src[i])
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, schema.NewErrorf(schema.ErrCodeExpression, "unterminated string starting at offset %d", start)
}

func lexNumber(src string, start int) (token, int, error) {
	i := start
	if src[i] == '-' {
		i++
	}
	digits := i
	isFloat := false
	for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
		if src[i] == '.' {
			// "1.foo" is not a number followed by a path.
			if isFloat || i+1 >= len(src) || src[i+1] < '0' || src[i+1] > '9' {
				break
			}
			isFloat = true
		}
		i++
	}
	text := src[start:i]
	if i == digits {
		return token{}, 0, schema.NewErrorf(schema.ErrCodeExpression, "invalid number at offset %d", start)
	}
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, 0, schema.NewErrorf(schema.ErrCodeExpression, "invalid number %q", text).WithCause(err)
		}
		return token{kind: tokNumber, text: text, num: f, pos: start}, i, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token{}, 0, schema.NewErrorf(schema.ErrCodeExpression, "invalid number %q", text).WithCause(err)
	}
	return token{kind: tokNumber, text: text, num: n, pos: start}, i, nil
}

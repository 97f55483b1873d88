package expressions

import (
	"github.com/rendis/taskflow/pkg/schema"
)

// Reference namespaces.
const (
	refOutputs   = "Outputs"
	refVariables = "Variables"
	refSecrets   = "Secrets"
)

// node is a parsed expression.
type node interface {
	eval(s *Scope, fns map[string]Function) (any, error)
}

type literalNode struct{ value any }

type arrayNode struct{ items []node }

type callNode struct {
	name string
	args []node
}

// refNode is Outputs('task'), Variables('name') or Secrets('key').
type refNode struct {
	namespace string
	key       string
}

// pathNode applies a field or index access to the value of target.
type pathNode struct {
	target node
	field  string // set for .field
	index  node   // set for [expr]
}

type parser struct {
	toks []token
	pos  int
}

// parse compiles the body of a $[...] expression.
func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unexpected %q at offset %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		if t.kind == tokEOF {
			return t, schema.NewErrorf(schema.ErrCodeExpression, "expected %s, got end of expression", what)
		}
		return t, schema.NewErrorf(schema.ErrCodeExpression, "expected %s at offset %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) parseExpr() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t, err := p.expect(tokIdent, "field name")
			if err != nil {
				return nil, err
			}
			n = &pathNode{target: n, field: t.text}
		case tokLBracket:
			p.next()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			n = &pathNode{target: n, index: idx}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{value: t.num}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokLBracket:
		items, err := p.parseList(tokRBracket, "']'")
		if err != nil {
			return nil, err
		}
		return &arrayNode{items: items}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		if _, err := p.expect(tokLParen, "'(' after "+t.text); err != nil {
			return nil, err
		}
		switch t.text {
		case refOutputs, refVariables, refSecrets:
			key, err := p.expect(tokString, "quoted name in "+t.text+"(...)")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return &refNode{namespace: t.text, key: key.text}, nil
		}
		args, err := p.parseList(tokRParen, "')'")
		if err != nil {
			return nil, err
		}
		return &callNode{name: t.text, args: args}, nil
	case tokEOF:
		return nil, schema.NewError(schema.ErrCodeExpression, "unexpected end of expression")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unexpected %q at offset %d", t.text, t.pos)
	}
}

// parseList reads comma-separated expressions up to the closing token.
func (p *parser) parseList(closing tokenKind, what string) ([]node, error) {
	var items []node
	if p.peek().kind == closing {
		p.next()
		return items, nil
	}
	for {
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, n)
		t := p.next()
		switch t.kind {
		case tokComma:
			continue
		case closing:
			return items, nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "expected ',' or %s at offset %d", what, t.pos)
		}
	}
}

// walk visits every node of the tree.
func walk(n node, fn func(node)) {
	fn(n)
	switch v := n.(type) {
	case *arrayNode:
		for _, it := range v.items {
			walk(it, fn)
		}
	case *callNode:
		for _, a := range v.args {
			walk(a, fn)
		}
	case *pathNode:
		walk(v.target, fn)
		if v.index != nil {
			walk(v.index, fn)
		}
	}
}

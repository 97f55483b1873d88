package expressions

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/taskflow/pkg/schema"
)

const (
	openMarker  = "$["
	closeMarker = ']'
)

// Evaluator resolves $[...] expressions in task parameters.
// It is stateless apart from a cache of parsed expressions and is safe for
// concurrent use.
type Evaluator struct {
	functions map[string]Function

	mu    sync.RWMutex
	cache map[string]node
}

// NewEvaluator creates an Evaluator with the standard function library.
func NewEvaluator() *Evaluator {
	fns := make(map[string]Function, len(builtinFunctions))
	for k, v := range builtinFunctions {
		fns[k] = v
	}
	return &Evaluator{functions: fns, cache: make(map[string]node)}
}

// RegisterFunction adds or replaces a function. Names are case-insensitive.
func (e *Evaluator) RegisterFunction(name string, fn Function) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make(map[string]Function, len(e.functions)+1)
	for k, v := range e.functions {
		fns[k] = v
	}
	fns[strings.ToLower(name)] = fn
	e.functions = fns
}

// Evaluate evaluates the body of a single expression (without the $[ ]).
func (e *Evaluator) Evaluate(body string, scope *Scope) (any, error) {
	n, err := e.getOrParse(body)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		scope = &Scope{}
	}
	e.mu.RLock()
	fns := e.functions
	e.mu.RUnlock()
	return n.eval(scope, fns)
}

// ResolveString resolves every expression in s. A string that is exactly one
// expression yields the typed value; expressions embedded in surrounding text
// are stringified. Strings without expressions are returned unchanged, and a
// $[ with no closing bracket is literal text.
func (e *Evaluator) ResolveString(s string, scope *Scope) (any, error) {
	spans, _ := findExpressions(s)
	if len(spans) == 0 {
		return s, nil
	}
	if len(spans) == 1 && spans[0].start == 0 && spans[0].end == len(s) {
		return e.Evaluate(spans[0].body, scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	prev := 0
	for _, sp := range spans {
		b.WriteString(s[prev:sp.start])
		v, err := e.Evaluate(sp.body, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(v))
		prev = sp.end
	}
	b.WriteString(s[prev:])
	return b.String(), nil
}

// Resolve walks maps and lists recursively, resolving every string.
func (e *Evaluator) Resolve(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return e.ResolveString(val, scope)
	case map[string]any:
		return e.ResolveParameters(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := e.Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveParameters returns a resolved copy of params. The input is not
// modified.
func (e *Evaluator) ResolveParameters(params map[string]any, scope *Scope) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		r, err := e.Resolve(v, scope)
		if err != nil {
			var fe *schema.FlowError
			if errors.As(err, &fe) && fe.Details == nil {
				fe.Details = map[string]any{"parameter": k}
			}
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// Check parses every expression in v without evaluating it.
func (e *Evaluator) Check(v any) error {
	return visitStrings(v, func(s string) error {
		spans, _ := findExpressions(s)
		for _, sp := range spans {
			if _, err := e.getOrParse(sp.body); err != nil {
				return err
			}
		}
		return nil
	})
}

// References lists the task outputs and secrets referenced anywhere in v.
// Both slices are sorted and deduplicated.
func (e *Evaluator) References(v any) (tasks, secrets []string, err error) {
	taskSet := map[string]bool{}
	secretSet := map[string]bool{}
	err = visitStrings(v, func(s string) error {
		spans, _ := findExpressions(s)
		for _, sp := range spans {
			n, err := e.getOrParse(sp.body)
			if err != nil {
				return err
			}
			walk(n, func(n node) {
				if r, ok := n.(*refNode); ok {
					switch r.namespace {
					case refOutputs:
						taskSet[r.key] = true
					case refSecrets:
						secretSet[r.key] = true
					}
				}
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sortedKeys(taskSet), sortedKeys(secretSet), nil
}

// Unclosed returns the strings in v holding a $[ marker without its closing
// bracket. Such markers are kept as literal text.
func Unclosed(v any) []string {
	var out []string
	_ = visitStrings(v, func(s string) error {
		if _, unclosed := findExpressions(s); unclosed >= 0 {
			out = append(out, s)
		}
		return nil
	})
	return out
}

// HasExpression reports whether s contains a $[ marker.
func HasExpression(s string) bool {
	return strings.Contains(s, openMarker)
}

func (e *Evaluator) getOrParse(body string) (node, error) {
	e.mu.RLock()
	if n, ok := e.cache[body]; ok {
		e.mu.RUnlock()
		return n, nil
	}
	e.mu.RUnlock()

	n, err := parse(body)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			fe.Details = map[string]any{"expression": body}
		}
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[body] = n
	return n, nil
}

type span struct {
	start, end int // byte offsets of "$[" and one past the closing "]"
	body       string
}

// findExpressions locates the $[...] spans in s. Brackets nest and quoted
// strings may contain brackets. Scanning stops at a marker that is never
// closed; unclosed is its offset, or -1.
func findExpressions(s string) (spans []span, unclosed int) {
	i := 0
	for {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			return spans, -1
		}
		start := i + idx
		depth := 1
		var quote byte
		j := start + len(openMarker)
		for ; j < len(s) && depth > 0; j++ {
			c := s[j]
			switch {
			case quote != 0:
				if c == '\\' {
					j++
				} else if c == quote {
					quote = 0
				}
			case c == '\'' || c == '"':
				quote = c
			case c == '[':
				depth++
			case c == closeMarker:
				depth--
			}
		}
		if depth > 0 {
			return spans, start
		}
		body := strings.TrimSpace(s[start+len(openMarker) : j-1])
		spans = append(spans, span{start: start, end: j, body: body})
		i = j
	}
}

func visitStrings(v any, fn func(string) error) error {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := visitStrings(val[k], fn); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := visitStrings(item, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

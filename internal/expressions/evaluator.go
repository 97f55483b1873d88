package expressions

import (
	"math"
	"reflect"

	"github.com/rendis/taskflow/pkg/schema"
)

func (n *literalNode) eval(*Scope, map[string]Function) (any, error) {
	return n.value, nil
}

func (n *arrayNode) eval(s *Scope, fns map[string]Function) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, it := range n.items {
		v, err := it.eval(s, fns)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (n *callNode) eval(s *Scope, fns map[string]Function) (any, error) {
	fn, ok := lookupFunction(fns, n.name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown function %s", n.name)
	}
	args := make([]any, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval(s, fns)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	out, err := fn(args)
	if err != nil {
		if schema.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "%s: %s", n.name, err.Error()).WithCause(err)
	}
	return out, nil
}

func (n *refNode) eval(s *Scope, _ map[string]Function) (any, error) {
	switch n.namespace {
	case refOutputs:
		v, ok := s.Outputs[n.key]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
				"unresolved reference: task %q has not produced output", n.key).
				WithDetails(map[string]any{"task": n.key})
		}
		return v, nil
	case refVariables:
		v, ok := s.Variables[n.key]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedReference,
				"unresolved reference: variable %q is not defined", n.key).
				WithDetails(map[string]any{"variable": n.key})
		}
		return v, nil
	default:
		v, ok := s.Secrets[n.key]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeSecret, "secret %q was not resolved", n.key).
				WithDetails(map[string]any{"secret": n.key})
		}
		return v, nil
	}
}

// eval walks one access step. A step that cannot be satisfied yields nil.
func (n *pathNode) eval(s *Scope, fns map[string]Function) (any, error) {
	target, err := n.target.eval(s, fns)
	if err != nil {
		return nil, err
	}
	if n.index == nil {
		return field(target, n.field), nil
	}
	idx, err := n.index.eval(s, fns)
	if err != nil {
		return nil, err
	}
	if key, ok := idx.(string); ok {
		return field(target, key), nil
	}
	i, ok := asIndex(idx)
	if !ok {
		return nil, nil
	}
	return element(target, i), nil
}

func field(v any, name string) any {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return m[name]
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		e := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !e.IsValid() {
			return nil
		}
		return e.Interface()
	}
	return nil
}

func element(v any, i int) any {
	switch l := v.(type) {
	case nil:
		return nil
	case []any:
		if i < 0 || i >= len(l) {
			return nil
		}
		return l[i]
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	if i < 0 || i >= rv.Len() {
		return nil
	}
	return rv.Index(i).Interface()
}

func asIndex(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

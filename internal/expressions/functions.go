package expressions

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Function is a named helper callable from $[...] expressions.
type Function func(args []any) (any, error)

// builtinFunctions is the standard function library. Names are matched
// case-insensitively.
var builtinFunctions = map[string]Function{
	"sum":      fnSum,
	"avg":      fnAvg,
	"max":      fnMax,
	"min":      fnMin,
	"round":    fnRound,
	"abs":      unaryMath(math.Abs),
	"floor":    unaryMath(math.Floor),
	"ceil":     unaryMath(math.Ceil),
	"lower":    unaryString(strings.ToLower),
	"upper":    unaryString(strings.ToUpper),
	"trim":     unaryString(strings.TrimSpace),
	"concat":   fnConcat,
	"length":   fnLength,
	"join":     fnJoin,
	"coalesce": fnCoalesce,
	"contains": fnContains,
}

func lookupFunction(fns map[string]Function, name string) (Function, bool) {
	fn, ok := fns[strings.ToLower(name)]
	return fn, ok
}

func fnSum(args []any) (any, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return total, nil
}

func fnAvg(args []any) (any, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, errors.New("no values to average")
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return total / float64(len(nums)), nil
}

func fnMax(args []any) (any, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, errors.New("no values")
	}
	out := nums[0]
	for _, n := range nums[1:] {
		out = math.Max(out, n)
	}
	return out, nil
}

func fnMin(args []any) (any, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, errors.New("no values")
	}
	out := nums[0]
	for _, n := range nums[1:] {
		out = math.Min(out, n)
	}
	return out, nil
}

// fnRound rounds half away from zero, optionally to a number of decimals.
func fnRound(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, errors.New("expects (value) or (value, digits)")
	}
	v, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("%v is not a number", args[0])
	}
	digits := 0
	if len(args) == 2 {
		d, ok := asIndex(args[1])
		if !ok {
			return nil, fmt.Errorf("digits %v is not an integer", args[1])
		}
		digits = d
	}
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p, nil
}

func unaryMath(f func(float64) float64) Function {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("expects exactly one argument")
		}
		v, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("%v is not a number", args[0])
		}
		return f(v), nil
	}
}

func unaryString(f func(string) string) Function {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("expects exactly one argument")
		}
		return f(Stringify(args[0])), nil
	}
}

func fnConcat(args []any) (any, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(Stringify(a))
	}
	return b.String(), nil
}

func fnLength(args []any) (any, error) {
	if len(args) != 1 {
		return nil, errors.New("expects exactly one argument")
	}
	switch v := args[0].(type) {
	case nil:
		return 0, nil
	case string:
		return utf8.RuneCountInString(v), nil
	}
	rv := reflect.ValueOf(args[0])
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return nil, fmt.Errorf("cannot take length of %T", args[0])
}

func fnJoin(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, errors.New("expects (list) or (list, separator)")
	}
	sep := ","
	if len(args) == 2 {
		sep = Stringify(args[1])
	}
	items, ok := asList(args[0])
	if !ok {
		return nil, fmt.Errorf("%T is not a list", args[0])
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = Stringify(it)
	}
	return strings.Join(parts, sep), nil
}

func fnCoalesce(args []any) (any, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func fnContains(args []any) (any, error) {
	if len(args) != 2 {
		return nil, errors.New("expects (haystack, needle)")
	}
	if s, ok := args[0].(string); ok {
		return strings.Contains(s, Stringify(args[1])), nil
	}
	if items, ok := asList(args[0]); ok {
		for _, it := range items {
			if equal(it, args[1]) {
				return true, nil
			}
		}
		return false, nil
	}
	if args[0] == nil {
		return false, nil
	}
	if key, ok := args[1].(string); ok {
		return field(args[0], key) != nil, nil
	}
	return false, nil
}

// numbers flattens list arguments one level and converts every item to float64.
func numbers(args []any) ([]float64, error) {
	var out []float64
	for _, a := range args {
		if items, ok := asList(a); ok {
			for _, it := range items {
				f, ok := toFloat(it)
				if !ok {
					return nil, fmt.Errorf("%v is not a number", it)
				}
				out = append(out, f)
			}
			continue
		}
		f, ok := toFloat(a)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", a)
		}
		out = append(out, f)
	}
	return out, nil
}

func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	_, sA := a.(string)
	_, sB := b.(string)
	if okA && okB && !sA && !sB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// Stringify renders a resolved value for embedding in text. Whole numbers
// print without a fractional part; maps and lists render as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int64, int32, uint, uint64, uint32:
		return fmt.Sprintf("%d", val)
	case []byte:
		return string(val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

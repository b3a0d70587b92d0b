package conditions

import (
	"reflect"
	"strings"
)

// itemKey is the name each array element is bound to inside All/Some.
const itemKey = "_item"

// Evaluate computes the value of an expression against a record snapshot.
// It has no side effects and never panics on malformed data: arithmetic on
// non-numeric input and division by zero yield nil rather than an error.
// A nil expression evaluates to true (no condition configured).
func Evaluate(expr Expression, data map[string]any) any {
	if expr == nil {
		return true
	}
	return eval(expr, data)
}

// Truthy reports whether an evaluation result gates a transition open.
func Truthy(v any) bool {
	return truthy(v)
}

func eval(expr Expression, data map[string]any) any {
	switch e := expr.(type) {
	case Literal:
		return e.Value

	case Var:
		return lookup(data, e.Path, e.Default)

	case Variadic:
		return evalVariadic(e, data)

	case Binary:
		return evalBinary(e, data)

	case Unary:
		switch e.Op {
		case OpNot:
			return !truthy(eval(e.Arg, data))
		case OpNeg:
			if n, ok := toFloat(eval(e.Arg, data)); ok {
				return -n
			}
			return nil
		}
		return nil

	case If:
		if truthy(eval(e.Cond, data)) {
			if e.Then == nil {
				return true
			}
			return eval(e.Then, data)
		}
		if e.Else == nil {
			return false
		}
		return eval(e.Else, data)

	case Missing:
		for _, path := range e.Paths {
			v := lookup(data, path, nil)
			if v == nil || v == "" {
				return true
			}
		}
		return false

	case Quantifier:
		return evalQuantifier(e, data)

	default:
		// Unknown kinds cannot be produced by Parse; kept for a total switch.
		return nil
	}
}

func evalVariadic(e Variadic, data map[string]any) any {
	switch e.Op {
	case OpAnd:
		for _, arg := range e.Args {
			if !truthy(eval(arg, data)) {
				return false
			}
		}
		return true

	case OpOr:
		for _, arg := range e.Args {
			if truthy(eval(arg, data)) {
				return true
			}
		}
		return false

	case OpAdd:
		sum := 0.0
		for _, arg := range e.Args {
			n, ok := toFloat(eval(arg, data))
			if !ok {
				return nil
			}
			sum += n
		}
		return sum

	case OpMul:
		product := 1.0
		for _, arg := range e.Args {
			n, ok := toFloat(eval(arg, data))
			if !ok {
				return nil
			}
			product *= n
		}
		return product
	}
	return nil
}

func evalBinary(e Binary, data map[string]any) any {
	switch e.Op {
	case OpEq:
		return looseEqual(eval(e.Left, data), eval(e.Right, data))
	case OpNe:
		return !looseEqual(eval(e.Left, data), eval(e.Right, data))

	case OpLt, OpGt, OpLe, OpGe:
		cmp, ok := compareValues(eval(e.Left, data), eval(e.Right, data))
		if !ok {
			return false
		}
		switch e.Op {
		case OpLt:
			return cmp < 0
		case OpGt:
			return cmp > 0
		case OpLe:
			return cmp <= 0
		default:
			return cmp >= 0
		}

	case OpIn:
		return memberOf(eval(e.Left, data), eval(e.Right, data))
	case OpContains:
		return memberOf(eval(e.Right, data), eval(e.Left, data))

	case OpSub:
		a, okA := toFloat(eval(e.Left, data))
		b, okB := toFloat(eval(e.Right, data))
		if !okA || !okB {
			return nil
		}
		return a - b

	case OpDiv:
		a, okA := toFloat(eval(e.Left, data))
		b, okB := toFloat(eval(e.Right, data))
		if !okA || !okB || b == 0 {
			return nil
		}
		return a / b
	}
	return nil
}

func evalQuantifier(e Quantifier, data map[string]any) any {
	items, ok := toSlice(eval(e.Source, data))
	if !ok {
		return false
	}
	for _, item := range items {
		scoped := make(map[string]any, len(data)+1)
		for k, v := range data {
			scoped[k] = v
		}
		scoped[itemKey] = item

		matched := truthy(eval(e.Cond, scoped))
		if e.Op == OpSome && matched {
			return true
		}
		if e.Op == OpAll && !matched {
			return false
		}
	}
	return e.Op == OpAll
}

// lookup resolves a dot-separated path through nested maps, returning def
// when any segment is absent or resolves to nil. An empty path yields the
// whole snapshot.
func lookup(data map[string]any, path string, def any) any {
	if path == "" {
		return data
	}

	var value any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return def
		}
		value, ok = m[part]
		if !ok || value == nil {
			return def
		}
	}
	return value
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if n, ok := toFloat(v); ok {
			return n != 0
		}
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

// looseEqual compares numerically when both sides are numbers, so a JSON 1
// equals an int 1 regardless of decoding.
func looseEqual(a, b any) bool {
	na, okA := toFloat(a)
	nb, okB := toFloat(b)
	if okA && okB {
		return na == nb
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) (int, bool) {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			switch {
			case na < nb:
				return -1, true
			case na > nb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// memberOf reports whether value is a member of collection: substring for
// strings, element equality for arrays.
func memberOf(value, collection any) bool {
	switch c := collection.(type) {
	case string:
		s, ok := value.(string)
		return ok && strings.Contains(c, s)
	default:
		items, ok := toSlice(collection)
		if !ok {
			return false
		}
		for _, item := range items {
			if looseEqual(item, value) {
				return true
			}
		}
		return false
	}
}

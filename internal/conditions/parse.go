package conditions

import (
	"encoding/json"
	"fmt"
)

// Parse builds an Expression from a raw JSON-logic document. Unknown
// operators are rejected here, at definition-load time, so configuration
// typos surface as validation errors instead of silently evaluating to
// null.
func Parse(raw json.RawMessage) (Expression, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid condition document: %w", err)
	}
	return build(doc)
}

func build(doc any) (Expression, error) {
	node, ok := doc.(map[string]any)
	if !ok {
		return Literal{Value: doc}, nil
	}
	if len(node) != 1 {
		return nil, fmt.Errorf("condition node must have exactly one operator, got %d keys", len(node))
	}

	var op string
	var rawArgs any
	for k, v := range node {
		op, rawArgs = k, v
	}

	args, ok := rawArgs.([]any)
	if !ok {
		args = []any{rawArgs}
	}

	switch Op(op) {
	case OpAnd, OpOr, OpAdd, OpMul:
		children, err := buildAll(args)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("operator %q requires at least one argument", op)
		}
		return Variadic{Op: Op(op), Args: children}, nil

	case OpNot:
		child, err := buildArg(op, args, 0)
		if err != nil {
			return nil, err
		}
		return Unary{Op: OpNot, Arg: child}, nil

	case OpSub:
		if len(args) == 1 {
			child, err := buildArg(op, args, 0)
			if err != nil {
				return nil, err
			}
			return Unary{Op: OpNeg, Arg: child}, nil
		}
		return buildBinary(Op(op), args)

	case OpEq, OpNe, OpLt, OpGt, OpLe, OpGe, OpIn, OpContains, OpDiv:
		return buildBinary(Op(op), args)

	case "var":
		return buildVar(args)

	case "if":
		cond, err := buildArg(op, args, 0)
		if err != nil {
			return nil, err
		}
		node := If{Cond: cond}
		if len(args) > 1 {
			if node.Then, err = build(args[1]); err != nil {
				return nil, err
			}
		}
		if len(args) > 2 {
			if node.Else, err = build(args[2]); err != nil {
				return nil, err
			}
		}
		return node, nil

	case "missing":
		paths := make([]string, 0, len(args))
		for _, a := range args {
			p, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("missing operator takes variable names, got %T", a)
			}
			paths = append(paths, p)
		}
		return Missing{Paths: paths}, nil

	case OpAll, OpSome:
		source, err := buildArg(op, args, 0)
		if err != nil {
			return nil, err
		}
		cond, err := buildArg(op, args, 1)
		if err != nil {
			return nil, err
		}
		return Quantifier{Op: Op(op), Source: source, Cond: cond}, nil

	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

func buildAll(args []any) ([]Expression, error) {
	out := make([]Expression, 0, len(args))
	for _, a := range args {
		child, err := build(a)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func buildArg(op string, args []any, i int) (Expression, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("operator %q requires at least %d arguments, got %d", op, i+1, len(args))
	}
	return build(args[i])
}

func buildBinary(op Op, args []any) (Expression, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("operator %q requires exactly 2 arguments, got %d", op, len(args))
	}
	left, err := build(args[0])
	if err != nil {
		return nil, err
	}
	right, err := build(args[1])
	if err != nil {
		return nil, err
	}
	return Binary{Op: op, Left: left, Right: right}, nil
}

func buildVar(args []any) (Expression, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("var operator requires a variable name")
	}
	path, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("var operator takes a string path, got %T", args[0])
	}
	v := Var{Path: path}
	if len(args) > 1 {
		v.Default = args[1]
	}
	return v, nil
}

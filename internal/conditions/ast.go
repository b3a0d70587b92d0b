// Package conditions implements the expression language used by transition
// guards. Raw JSON-logic documents are parsed once, when a definition is
// loaded, into a typed tree; evaluation is a pure function of the tree and
// a record snapshot and is safe for concurrent use.
package conditions

// Expression is a node of the parsed condition tree.
type Expression interface {
	isExpression()
}

// Op identifies an operator within the grouped node types below.
type Op string

const (
	OpAnd      Op = "and"
	OpOr       Op = "or"
	OpNot      Op = "not"
	OpEq       Op = "=="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpGt       Op = ">"
	OpLe       Op = "<="
	OpGe       Op = ">="
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpAll      Op = "all"
	OpSome     Op = "some"
	OpAdd      Op = "+"
	OpSub      Op = "-"
	OpMul      Op = "*"
	OpDiv      Op = "/"
	OpNeg      Op = "neg"
)

// Literal is a constant value.
type Literal struct {
	Value any
}

// Var resolves a dot-separated path through the snapshot, yielding Default
// when any segment is absent. It never errors.
type Var struct {
	Path    string
	Default any
}

// Variadic groups the n-ary operators: and, or, + and *.
type Variadic struct {
	Op   Op
	Args []Expression
}

// Binary groups the two-operand operators: comparisons, membership, - and /.
type Binary struct {
	Op    Op
	Left  Expression
	Right Expression
}

// Unary groups not and arithmetic negation.
type Unary struct {
	Op  Op
	Arg Expression
}

// If evaluates Then when the condition is truthy, Else otherwise. A missing
// branch yields the branch's truth value.
type If struct {
	Cond Expression
	Then Expression
	Else Expression
}

// Missing is true when any of the named variables is absent or empty.
type Missing struct {
	Paths []string
}

// Quantifier iterates the array produced by Source, binding each element as
// "_item" in a derived scope and evaluating Cond per element. Op is all or
// some.
type Quantifier struct {
	Op     Op
	Source Expression
	Cond   Expression
}

func (Literal) isExpression()    {}
func (Var) isExpression()        {}
func (Variadic) isExpression()   {}
func (Binary) isExpression()     {}
func (Unary) isExpression()      {}
func (If) isExpression()         {}
func (Missing) isExpression()    {}
func (Quantifier) isExpression() {}

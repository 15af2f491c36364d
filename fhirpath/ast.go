package fhirpath

// span locates a node in the expression source as half-open byte offsets.
type span struct {
	start, end int
}

// exprNode is the sealed expression tree. Every node carries its source span
// so diagnostics and Expression.String can point back into the input.
type exprNode interface {
	pos() span
}

// literalExpr holds an already constructed literal value.
// A nil value is the empty collection literal {}.
type literalExpr struct {
	sp    span
	value Element
}

// identExpr is a bare identifier resolved against the current focus.
type identExpr struct {
	sp   span
	name string
}

// memberExpr is target.name member navigation.
type memberExpr struct {
	sp     span
	target exprNode
	name   string
}

// callExpr is a function invocation. A nil target applies the function to the
// current focus.
type callExpr struct {
	sp     span
	target exprNode
	name   string
	params []Expression
}

// indexExpr is target[index].
type indexExpr struct {
	sp     span
	target exprNode
	index  exprNode
}

// externalExpr is an environment reference %name.
type externalExpr struct {
	sp   span
	name string
}

type thisExpr struct{ sp span }
type indexVarExpr struct{ sp span }
type totalExpr struct{ sp span }

type unaryExpr struct {
	sp      span
	op      string
	operand exprNode
}

type binaryExpr struct {
	sp          span
	op          string
	left, right exprNode
}

// typeExpr is the is/as operator; the right-hand side is a type specifier,
// not an expression.
type typeExpr struct {
	sp      span
	op      string
	operand exprNode
	spec    TypeSpecifier
}

func (e *literalExpr) pos() span  { return e.sp }
func (e *identExpr) pos() span    { return e.sp }
func (e *memberExpr) pos() span   { return e.sp }
func (e *callExpr) pos() span     { return e.sp }
func (e *indexExpr) pos() span    { return e.sp }
func (e *externalExpr) pos() span { return e.sp }
func (e *thisExpr) pos() span     { return e.sp }
func (e *indexVarExpr) pos() span { return e.sp }
func (e *totalExpr) pos() span    { return e.sp }
func (e *unaryExpr) pos() span    { return e.sp }
func (e *binaryExpr) pos() span   { return e.sp }
func (e *typeExpr) pos() span     { return e.sp }

package sandbox

type node interface {
	isNode()
}

type textNode struct {
	text string
}

type outputNode struct {
	x    expr
	line int
}

// linkSlotNode is a {{linkN}} placeholder left for link substitution.
type linkSlotNode struct {
	index int
}

type ifNode struct {
	branches []condBranch
	elseBody []node
}

type condBranch struct {
	cond expr
	body []node
}

type forNode struct {
	key      string
	value    string
	iter     expr
	body     []node
	elseBody []node
	line     int
}

type setNode struct {
	name string
	x    expr
	line int
}

func (*textNode) isNode()     {}
func (*outputNode) isNode()   {}
func (*linkSlotNode) isNode() {}
func (*ifNode) isNode()       {}
func (*forNode) isNode()      {}
func (*setNode) isNode()      {}

type expr interface {
	exprLine() int
}

type literalExpr struct {
	val  interface{}
	line int
}

type nameExpr struct {
	name string
	line int
}

// attrExpr is obj.attr; it only ever reads a map key.
type attrExpr struct {
	obj  expr
	attr string
	line int
}

type indexExpr struct {
	obj   expr
	index expr
	line  int
}

type listExpr struct {
	items []expr
	line  int
}

type unaryExpr struct {
	op   string
	x    expr
	line int
}

type binaryExpr struct {
	op    string
	left  expr
	right expr
	line  int
}

// testExpr is `x is [not] defined` or `x is [not] none`.
type testExpr struct {
	x      expr
	test   string
	negate bool
	line   int
}

type filterExpr struct {
	x      expr
	filter *filterSpec
	args   []expr
	line   int
}

func (e *literalExpr) exprLine() int { return e.line }
func (e *nameExpr) exprLine() int    { return e.line }
func (e *attrExpr) exprLine() int    { return e.line }
func (e *indexExpr) exprLine() int   { return e.line }
func (e *listExpr) exprLine() int    { return e.line }
func (e *unaryExpr) exprLine() int   { return e.line }
func (e *binaryExpr) exprLine() int  { return e.line }
func (e *testExpr) exprLine() int    { return e.line }
func (e *filterExpr) exprLine() int  { return e.line }

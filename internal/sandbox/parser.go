package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var forbiddenTags = map[string]bool{
	"extends": true,
	"include": true,
	"import":  true,
	"from":    true,
	"call":    true,
	"macro":   true,
}

var linkSlotRe = regexp.MustCompile(`^link([1-9][0-9]*)$`)

type templateParser struct {
	segs []segment
	pos  int
}

func parseTemplate(segs []segment) ([]node, error) {
	tp := &templateParser{segs: segs}
	nodes, _, _, err := tp.parseBody(nil, "", 0)
	return nodes, err
}

// parseBody consumes segments until a tag whose keyword is one of stops and
// returns that keyword with a parser positioned after it. opener and
// openLine describe the enclosing block for the unclosed-block error.
func (tp *templateParser) parseBody(stops []string, opener string, openLine int) ([]node, string, *exprParser, error) {
	var nodes []node

	for tp.pos < len(tp.segs) {
		seg := tp.segs[tp.pos]
		tp.pos++

		switch seg.kind {
		case segText:
			nodes = append(nodes, &textNode{text: seg.content})

		case segOutput:
			n, err := parseOutput(seg)
			if err != nil {
				return nil, "", nil, err
			}
			nodes = append(nodes, n)

		case segTag:
			p, err := newExprParser(seg)
			if err != nil {
				return nil, "", nil, err
			}
			kw := p.next()
			if kw.kind == tokEOF {
				return nil, "", nil, syntaxErr(seg.line, "empty tag")
			}
			if kw.kind != tokName {
				return nil, "", nil, p.errorf(kw, "expected tag name, got %s", describe(kw))
			}
			for _, stop := range stops {
				if kw.val == stop {
					return nodes, stop, p, nil
				}
			}
			if forbiddenTags[strings.ToLower(kw.val)] {
				return nil, "", nil, &ValidationError{
					Kind:    KindForbiddenTag,
					Line:    seg.line,
					Message: fmt.Sprintf("forbidden tag '%s'", strings.ToLower(kw.val)),
				}
			}

			var n node
			switch kw.val {
			case "if":
				n, err = tp.parseIf(p, seg.line)
			case "for":
				n, err = tp.parseFor(p, seg.line)
			case "set":
				n, err = parseSet(p, seg.line)
			case "elif", "else", "endif", "endfor":
				err = syntaxErr(seg.line, "unexpected '%s'", kw.val)
			default:
				err = syntaxErr(seg.line, "unknown tag '%s'", kw.val)
			}
			if err != nil {
				return nil, "", nil, err
			}
			nodes = append(nodes, n)
		}
	}

	if len(stops) > 0 {
		return nil, "", nil, syntaxErr(openLine,
			"unexpected end of template: '%s' block is not closed, expected '%s'", opener, stops[len(stops)-1])
	}
	return nodes, "", nil, nil
}

func parseOutput(seg segment) (node, error) {
	p, err := newExprParser(seg)
	if err != nil {
		return nil, err
	}
	first := p.peek()
	if first.kind == tokEOF {
		return nil, syntaxErr(seg.line, "empty expression")
	}
	if first.kind == tokName && p.peekAt(1).kind == tokEOF {
		if m := linkSlotRe.FindStringSubmatch(first.val); m != nil {
			idx, _ := strconv.Atoi(m[1])
			return &linkSlotNode{index: idx}, nil
		}
	}

	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}
	return &outputNode{x: x, line: seg.line}, nil
}

func (tp *templateParser) parseIf(p *exprParser, line int) (node, error) {
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}

	n := &ifNode{}
	for {
		body, stop, sp, err := tp.parseBody([]string{"elif", "else", "endif"}, "if", line)
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, condBranch{cond: cond, body: body})

		switch stop {
		case "elif":
			if cond, err = sp.parseExpr(); err != nil {
				return nil, err
			}
			if err := sp.expectEnd(); err != nil {
				return nil, err
			}
		case "else":
			if err := sp.expectEnd(); err != nil {
				return nil, err
			}
			elseBody, _, sp, err := tp.parseBody([]string{"endif"}, "if", line)
			if err != nil {
				return nil, err
			}
			n.elseBody = elseBody
			return n, sp.expectEnd()
		default:
			return n, sp.expectEnd()
		}
	}
}

func (tp *templateParser) parseFor(p *exprParser, line int) (node, error) {
	n := &forNode{line: line}

	t := p.next()
	if t.kind != tokName {
		return nil, p.errorf(t, "expected loop variable, got %s", describe(t))
	}
	n.value = t.val
	if p.isOp(",") {
		p.next()
		t2 := p.next()
		if t2.kind != tokName {
			return nil, p.errorf(t2, "expected loop variable, got %s", describe(t2))
		}
		n.key, n.value = n.value, t2.val
	}
	if n.value == "loop" || n.key == "loop" {
		return nil, syntaxErr(line, "'loop' is reserved inside for blocks")
	}
	if !p.isName("in") {
		return nil, p.errorf(p.peek(), "expected 'in', got %s", describe(p.peek()))
	}
	p.next()

	iter, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}
	n.iter = iter

	body, stop, sp, err := tp.parseBody([]string{"else", "endfor"}, "for", line)
	if err != nil {
		return nil, err
	}
	n.body = body
	if stop == "else" {
		if err := sp.expectEnd(); err != nil {
			return nil, err
		}
		n.elseBody, _, sp, err = tp.parseBody([]string{"endfor"}, "for", line)
		if err != nil {
			return nil, err
		}
	}
	return n, sp.expectEnd()
}

func parseSet(p *exprParser, line int) (node, error) {
	t := p.next()
	if t.kind != tokName {
		return nil, p.errorf(t, "expected variable name, got %s", describe(t))
	}
	if err := p.expectOp("="); err != nil {
		return nil, err
	}
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}
	return &setNode{name: t.val, x: x, line: line}, nil
}

// exprParser is a recursive descent parser over the tokens of one segment.
type exprParser struct {
	toks []token
	pos  int
	src  string
	line int
}

func newExprParser(seg segment) (*exprParser, error) {
	toks, pos, err := tokenize(seg.content)
	if err != nil {
		return nil, syntaxErr(seg.line+strings.Count(seg.content[:pos], "\n"), "%s", err.Error())
	}
	return &exprParser{toks: toks, src: seg.content, line: seg.line}, nil
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) peekAt(n int) token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) lineAt(t token) int {
	return p.line + strings.Count(p.src[:t.pos], "\n")
}

func (p *exprParser) errorf(t token, format string, args ...interface{}) error {
	return syntaxErr(p.lineAt(t), format, args...)
}

func (p *exprParser) isOp(v string) bool {
	t := p.peek()
	return t.kind == tokOp && t.val == v
}

func (p *exprParser) isName(v string) bool {
	t := p.peek()
	return t.kind == tokName && t.val == v
}

func (p *exprParser) expectOp(v string) error {
	t := p.next()
	if t.kind != tokOp || t.val != v {
		return p.errorf(t, "expected '%s', got %s", v, describe(t))
	}
	return nil
}

func (p *exprParser) expectEnd() error {
	if t := p.peek(); t.kind != tokEOF {
		return p.errorf(t, "unexpected %s", describe(t))
	}
	return nil
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokString:
		return "string literal"
	default:
		return "'" + t.val + "'"
	}
}

func (p *exprParser) parseExpr() (expr, error) {
	return p.parseOr()
}

func (p *exprParser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isName("or") {
		t := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "or", left: left, right: right, line: p.lineAt(t)}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isName("and") {
		t := p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "and", left: left, right: right, line: p.lineAt(t)}
	}
	return left, nil
}

func (p *exprParser) parseNot() (expr, error) {
	if p.isName("not") {
		t := p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: "not", x: x, line: p.lineAt(t)}, nil
	}
	return p.parseCompare()
}

func (p *exprParser) parseCompare() (expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op string
		switch {
		case t.kind == tokOp && (t.val == "==" || t.val == "!=" || t.val == "<" || t.val == "<=" || t.val == ">" || t.val == ">="):
			op = t.val
			p.next()
		case t.kind == tokName && t.val == "in":
			op = "in"
			p.next()
		case t.kind == tokName && t.val == "not" && p.peekAt(1).kind == tokName && p.peekAt(1).val == "in":
			op = "not in"
			p.next()
			p.next()
		case t.kind == tokName && t.val == "is":
			p.next()
			negate := false
			if p.isName("not") {
				p.next()
				negate = true
			}
			nt := p.next()
			if nt.kind != tokName || (nt.val != "defined" && nt.val != "none") {
				return nil, p.errorf(nt, "unknown test %s", describe(nt))
			}
			left = &testExpr{x: left, test: nt.val, negate: negate, line: p.lineAt(t)}
			continue
		default:
			return left, nil
		}

		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right, line: p.lineAt(t)}
	}
}

func (p *exprParser) parseConcat() (expr, error) {
	return p.parseBinary([]string{"~"}, p.parseAdd)
}

func (p *exprParser) parseAdd() (expr, error) {
	return p.parseBinary([]string{"+", "-"}, p.parseMul)
}

func (p *exprParser) parseMul() (expr, error) {
	return p.parseBinary([]string{"*", "/", "%"}, p.parseUnary)
}

func (p *exprParser) parseBinary(ops []string, operand func() (expr, error)) (expr, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || !containsString(ops, t.val) {
			return left, nil
		}
		p.next()
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: t.val, left: left, right: right, line: p.lineAt(t)}
	}
}

func (p *exprParser) parseUnary() (expr, error) {
	if p.isOp("-") {
		t := p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: "-", x: x, line: p.lineAt(t)}, nil
	}
	return p.parseFiltered()
}

func (p *exprParser) parseFiltered() (expr, error) {
	x, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for p.isOp("|") {
		bar := p.next()
		nameTok := p.next()
		if nameTok.kind != tokName {
			return nil, p.errorf(nameTok, "expected filter name, got %s", describe(nameTok))
		}
		spec, ok := filters[nameTok.val]
		if !ok {
			return nil, p.errorf(nameTok, "unknown filter '%s'", nameTok.val)
		}

		var positional []expr
		named := map[string]expr{}
		if p.isOp("(") {
			p.next()
			for !p.isOp(")") {
				if p.peek().kind == tokName && p.peekAt(1).kind == tokOp && p.peekAt(1).val == "=" {
					kw := p.next()
					p.next()
					if _, dup := named[kw.val]; dup {
						return nil, p.errorf(kw, "duplicate argument '%s'", kw.val)
					}
					v, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					named[kw.val] = v
				} else {
					if len(named) > 0 {
						return nil, p.errorf(p.peek(), "positional argument follows keyword argument")
					}
					v, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					positional = append(positional, v)
				}
				if !p.isOp(",") {
					break
				}
				p.next()
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
		}

		args, err := spec.bind(positional, named)
		if err != nil {
			return nil, p.errorf(nameTok, "%s", err.Error())
		}
		x = &filterExpr{x: x, filter: spec, args: args, line: p.lineAt(bar)}
	}
	return x, nil
}

func (p *exprParser) parsePostfix() (expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isOp("."):
			dot := p.next()
			t := p.next()
			switch t.kind {
			case tokName:
				x = &attrExpr{obj: x, attr: t.val, line: p.lineAt(dot)}
			case tokNumber:
				i, err := strconv.ParseInt(t.val, 10, 64)
				if err != nil {
					return nil, p.errorf(t, "invalid index %s", t.val)
				}
				x = &indexExpr{obj: x, index: &literalExpr{val: i, line: p.lineAt(t)}, line: p.lineAt(dot)}
			default:
				return nil, p.errorf(t, "expected attribute name, got %s", describe(t))
			}
		case p.isOp("["):
			open := p.next()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			x = &indexExpr{obj: x, index: idx, line: p.lineAt(open)}
		case p.isOp("("):
			return nil, p.errorf(p.peek(), "function and method calls are not allowed")
		default:
			return x, nil
		}
	}
}

func (p *exprParser) parsePrimary() (expr, error) {
	t := p.next()
	line := p.lineAt(t)

	switch t.kind {
	case tokName:
		switch t.val {
		case "true", "True":
			return &literalExpr{val: true, line: line}, nil
		case "false", "False":
			return &literalExpr{val: false, line: line}, nil
		case "none", "None":
			return &literalExpr{val: nil, line: line}, nil
		case "and", "or", "not", "in", "is":
			return nil, p.errorf(t, "unexpected keyword '%s'", t.val)
		}
		return &nameExpr{name: t.val, line: line}, nil

	case tokNumber:
		if strings.Contains(t.val, ".") {
			f, err := strconv.ParseFloat(t.val, 64)
			if err != nil {
				return nil, p.errorf(t, "invalid number %s", t.val)
			}
			return &literalExpr{val: f, line: line}, nil
		}
		i, err := strconv.ParseInt(t.val, 10, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %s", t.val)
		}
		return &literalExpr{val: i, line: line}, nil

	case tokString:
		return &literalExpr{val: t.val, line: line}, nil

	case tokOp:
		switch t.val {
		case "(":
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return x, p.expectOp(")")
		case "[":
			list := &listExpr{line: line}
			for !p.isOp("]") {
				item, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				list.items = append(list.items, item)
				if !p.isOp(",") {
					break
				}
				p.next()
			}
			return list, p.expectOp("]")
		}
	}
	return nil, p.errorf(t, "unexpected %s", describe(t))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

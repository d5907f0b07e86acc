package sandbox

import "sort"

type scope struct {
	names  map[string]struct{}
	parent *scope
}

func newScope(parent *scope, names ...string) *scope {
	s := &scope{names: make(map[string]struct{}, len(names)), parent: parent}
	for _, n := range names {
		if n != "" {
			s.names[n] = struct{}{}
		}
	}
	return s
}

func (s *scope) declared(name string) bool {
	for c := s; c != nil; c = c.parent {
		if _, ok := c.names[name]; ok {
			return true
		}
	}
	return false
}

// freeVariables returns every name read before being bound by set or a
// loop, sorted. Link slots are not variables.
func freeVariables(nodes []node) []string {
	free := map[string]struct{}{}
	walkNodes(nodes, newScope(nil), free)

	out := make([]string, 0, len(free))
	for name := range free {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func walkNodes(nodes []node, sc *scope, free map[string]struct{}) {
	for _, n := range nodes {
		switch n := n.(type) {
		case *outputNode:
			walkExpr(n.x, sc, free)
		case *ifNode:
			for _, b := range n.branches {
				walkExpr(b.cond, sc, free)
				walkNodes(b.body, sc, free)
			}
			walkNodes(n.elseBody, sc, free)
		case *forNode:
			walkExpr(n.iter, sc, free)
			walkNodes(n.body, newScope(sc, n.key, n.value, "loop"), free)
			walkNodes(n.elseBody, sc, free)
		case *setNode:
			walkExpr(n.x, sc, free)
			sc.names[n.name] = struct{}{}
		}
	}
}

func walkExpr(x expr, sc *scope, free map[string]struct{}) {
	switch x := x.(type) {
	case *nameExpr:
		if !sc.declared(x.name) {
			free[x.name] = struct{}{}
		}
	case *attrExpr:
		walkExpr(x.obj, sc, free)
	case *indexExpr:
		walkExpr(x.obj, sc, free)
		walkExpr(x.index, sc, free)
	case *listExpr:
		for _, item := range x.items {
			walkExpr(item, sc, free)
		}
	case *unaryExpr:
		walkExpr(x.x, sc, free)
	case *binaryExpr:
		walkExpr(x.left, sc, free)
		walkExpr(x.right, sc, free)
	case *testExpr:
		walkExpr(x.x, sc, free)
	case *filterExpr:
		walkExpr(x.x, sc, free)
		for _, a := range x.args {
			if a != nil {
				walkExpr(a, sc, free)
			}
		}
	}
}

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

type renderer struct {
	out    strings.Builder
	escape bool
	frames []map[string]interface{}
}

func (r *renderer) lookup(name string) (interface{}, bool) {
	for i := len(r.frames) - 1; i >= 0; i-- {
		if v, ok := r.frames[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (r *renderer) renderNodes(nodes []node) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case *textNode:
			r.out.WriteString(n.text)

		case *linkSlotNode:
			// A slot that link substitution did not fill renders empty.

		case *outputNode:
			v, err := r.eval(n.x)
			if err != nil {
				return asRenderError(err, n.line)
			}
			s := toString(v)
			if r.escape {
				s = html.EscapeString(s)
			}
			r.out.WriteString(s)

		case *ifNode:
			matched := false
			for _, b := range n.branches {
				v, err := r.eval(b.cond)
				if err != nil {
					return asRenderError(err, b.cond.exprLine())
				}
				if truthy(v) {
					matched = true
					if err := r.renderNodes(b.body); err != nil {
						return err
					}
					break
				}
			}
			if !matched {
				if err := r.renderNodes(n.elseBody); err != nil {
					return err
				}
			}

		case *forNode:
			if err := r.renderFor(n); err != nil {
				return err
			}

		case *setNode:
			v, err := r.eval(n.x)
			if err != nil {
				return asRenderError(err, n.line)
			}
			r.frames[len(r.frames)-1][n.name] = v
		}
	}
	return nil
}

type iterItem struct {
	key   interface{}
	value interface{}
}

func (r *renderer) renderFor(n *forNode) error {
	seq, err := r.eval(n.iter)
	if err != nil {
		return asRenderError(err, n.line)
	}
	items, err := iterate(seq, n.key != "")
	if err != nil {
		return asRenderError(err, n.line)
	}
	if len(items) == 0 {
		return r.renderNodes(n.elseBody)
	}

	length := int64(len(items))
	for i, it := range items {
		frame := map[string]interface{}{
			n.value: it.value,
			"loop": map[string]interface{}{
				"index":    int64(i + 1),
				"index0":   int64(i),
				"revindex": length - int64(i),
				"first":    i == 0,
				"last":     int64(i) == length-1,
				"length":   length,
			},
		}
		if n.key != "" {
			frame[n.key] = it.key
		}
		r.frames = append(r.frames, frame)
		err := r.renderNodes(n.body)
		r.frames = r.frames[:len(r.frames)-1]
		if err != nil {
			return err
		}
	}
	return nil
}

func iterate(seq interface{}, pairs bool) ([]iterItem, error) {
	switch s := seq.(type) {
	case []interface{}:
		items := make([]iterItem, len(s))
		for i, v := range s {
			if !pairs {
				items[i] = iterItem{value: v}
				continue
			}
			pair, ok := v.([]interface{})
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("cannot unpack %s into two loop variables", typeName(v))
			}
			items[i] = iterItem{key: pair[0], value: pair[1]}
		}
		return items, nil

	case map[string]interface{}:
		keys := make([]string, 0, len(s))
		for k := range s {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]iterItem, len(keys))
		for i, k := range keys {
			if pairs {
				items[i] = iterItem{key: k, value: s[k]}
			} else {
				items[i] = iterItem{value: k}
			}
		}
		return items, nil

	case string:
		if pairs {
			return nil, fmt.Errorf("cannot unpack string into two loop variables")
		}
		var items []iterItem
		for _, c := range s {
			items = append(items, iterItem{value: string(c)})
		}
		return items, nil
	}
	return nil, fmt.Errorf("%s is not iterable", typeName(seq))
}

func (r *renderer) eval(x expr) (interface{}, error) {
	switch x := x.(type) {
	case *literalExpr:
		return x.val, nil

	case *listExpr:
		out := make([]interface{}, len(x.items))
		for i, item := range x.items {
			v, err := r.eval(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case *nameExpr:
		v, ok := r.lookup(x.name)
		if !ok {
			return nil, &undefinedError{what: "'" + x.name + "'", line: x.line}
		}
		return v, nil

	case *attrExpr:
		obj, err := r.eval(x.obj)
		if err != nil {
			return nil, err
		}
		return getKey(obj, x.attr, x.line)

	case *indexExpr:
		obj, err := r.eval(x.obj)
		if err != nil {
			return nil, err
		}
		idx, err := r.eval(x.index)
		if err != nil {
			return nil, err
		}
		return getIndex(obj, idx, x.line)

	case *unaryExpr:
		v, err := r.eval(x.x)
		if err != nil {
			return nil, err
		}
		if x.op == "not" {
			return !truthy(v), nil
		}
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, renderErr(x.line, "cannot negate %s", typeName(v))

	case *binaryExpr:
		return r.evalBinary(x)

	case *testExpr:
		v, err := r.eval(x.x)
		var result bool
		switch x.test {
		case "defined":
			var undef *undefinedError
			switch {
			case errors.As(err, &undef):
				result = false
			case err != nil:
				return nil, err
			default:
				result = true
			}
		default:
			if err != nil {
				return nil, err
			}
			result = v == nil
		}
		if x.negate {
			result = !result
		}
		return result, nil

	case *filterExpr:
		v, err := r.eval(x.x)
		if err != nil {
			return nil, err
		}
		args := make([]interface{}, len(x.args))
		for i, a := range x.args {
			if a == nil {
				args[i] = x.filter.defaults[i]
				continue
			}
			if args[i], err = r.eval(a); err != nil {
				return nil, err
			}
		}
		out, err := x.filter.fn(v, args)
		if err != nil {
			return nil, renderErr(x.line, "%s", err.Error())
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported expression %T", x)
}

func (r *renderer) evalBinary(x *binaryExpr) (interface{}, error) {
	left, err := r.eval(x.left)
	if err != nil {
		return nil, err
	}
	switch x.op {
	case "and":
		if !truthy(left) {
			return left, nil
		}
		return r.eval(x.right)
	case "or":
		if truthy(left) {
			return left, nil
		}
		return r.eval(x.right)
	}

	right, err := r.eval(x.right)
	if err != nil {
		return nil, err
	}

	switch x.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "<", "<=", ">", ">=":
		c, err := compare(left, right)
		if err != nil {
			return nil, renderErr(x.line, "%s", err.Error())
		}
		switch x.op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "in", "not in":
		found, err := contains(right, left)
		if err != nil {
			return nil, renderErr(x.line, "%s", err.Error())
		}
		if x.op == "not in" {
			return !found, nil
		}
		return found, nil
	case "~":
		return toString(left) + toString(right), nil
	}

	v, err := arithmetic(x.op, left, right)
	if err != nil {
		return nil, renderErr(x.line, "%s", err.Error())
	}
	return v, nil
}

func getKey(obj interface{}, key string, line int) (interface{}, error) {
	if m, ok := obj.(map[string]interface{}); ok {
		if v, ok := m[key]; ok {
			return v, nil
		}
		return nil, &undefinedError{what: "attribute '" + key + "'", line: line}
	}
	return nil, &undefinedError{what: fmt.Sprintf("attribute '%s' of %s", key, typeName(obj)), line: line}
}

func getIndex(obj, idx interface{}, line int) (interface{}, error) {
	switch o := obj.(type) {
	case map[string]interface{}:
		key, ok := idx.(string)
		if !ok {
			key = toString(idx)
		}
		return getKey(o, key, line)
	case []interface{}:
		i, ok := idx.(int64)
		if !ok {
			return nil, renderErr(line, "list index must be an integer, got %s", typeName(idx))
		}
		if i < 0 {
			i += int64(len(o))
		}
		if i < 0 || i >= int64(len(o)) {
			return nil, &undefinedError{what: fmt.Sprintf("index %d", i), line: line}
		}
		return o[i], nil
	}
	return nil, &undefinedError{what: fmt.Sprintf("item %s of %s", toString(idx), typeName(obj)), line: line}
}

func asRenderError(err error, line int) error {
	var re *RenderError
	if errors.As(err, &re) {
		return re
	}
	var undef *undefinedError
	if errors.As(err, &undef) {
		if undef.line > 0 {
			line = undef.line
		}
		return &RenderError{Line: line, Message: undef.Error()}
	}
	return &RenderError{Line: line, Message: err.Error()}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	case time.Time:
		return !t.IsZero()
	}
	return true
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equal(a, b interface{}) bool {
	if fa, ok := toNumber(a); ok {
		if fb, ok := toNumber(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b interface{}) (int, error) {
	if fa, ok := toNumber(a); ok {
		if fb, ok := toNumber(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			}
			return 0, nil
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), nil
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %s with %s", typeName(a), typeName(b))
}

func contains(container, item interface{}) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("'in <string>' requires a string, got %s", typeName(item))
		}
		return strings.Contains(c, s), nil
	case []interface{}:
		for _, v := range c {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[s]
		return found, nil
	}
	return false, fmt.Errorf("%s is not a container", typeName(container))
}

func arithmetic(op string, a, b interface{}) (interface{}, error) {
	if op == "+" {
		if sa, ok := a.(string); ok {
			if sb, ok := b.(string); ok {
				return sa + sb, nil
			}
		}
		if la, ok := a.([]interface{}); ok {
			if lb, ok := b.([]interface{}); ok {
				out := make([]interface{}, 0, len(la)+len(lb))
				return append(append(out, la...), lb...), nil
			}
		}
	}

	ia, aInt := a.(int64)
	ib, bInt := b.(int64)
	if aInt && bInt && op != "/" {
		switch op {
		case "+":
			return ia + ib, nil
		case "-":
			return ia - ib, nil
		case "*":
			return ia * ib, nil
		case "%":
			if ib == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return ia % ib, nil
		}
	}

	fa, okA := toNumber(a)
	fb, okB := toNumber(b)
	if !okA || !okB {
		return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", op, typeName(a), typeName(b))
	}
	switch op {
	case "+":
		return fa + fb, nil
	case "-":
		return fa - fb, nil
	case "*":
		return fa * fb, nil
	case "/":
		if fb == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return fa / fb, nil
	case "%":
		if fb == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return math.Mod(fa, fb), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	case []interface{}:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = toString(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "none"
	case string:
		return "string"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case time.Time:
		return "datetime"
	case []interface{}:
		return "list"
	case map[string]interface{}:
		return "mapping"
	}
	return fmt.Sprintf("%T", v)
}

// normalize converts caller-supplied context values into the closed set of
// types the evaluator understands. Anything else goes through JSON, so
// templates only ever see data, never methods.
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, string, bool, int64, float64, time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported context value of type %T: %w", v, err)
	}
	var decoded interface{}
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, err
	}
	return normalize(decoded)
}

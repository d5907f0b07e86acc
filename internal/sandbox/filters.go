package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// DefaultDateFormat is the format_date layout when none is given.
const DefaultDateFormat = "%d %B %Y"

type filterFunc func(v interface{}, args []interface{}) (interface{}, error)

type filterSpec struct {
	name     string
	params   []string
	defaults []interface{}
	fn       filterFunc
}

// filters is the complete filter surface; nothing else is callable.
var filters = map[string]*filterSpec{
	"format_date": {name: "format_date", params: []string{"fmt"}, defaults: []interface{}{DefaultDateFormat}, fn: formatDate},
	"upper":       {name: "upper", fn: upper},
	"lower":       {name: "lower", fn: lower},
	"join":        {name: "join", params: []string{"sep"}, defaults: []interface{}{", "}, fn: join},
}

// bind maps call arguments onto parameter slots; unset slots stay nil and
// receive their default at render time.
func (f *filterSpec) bind(positional []expr, named map[string]expr) ([]expr, error) {
	if len(positional) > len(f.params) {
		return nil, fmt.Errorf("filter '%s' takes at most %d argument(s), got %d", f.name, len(f.params), len(positional))
	}
	args := make([]expr, len(f.params))
	copy(args, positional)
	for name, x := range named {
		idx := -1
		for i, p := range f.params {
			if p == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("filter '%s' has no argument '%s'", f.name, name)
		}
		if args[idx] != nil {
			return nil, fmt.Errorf("filter '%s' got multiple values for '%s'", f.name, name)
		}
		args[idx] = x
	}
	return args, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func formatDate(v interface{}, args []interface{}) (interface{}, error) {
	layout := toString(args[0])
	switch t := v.(type) {
	case time.Time:
		return strftime.Format(layout, t), nil
	case string:
		for _, l := range dateLayouts {
			if parsed, err := time.Parse(l, t); err == nil {
				return strftime.Format(layout, parsed), nil
			}
		}
		return t, nil
	default:
		return toString(v), nil
	}
}

func upper(v interface{}, _ []interface{}) (interface{}, error) {
	return strings.ToUpper(toString(v)), nil
}

func lower(v interface{}, _ []interface{}) (interface{}, error) {
	return strings.ToLower(toString(v)), nil
}

func join(v interface{}, args []interface{}) (interface{}, error) {
	sep := toString(args[0])
	var parts []string
	switch seq := v.(type) {
	case []interface{}:
		parts = make([]string, len(seq))
		for i, item := range seq {
			parts[i] = toString(item)
		}
	case map[string]interface{}:
		for k := range seq {
			parts = append(parts, k)
		}
		sort.Strings(parts)
	case string:
		for _, r := range seq {
			parts = append(parts, string(r))
		}
	default:
		return nil, fmt.Errorf("join expects a sequence, got %s", typeName(v))
	}
	return strings.Join(parts, sep), nil
}

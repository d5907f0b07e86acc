// Package sandbox validates and renders user-authored notification
// templates. The language uses {{ }} and {% %} delimiters: output expressions,
// if/for/set blocks and four filters. Templates can only read the values
// they are given; there is no call syntax, no template composition and no
// access to anything outside the render context.
package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxTemplateLength is the largest accepted body, in characters.
const MaxTemplateLength = 100_000

// AllowedVariables is the engine-level whitelist of top-level names.
var AllowedVariables = []string{"user", "extra", "current_date"}

var forbiddenTagRe = regexp.MustCompile(`(?i)\{%-?\s*(extends|include|import|from|call|macro)\b`)

// Mode selects output escaping.
type Mode int

const (
	// ModeHTML escapes every expression result.
	ModeHTML Mode = iota
	// ModeText leaves expression results as-is, for plain-text channels.
	ModeText
)

// ModeFor picks the mode for a channel.
func ModeFor(plainText bool) Mode {
	if plainText {
		return ModeText
	}
	return ModeHTML
}

// Engine holds the whitelist every template is checked against.
type Engine struct {
	allowed map[string]struct{}
}

func New() *Engine {
	allowed := make(map[string]struct{}, len(AllowedVariables))
	for _, name := range AllowedVariables {
		allowed[name] = struct{}{}
	}
	return &Engine{allowed: allowed}
}

// Template is a parsed body that passed validation.
type Template struct {
	engine *Engine
	nodes  []node
	free   []string
}

// Variables returns the top-level names the template reads, sorted.
func (t *Template) Variables() []string {
	return append([]string(nil), t.free...)
}

// LinkSlots returns the indexes of {{linkN}} placeholders, sorted.
func (t *Template) LinkSlots() []int {
	seen := map[int]struct{}{}
	collectSlots(t.nodes, seen)
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func collectSlots(nodes []node, seen map[int]struct{}) {
	for _, n := range nodes {
		switch n := n.(type) {
		case *linkSlotNode:
			seen[n.index] = struct{}{}
		case *ifNode:
			for _, b := range n.branches {
				collectSlots(b.body, seen)
			}
			collectSlots(n.elseBody, seen)
		case *forNode:
			collectSlots(n.body, seen)
			collectSlots(n.elseBody, seen)
		}
	}
}

// Validate runs every static check. It returns nil or a *ValidationError.
func (e *Engine) Validate(body string) error {
	_, err := e.Compile(body)
	return err
}

// Compile validates body and returns the parsed template.
func (e *Engine) Compile(body string) (*Template, error) {
	if body == "" {
		return &Template{engine: e}, nil
	}

	if n := utf8.RuneCountInString(body); n > MaxTemplateLength {
		return nil, &ValidationError{
			Kind:    KindTooLarge,
			Message: fmt.Sprintf("template is %d characters, limit is %d", n, MaxTemplateLength),
		}
	}

	if loc := forbiddenTagRe.FindStringSubmatchIndex(body); loc != nil {
		return nil, &ValidationError{
			Kind:    KindForbiddenTag,
			Line:    strings.Count(body[:loc[0]], "\n") + 1,
			Message: fmt.Sprintf("forbidden tag '%s'", strings.ToLower(body[loc[2]:loc[3]])),
		}
	}

	segs, err := splitSegments(body)
	if err != nil {
		return nil, err
	}
	nodes, err := parseTemplate(segs)
	if err != nil {
		return nil, err
	}

	free := freeVariables(nodes)
	var invalid []string
	for _, name := range free {
		if _, ok := e.allowed[name]; !ok {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return nil, &ValidationError{Kind: KindUndeclared, Names: invalid}
	}

	return &Template{engine: e, nodes: nodes, free: free}, nil
}

// Render validates body and renders it against ctx.
func (e *Engine) Render(body string, ctx map[string]interface{}, mode Mode) (string, error) {
	t, err := e.Compile(body)
	if err != nil {
		return "", err
	}
	return t.Execute(ctx, mode)
}

// Execute renders the template. Only whitelisted keys of ctx are visible,
// and every variable the template reads must be present in ctx.
func (t *Template) Execute(ctx map[string]interface{}, mode Mode) (string, error) {
	root := make(map[string]interface{}, len(t.engine.allowed))
	for name := range t.engine.allowed {
		v, ok := ctx[name]
		if !ok {
			continue
		}
		nv, err := normalize(v)
		if err != nil {
			return "", &RenderError{Message: fmt.Sprintf("context value %q: %v", name, err)}
		}
		root[name] = nv
	}

	var missing []string
	for _, name := range t.free {
		if _, ok := root[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", &RenderError{
			Message: fmt.Sprintf("variables not provided by this context: %s", strings.Join(missing, ", ")),
		}
	}

	r := &renderer{
		escape: mode == ModeHTML,
		frames: []map[string]interface{}{root},
	}
	if err := r.renderNodes(t.nodes); err != nil {
		return "", err
	}
	return r.out.String(), nil
}

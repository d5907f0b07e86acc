package sandbox

import (
	"fmt"
	"strings"
)

type segmentKind int

const (
	segText segmentKind = iota
	segOutput
	segTag
)

// segment is a raw slice of the template: literal text, a {{ }} output or a
// {% %} tag. Comments are dropped during splitting.
type segment struct {
	kind    segmentKind
	content string
	line    int
}

const whitespace = " \t\r\n"

func splitSegments(src string) ([]segment, error) {
	var (
		segs     []segment
		line     = 1
		i        = 0
		trimNext = false
	)

	for i < len(src) {
		start := indexOpener(src, i)
		if start < 0 {
			text := src[i:]
			if trimNext {
				text = strings.TrimLeft(text, whitespace)
			}
			if text != "" {
				segs = append(segs, segment{kind: segText, content: text, line: line})
			}
			break
		}

		text := src[i:start]
		if trimNext {
			text = strings.TrimLeft(text, whitespace)
			trimNext = false
		}
		textLine := line
		line += strings.Count(src[i:start], "\n")

		opener := src[start : start+2]
		inner := start + 2
		if inner < len(src) && src[inner] == '-' {
			text = strings.TrimRight(text, whitespace)
			inner++
		}
		if text != "" {
			segs = append(segs, segment{kind: segText, content: text, line: textLine})
		}

		var end int
		switch opener {
		case "{#":
			end = strings.Index(src[inner:], "#}")
			if end >= 0 {
				end += inner
			}
		case "{{":
			end = findCloser(src, inner, "}}")
		default:
			end = findCloser(src, inner, "%}")
		}
		if end < 0 {
			return nil, syntaxErr(line, "unclosed %q", opener)
		}

		content := src[inner:end]
		if strings.HasSuffix(content, "-") {
			content = content[:len(content)-1]
			trimNext = true
		}

		switch opener {
		case "{{":
			segs = append(segs, segment{kind: segOutput, content: content, line: line})
		case "{%":
			segs = append(segs, segment{kind: segTag, content: content, line: line})
		}

		line += strings.Count(src[start:end+2], "\n")
		i = end + 2
	}

	return segs, nil
}

func indexOpener(src string, from int) int {
	for j := from; j < len(src)-1; j++ {
		if src[j] != '{' {
			continue
		}
		switch src[j+1] {
		case '{', '%', '#':
			return j
		}
	}
	return -1
}

// findCloser returns the index of closer, skipping over quoted strings.
func findCloser(src string, from int, closer string) int {
	var quote byte
	for j := from; j < len(src)-1; j++ {
		c := src[j]
		if quote != 0 {
			if c == '\\' {
				j++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if c == closer[0] && src[j+1] == closer[1] {
			return j
		}
	}
	return -1
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokName
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

var twoCharOps = []string{"==", "!=", "<=", ">="}

const oneCharOps = "<>+-*/%~|.,()[]="

func tokenize(src string) ([]token, int, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case strings.IndexByte(whitespace, c) >= 0:
			i++

		case isNameStart(c):
			j := i + 1
			for j < len(src) && isNameChar(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokName, val: src[i:j], pos: i})
			i = j

		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(src) && src[j] >= '0' && src[j] <= '9' {
				j++
			}
			if j+1 < len(src) && src[j] == '.' && src[j+1] >= '0' && src[j+1] <= '9' {
				j++
				for j < len(src) && src[j] >= '0' && src[j] <= '9' {
					j++
				}
			}
			toks = append(toks, token{kind: tokNumber, val: src[i:j], pos: i})
			i = j

		case c == '\'' || c == '"':
			s, next, ok := scanString(src, i)
			if !ok {
				return nil, i, errUnterminatedString
			}
			toks = append(toks, token{kind: tokString, val: s, pos: i})
			i = next

		default:
			matched := false
			if i+1 < len(src) {
				for _, op := range twoCharOps {
					if src[i:i+2] == op {
						toks = append(toks, token{kind: tokOp, val: op, pos: i})
						i += 2
						matched = true
						break
					}
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte(oneCharOps, c) >= 0 {
				toks = append(toks, token{kind: tokOp, val: string(c), pos: i})
				i++
				continue
			}
			return nil, i, &unexpectedCharError{c: c}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, 0, nil
}

func scanString(src string, start int) (string, int, bool) {
	quote := src[start]
	var b strings.Builder
	for j := start + 1; j < len(src); j++ {
		c := src[j]
		switch {
		case c == '\\' && j+1 < len(src):
			j++
			switch src[j] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[j])
			}
		case c == quote:
			return b.String(), j + 1, true
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, false
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

type lexError string

func (e lexError) Error() string { return string(e) }

const errUnterminatedString = lexError("unterminated string literal")

type unexpectedCharError struct{ c byte }

func (e *unexpectedCharError) Error() string {
	return fmt.Sprintf("unexpected character %q", e.c)
}

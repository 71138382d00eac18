// Package templating evaluates section bodies: {{ path }} substitution,
// {{#if expr}}...{{else}}...{{/if}} blocks and dotted lookups into a context
// map. It has no access to functions or host state.
package templating

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	KindMissingValue = "missing_value"
	KindNotScalar    = "not_scalar"
	KindSyntax       = "syntax"
)

// Diagnostic describes a placeholder or block that rendered as empty text.
type Diagnostic struct {
	Kind    string `json:"kind"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

var pathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*(\.[A-Za-z0-9_\-]+)*$`)

type node interface{}

type textNode string

type varNode struct {
	path string
	line int
}

type ifNode struct {
	cond   condition
	then   []node
	els    []node
	inElse bool
	line   int
}

type operand struct {
	path    string
	literal string
	isLit   bool
}

type condition struct {
	negate bool
	left   operand
	op     string
	right  operand
}

// Template is a parsed section body.
type Template struct {
	nodes       []node
	diagnostics []Diagnostic
}

// Parse compiles body. Syntax problems never fail the parse; the offending
// tag renders as empty text and a diagnostic is kept on the template.
func Parse(body string) *Template {
	t := &Template{}
	root := &ifNode{}
	stack := []*ifNode{root}

	appendNode := func(n node) {
		top := stack[len(stack)-1]
		if top.inElse {
			top.els = append(top.els, n)
			return
		}
		top.then = append(top.then, n)
	}

	rest := body
	offset := 0
	for len(rest) > 0 {
		start := strings.Index(rest, "{{")
		if start < 0 {
			appendNode(textNode(rest))
			break
		}
		if start > 0 {
			appendNode(textNode(rest[:start]))
		}
		line := lineAt(body, offset+start)
		end := strings.Index(rest[start+2:], "}}")
		if end < 0 {
			t.syntax(line, "unterminated tag")
			break
		}
		tag := strings.TrimSpace(rest[start+2 : start+2+end])
		consumed := start + 2 + end + 2
		rest = rest[consumed:]
		offset += consumed

		switch {
		case strings.HasPrefix(tag, "#if ") || tag == "#if":
			cond, err := parseCondition(strings.TrimSpace(strings.TrimPrefix(tag, "#if")))
			block := &ifNode{cond: cond, line: line}
			if err != nil {
				t.syntax(line, err.Error())
				block.cond = condition{left: operand{isLit: true, literal: ""}}
			}
			appendNode(block)
			stack = append(stack, block)
		case tag == "else":
			if len(stack) == 1 {
				t.syntax(line, "else outside of an if block")
				continue
			}
			top := stack[len(stack)-1]
			if top.inElse {
				t.syntax(line, "duplicate else in if block")
				continue
			}
			top.inElse = true
		case tag == "/if":
			if len(stack) == 1 {
				t.syntax(line, "/if without a matching if")
				continue
			}
			stack = stack[:len(stack)-1]
		case strings.HasPrefix(tag, "#") || strings.HasPrefix(tag, "/"):
			t.syntax(line, fmt.Sprintf("unsupported block %q", tag))
		case pathPattern.MatchString(tag):
			appendNode(varNode{path: tag, line: line})
		default:
			t.syntax(line, fmt.Sprintf("invalid placeholder %q", tag))
		}
	}

	for len(stack) > 1 {
		open := stack[len(stack)-1]
		t.syntax(open.line, "if block is never closed")
		stack = stack[:len(stack)-1]
		dropNode(stack[len(stack)-1], open)
	}
	t.nodes = root.then
	return t
}

// Diagnostics returns the syntax problems found while parsing.
func (t *Template) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), t.diagnostics...)
}

func (t *Template) syntax(line int, message string) {
	t.diagnostics = append(t.diagnostics, Diagnostic{Kind: KindSyntax, Line: line, Message: message})
}

// dropNode removes an unclosed block from its parent so it renders as nothing.
func dropNode(parent *ifNode, target *ifNode) {
	list := &parent.then
	if parent.inElse {
		list = &parent.els
	}
	for i := len(*list) - 1; i >= 0; i-- {
		if n, ok := (*list)[i].(*ifNode); ok && n == target {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func parseCondition(expr string) (condition, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return condition{}, err
	}
	var cond condition
	if len(tokens) > 0 && tokens[0] == "not" {
		cond.negate = true
		tokens = tokens[1:]
	}
	switch len(tokens) {
	case 1:
		left, err := parseOperand(tokens[0])
		if err != nil {
			return condition{}, err
		}
		cond.left = left
	case 3:
		if tokens[1] != "==" && tokens[1] != "!=" {
			return condition{}, fmt.Errorf("unsupported operator %q", tokens[1])
		}
		left, err := parseOperand(tokens[0])
		if err != nil {
			return condition{}, err
		}
		right, err := parseOperand(tokens[2])
		if err != nil {
			return condition{}, err
		}
		cond.left, cond.op, cond.right = left, tokens[1], right
	default:
		return condition{}, fmt.Errorf("invalid condition %q", expr)
	}
	return cond, nil
}

func parseOperand(token string) (operand, error) {
	if len(token) >= 2 && (token[0] == '"' || token[0] == '\'') {
		return operand{isLit: true, literal: token[1 : len(token)-1]}, nil
	}
	if token == "true" || token == "false" {
		return operand{isLit: true, literal: token}, nil
	}
	if _, err := strconv.ParseFloat(token, 64); err == nil {
		return operand{isLit: true, literal: token}, nil
	}
	if pathPattern.MatchString(token) {
		return operand{path: token}, nil
	}
	return operand{}, fmt.Errorf("invalid operand %q", token)
}

func tokenize(expr string) ([]string, error) {
	tokens := make([]string, 0, 4)
	i := 0
	for i < len(expr) {
		switch c := expr[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == '"' || c == '\'':
			end := strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string in %q", expr)
			}
			tokens = append(tokens, expr[i:i+end+2])
			i += end + 2
		case c == '=' || c == '!':
			if i+1 >= len(expr) || expr[i+1] != '=' {
				return nil, fmt.Errorf("invalid operator in %q", expr)
			}
			tokens = append(tokens, expr[i:i+2])
			i += 2
		default:
			j := i
			for j < len(expr) && expr[j] != ' ' && expr[j] != '\t' && expr[j] != '=' && expr[j] != '!' {
				j++
			}
			tokens = append(tokens, expr[i:j])
			i = j
		}
	}
	return tokens, nil
}

func lineAt(body string, offset int) int {
	return strings.Count(body[:offset], "\n") + 1
}

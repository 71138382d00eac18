package templating

import (
	"fmt"
	"html"
	"reflect"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Context is the lookup root for a render. Nested values are maps keyed by
// the next path segment.
type Context map[string]any

// Fragment is trusted markup inserted without escaping. Any other string
// value is HTML-escaped on substitution.
type Fragment string

// Render parses and executes body in one step.
func Render(body string, ctx Context) (string, []Diagnostic) {
	return Parse(body).Execute(ctx)
}

// Execute renders the template. Missing or non-scalar lookups render as
// empty text and are reported as diagnostics alongside parse diagnostics.
func (t *Template) Execute(ctx Context) (string, []Diagnostic) {
	r := &renderer{ctx: ctx, diagnostics: t.Diagnostics()}
	r.nodes(t.nodes)
	return r.out.String(), r.diagnostics
}

type renderer struct {
	ctx         Context
	out         strings.Builder
	diagnostics []Diagnostic
}

func (r *renderer) nodes(nodes []node) {
	for _, n := range nodes {
		switch typed := n.(type) {
		case textNode:
			r.out.WriteString(string(typed))
		case varNode:
			r.variable(typed)
		case *ifNode:
			if r.eval(typed.cond) {
				r.nodes(typed.then)
			} else {
				r.nodes(typed.els)
			}
		}
	}
}

func (r *renderer) variable(v varNode) {
	value, ok := Lookup(r.ctx, v.path)
	if !ok {
		r.diagnostics = append(r.diagnostics, Diagnostic{
			Kind:    KindMissingValue,
			Line:    v.line,
			Message: fmt.Sprintf("no value for %q", v.path),
		})
		return
	}
	switch typed := value.(type) {
	case nil:
	case Fragment:
		r.out.WriteString(string(typed))
	default:
		text, ok := scalarString(typed)
		if !ok {
			r.diagnostics = append(r.diagnostics, Diagnostic{
				Kind:    KindNotScalar,
				Line:    v.line,
				Message: fmt.Sprintf("%q is not a printable value", v.path),
			})
			return
		}
		r.out.WriteString(html.EscapeString(text))
	}
}

// eval resolves a condition. Missing values are falsy and not reported.
func (r *renderer) eval(c condition) bool {
	var result bool
	if c.op == "" {
		result = truthy(r.operand(c.left))
	} else {
		equal := valuesEqual(r.operand(c.left), r.operand(c.right))
		result = equal == (c.op == "==")
	}
	if c.negate {
		return !result
	}
	return result
}

func (r *renderer) operand(o operand) any {
	if o.isLit {
		return o.literal
	}
	value, _ := Lookup(r.ctx, o.path)
	return value
}

// Lookup resolves a dotted path. Keys that themselves contain dots are
// matched by joining segments when the single segment is absent.
func Lookup(ctx Context, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = map[string]any(ctx)
	for i := 0; i < len(segments); {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		found := false
		for j := i + 1; j <= len(segments); j++ {
			key := strings.Join(segments[i:j], ".")
			if next, ok := m[key]; ok {
				current = next
				i = j
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return current, true
}

func asMap(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case map[string]any:
		return typed, true
	case Context:
		return typed, true
	case map[string]string:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = val
		}
		return out, true
	case map[string]Fragment:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = val
		}
		return out, true
	}
	return nil, false
}

func scalarString(v any) (string, bool) {
	switch typed := v.(type) {
	case string:
		return typed, true
	case bool:
		return strconv.FormatBool(typed), true
	case decimal.Decimal:
		return typed.String(), true
	case fmt.Stringer:
		return typed.String(), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(typed), true
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	}
	return "", false
}

func truthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != "" && typed != "false" && typed != "0"
	case Fragment:
		return typed != ""
	case decimal.Decimal:
		return !typed.IsZero()
	}
	if d, ok := toDecimal(v); ok {
		return !d.IsZero()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// valuesEqual compares numerically when both sides are numbers and as text
// otherwise.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Equal(db)
		}
	}
	sa, okA := scalarString(a)
	sb, okB := scalarString(b)
	return okA && okB && sa == sb
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch typed := v.(type) {
	case decimal.Decimal:
		return typed, true
	case int:
		return decimal.NewFromInt(int64(typed)), true
	case int32:
		return decimal.NewFromInt(int64(typed)), true
	case int64:
		return decimal.NewFromInt(typed), true
	case float64:
		return decimal.NewFromFloat(typed), true
	case fmt.Stringer:
		d, err := decimal.NewFromString(typed.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(typed))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

package automation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// templateRe matches {{path.to.value}} placeholders
var templateRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// programCache caches compiled path expressions; definitions reuse the
// same handful of paths across many runs
var programCache sync.Map // string -> *vm.Program

func compilePath(path string) (*vm.Program, error) {
	if cached, ok := programCache.Load(path); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(path, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	programCache.Store(path, program)
	return program, nil
}

// ResolvePath evaluates a dotted context path (or any expression the
// path grammar allows) against the environment. A path that fails to
// resolve is reported as absent, not as an error.
func ResolvePath(path string, env map[string]any) (any, bool) {
	program, err := compilePath(path)
	if err != nil {
		return nil, false
	}
	out, err := vm.Run(program, env)
	if err != nil {
		return nil, false
	}
	if out == nil {
		return nil, false
	}
	return out, true
}

// ResolveTemplate resolves {{path}} placeholders against the context.
// A string that is exactly one placeholder yields the underlying value
// with its type intact; mixed strings stringify each placeholder.
// Unresolvable placeholders become empty strings.
func ResolveTemplate(s string, env map[string]any) any {
	matches := templateRe.FindStringSubmatch(s)
	if matches != nil && strings.TrimSpace(s) == matches[0] {
		val, ok := ResolvePath(matches[1], env)
		if !ok {
			return ""
		}
		return val
	}

	return templateRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		val, ok := ResolvePath(path, env)
		if !ok {
			return ""
		}
		return toString(val)
	})
}

// ResolveTemplateString is ResolveTemplate for callers that need a string
func ResolveTemplateString(s string, env map[string]any) string {
	return toString(ResolveTemplate(s, env))
}

// ResolveValue walks an arbitrary settings value and resolves every
// string through ResolveTemplate
func ResolveValue(v any, env map[string]any) any {
	switch val := v.(type) {
	case string:
		return ResolveTemplate(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, env)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = ResolveTemplateString(item, env)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, env)
		}
		return out
	default:
		return v
	}
}

// EvaluateExpression compiles and runs a transform expression against
// the context. Unlike path resolution, failures here are real errors:
// a transform_data step with a broken expression must fail, not
// silently produce nil.
func EvaluateExpression(expression string, env map[string]any) (any, error) {
	program, err := compilePath(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	out, err := vm.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("expression %q failed: %w", expression, err)
	}
	return out, nil
}

package evaluator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Interpreter executes a code payload against an environment. Eval may bind
// new names into env and returns the value of the payload's final
// expression. Implementations must honor ctx cancellation on anything that
// blocks, and must only bind JSON-representable values.
type Interpreter interface {
	Eval(ctx context.Context, code string, env Bindings) (any, error)
}

// Builtin is a minimal line-oriented interpreter: each line is either an
// assignment ("name = expr") or a bare expression. Expressions are string or
// number literals, true/false/nil, references to bound names, and "+" chains
// (numeric addition or string concatenation). It exists so a runtime can run
// without an external language attached; anything richer plugs in behind
// Interpreter.
type Builtin struct{}

func (Builtin) Eval(ctx context.Context, code string, env Bindings) (any, error) {
	var last any
	for n, line := range strings.Split(code, "\n") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, expr, isAssign := cutAssign(line)
		if isAssign {
			if !isIdent(name) {
				return nil, fmt.Errorf("line %d: invalid name %q", n+1, name)
			}
			v, err := evalExpr(expr, env)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n+1, err)
			}
			env[name] = v
			last = v
			continue
		}

		v, err := evalExpr(line, env)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		last = v
	}
	return last, nil
}

// cutAssign splits "name = expr", ignoring '=' inside string literals.
func cutAssign(line string) (name, expr string, ok bool) {
	if i := strings.IndexByte(line, '"'); i >= 0 {
		if j := strings.IndexByte(line[:i], '='); j >= 0 {
			return strings.TrimSpace(line[:j]), strings.TrimSpace(line[j+1:]), true
		}
		return "", "", false
	}
	before, after, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(before), strings.TrimSpace(after), true
}

func evalExpr(expr string, env Bindings) (any, error) {
	terms, err := splitTerms(expr)
	if err != nil {
		return nil, err
	}
	acc, err := evalTerm(terms[0], env)
	if err != nil {
		return nil, err
	}
	for _, t := range terms[1:] {
		v, err := evalTerm(t, env)
		if err != nil {
			return nil, err
		}
		acc, err = add(acc, v)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// splitTerms breaks an expression on "+", respecting string literals.
func splitTerms(expr string) ([]string, error) {
	var terms []string
	var cur strings.Builder
	inString := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '"' && (i == 0 || expr[i-1] != '\\'):
			inString = !inString
			cur.WriteByte(c)
		case c == '+' && !inString:
			terms = append(terms, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inString {
		return nil, fmt.Errorf("unterminated string in %q", expr)
	}
	terms = append(terms, strings.TrimSpace(cur.String()))
	for _, t := range terms {
		if t == "" {
			return nil, fmt.Errorf("empty term in %q", expr)
		}
	}
	return terms, nil
}

func evalTerm(term string, env Bindings) (any, error) {
	switch {
	case strings.HasPrefix(term, "\""):
		s, err := strconv.Unquote(term)
		if err != nil {
			return nil, fmt.Errorf("bad string literal %s", term)
		}
		return s, nil
	case term == "true":
		return true, nil
	case term == "false":
		return false, nil
	case term == "nil":
		return nil, nil
	}
	if f, err := strconv.ParseFloat(term, 64); err == nil {
		return f, nil
	}
	if !isIdent(term) {
		return nil, fmt.Errorf("cannot parse %q", term)
	}
	v, ok := env[term]
	if !ok {
		return nil, fmt.Errorf("undefined binding %q", term)
	}
	return v, nil
}

func add(a, b any) (any, error) {
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return af + bf, nil
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as + bs, nil
		}
	}
	return nil, fmt.Errorf("cannot add %T and %T", a, b)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

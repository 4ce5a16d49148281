// Package sanitize quotes and escapes scalars/lists for the backend filter
// grammar, and expands `?`-placeholder templates (spec §4.2). It is a pure,
// dependency-free package, grounded on the teacher's
// internal/mangle/transpiler/sanitizer.go, which likewise performs string
// transforms with nothing beyond the stdlib.
package sanitize

import (
	"fmt"
	"strconv"
	"strings"

	"tscore/internal/predicate"
)

// Quote renders a single scalar as a backend literal: booleans/ints/floats
// unquoted, strings backtick-quoted with embedded backticks escaped, and
// null rejected (spec §4.2).
func Quote(v predicate.Value) (string, error) {
	switch v.Kind {
	case predicate.ValueNull:
		return "", fmt.Errorf("null values cannot be quoted in a filter expression")
	case predicate.ValueBool:
		return strconv.FormatBool(v.Bool), nil
	case predicate.ValueInt:
		return strconv.FormatInt(v.Int, 10), nil
	case predicate.ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64), nil
	case predicate.ValueString:
		return quoteString(v.Str), nil
	default:
		return "", fmt.Errorf("cannot quote a list as a scalar")
	}
}

func quoteString(s string) string {
	var sb strings.Builder
	sb.WriteByte('`')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '`' || c == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	sb.WriteByte('`')
	return sb.String()
}

// QuoteList renders "[v1,v2,...]" with each element quoted.
func QuoteList(v predicate.Value) (string, error) {
	if v.Kind != predicate.ValueList {
		return "", fmt.Errorf("QuoteList requires a list value")
	}
	parts := make([]string, len(v.List))
	for i, item := range v.List {
		q, err := Quote(item)
		if err != nil {
			return "", err
		}
		parts[i] = q
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}

// ApplyPlaceholders substitutes `?` in template left-to-right with quoted
// args; `\?` escapes to a literal `?`. Errors when the unescaped `?` count
// doesn't match len(args) (spec §4.2, §8 boundary: arity mismatch raises).
func ApplyPlaceholders(template string, args []predicate.Value) (string, error) {
	var sb strings.Builder
	argIdx := 0
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '\\' && i+1 < len(template) && template[i+1] == '?':
			sb.WriteByte('?')
			i++
		case c == '?':
			if argIdx >= len(args) {
				return "", fmt.Errorf("too few arguments for template %q: expected more than %d", template, len(args))
			}
			q, err := Quote(args[argIdx])
			if err != nil {
				return "", err
			}
			sb.WriteString(q)
			argIdx++
		default:
			sb.WriteByte(c)
		}
	}
	if argIdx != len(args) {
		return "", fmt.Errorf("argument count mismatch for template %q: template has %d placeholder(s), got %d argument(s)", template, argIdx, len(args))
	}
	return sb.String(), nil
}

package transformer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// JSONTransformer implements jsonpath selection over JSON documents.
//
// Expressions are either a plain jsonpath, or a jsonpath followed by a
// top-level comparison against a literal: equality (==), ranges
// (>=, <=, >, <) and set membership (|=[...]). The comparison operator
// is located outside quoted strings and square-bracketed
// sub-expressions, so filters like $.`this`[?(@.name="test")] keep
// their inner operators.
type JSONTransformer struct{}

// Transform decodes the payload into a JSON document tree.
func (JSONTransformer) Transform(payload string) (any, error) {
	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("failed to transform input as JSON: %w", err)
	}
	return doc, nil
}

// Parse compiles an extended jsonpath expression.
func (JSONTransformer) Parse(expression string) (Selector, error) {
	path, op, literal := getOuterOp(expression)

	compiled, err := jp.ParseString(normalizeJSONPath(path))
	if err != nil {
		return nil, fmt.Errorf("unable to parse JSON path %q: %w", path, err)
	}

	var members []string
	if op == "|=" {
		members, err = parseMemberList(literal)
		if err != nil {
			return nil, err
		}
	}

	return func(doc any) ([]string, error) {
		values := compiled.Get(doc)

		var matches []string
		for _, value := range values {
			keep := false
			switch op {
			case "":
				keep = true
			case "==":
				keep = compareEqual(value, literal)
			case ">", "<", ">=", "<=":
				keep = compareOrdered(value, op, literal)
			case "|=":
				for _, member := range members {
					if compareEqual(value, member) {
						keep = true
						break
					}
				}
			}
			if keep {
				matches = append(matches, stringifyJSONValue(value))
			}
		}

		return matches, nil
	}, nil
}

// getOuterOp splits an expression into path, operator and literal at the
// first top-level comparison operator. Operators inside quotes or square
// brackets are part of the path.
func getOuterOp(expression string) (path, op, literal string) {
	var (
		depth int
		quote rune
	)

	runes := []rune(expression)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			continue
		case r == '\'' || r == '"' || r == '`':
			quote = r
			continue
		case r == '[':
			depth++
			continue
		case r == ']':
			if depth > 0 {
				depth--
			}
			continue
		}

		if depth > 0 {
			continue
		}

		rest := string(runes[i:])
		for _, candidate := range []string{"|=", ">=", "<=", "==", ">", "<"} {
			if strings.HasPrefix(rest, candidate) {
				path = strings.TrimSpace(string(runes[:i]))
				literal = strings.TrimSpace(rest[len(candidate):])
				return path, candidate, literal
			}
		}
	}

	return strings.TrimSpace(expression), "", ""
}

// normalizeJSONPath rewrites the jsonpath dialect used in load scenarios
// to the one the jp parser understands: the `this` root alias becomes $,
// and bare = inside filter scripts becomes ==.
func normalizeJSONPath(path string) string {
	path = strings.ReplaceAll(path, "$.`this`", "$")

	var (
		out   strings.Builder
		quote rune
	)
	runes := []rune(path)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if quote != 0 {
			if r == quote {
				quote = 0
			}
			out.WriteRune(r)
			continue
		}

		switch r {
		case '\'', '"':
			quote = r
			out.WriteRune(r)
		case '=':
			prev := byte(0)
			if i > 0 {
				prev = byte(runes[i-1])
			}
			next := byte(0)
			if i+1 < len(runes) {
				next = byte(runes[i+1])
			}
			if strings.IndexByte("=<>!", prev) == -1 && next != '=' {
				out.WriteString("==")
			} else {
				out.WriteRune(r)
			}
		default:
			out.WriteRune(r)
		}
	}

	return out.String()
}

// parseMemberList parses the right-hand side of a |= expression, a
// bracketed list of quoted strings or bare literals.
func parseMemberList(literal string) ([]string, error) {
	trimmed := strings.TrimSpace(literal)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return nil, fmt.Errorf("expected a list of values, got %q", literal)
	}

	var members []string
	for _, member := range strings.Split(trimmed[1:len(trimmed)-1], ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		members = append(members, unquote(member))
	}

	if len(members) == 0 {
		return nil, fmt.Errorf("expected a non-empty list of values, got %q", literal)
	}

	return members, nil
}

func compareEqual(value any, literal string) bool {
	literal = unquote(literal)

	if number, ok := asNumber(value); ok {
		if wanted, err := strconv.ParseFloat(literal, 64); err == nil {
			return number == wanted
		}
	}

	if boolean, ok := value.(bool); ok {
		if wanted, err := strconv.ParseBool(literal); err == nil {
			return boolean == wanted
		}
	}

	return stringifyJSONValue(value) == literal
}

func compareOrdered(value any, op, literal string) bool {
	number, ok := asNumber(value)
	if !ok {
		return false
	}
	wanted, err := strconv.ParseFloat(unquote(literal), 64)
	if err != nil {
		return false
	}

	switch op {
	case ">":
		return number > wanted
	case "<":
		return number < wanted
	case ">=":
		return number >= wanted
	case "<=":
		return number <= wanted
	default:
		return false
	}
}

func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if first == last && (first == '\'' || first == '"') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringifyJSONValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

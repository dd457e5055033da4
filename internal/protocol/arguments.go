package protocol

import (
	"fmt"
	"strings"
)

// Arguments is a parsed endpoint string: an ordered set of key/value
// segments such as "queue:INCOMING, expression:$.name=='bob'".
type Arguments map[string]string

// ParseArguments splits an endpoint string on the segment grammar
// `key ":" value (", " key ":" value)*`. Commas inside quotes or
// brackets belong to the value, so selector expressions survive intact.
func ParseArguments(endpoint string) (Arguments, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("no endpoint specified")
	}

	args := make(Arguments)
	for _, segment := range splitSegments(endpoint) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		key, value, found := strings.Cut(segment, ":")
		if !found {
			return nil, fmt.Errorf("incorrect format in arguments: %q", endpoint)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(unquote(value))
		if key == "" || value == "" {
			return nil, fmt.Errorf("incorrect format in arguments: %q", endpoint)
		}
		if _, exists := args[key]; exists {
			return nil, fmt.Errorf("argument %q repeated in %q", key, endpoint)
		}

		args[key] = value
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("incorrect format in arguments: %q", endpoint)
	}

	return args, nil
}

// Validate checks the parsed arguments against the per-integration
// grammar: every required key present, no unrecognized keys.
func (a Arguments) Validate(required []string, allowed []string) error {
	for _, key := range required {
		if _, ok := a[key]; !ok {
			return fmt.Errorf("endpoint needs to be specified with %q", key)
		}
	}

	for key := range a {
		recognized := false
		for _, candidate := range allowed {
			if key == candidate {
				recognized = true
				break
			}
		}
		if !recognized {
			return fmt.Errorf("arguments %q is not supported", key)
		}
	}

	return nil
}

// Without returns a copy of the arguments with the named keys removed.
func (a Arguments) Without(keys ...string) Arguments {
	stripped := make(Arguments, len(a))
	for key, value := range a {
		stripped[key] = value
	}
	for _, key := range keys {
		delete(stripped, key)
	}
	return stripped
}

func splitSegments(endpoint string) []string {
	var (
		segments []string
		depth    int
		quote    rune
		start    int
	)

	for i, r := range endpoint {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[' || r == '(' || r == '{':
			depth++
		case r == ']' || r == ')' || r == '}':
			if depth > 0 {
				depth--
			}
		case r == ',' && depth == 0:
			segments = append(segments, endpoint[start:i])
			start = i + 1
		}
	}

	return append(segments, endpoint[start:])
}

func unquote(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if first == last && (first == '\'' || first == '"') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

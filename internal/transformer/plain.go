package transformer

import (
	"fmt"
	"regexp"
)

// PlainTransformer implements regular expression selection over plain
// text payloads.
type PlainTransformer struct{}

// Transform is the identity: plain payloads are matched as-is.
func (PlainTransformer) Transform(payload string) (any, error) {
	return payload, nil
}

// Parse compiles a regular expression with at most one capture group.
// Zero groups select the whole match, one group selects the group.
func (PlainTransformer) Parse(expression string) (Selector, error) {
	compiled, err := regexp.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("unable to compile expression %q: %w", expression, err)
	}

	if compiled.NumSubexp() > 1 {
		return nil, fmt.Errorf("%q contains %d match groups, only expressions that has zero or one match group is allowed", expression, compiled.NumSubexp())
	}

	group := compiled.NumSubexp()

	return func(doc any) ([]string, error) {
		payload, ok := doc.(string)
		if !ok {
			return nil, fmt.Errorf("expected a plain text document, got %T", doc)
		}

		var matches []string
		for _, match := range compiled.FindAllStringSubmatch(payload, -1) {
			matches = append(matches, match[group])
		}

		return matches, nil
	}, nil
}

package transformer

import (
	"strings"
	"testing"
)

func selectJSON(t *testing.T, payload, expression string) []string {
	t.Helper()

	trans := JSONTransformer{}
	doc, err := trans.Transform(payload)
	if err != nil {
		t.Fatalf("Transform(%q) error: %v", payload, err)
	}
	selector, err := trans.Parse(expression)
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", expression, err)
	}
	matches, err := selector(doc)
	if err != nil {
		t.Fatalf("selector(%q) error: %v", expression, err)
	}
	return matches
}

func TestJSONTransformRejectsInvalidInput(t *testing.T) {
	if _, err := (JSONTransformer{}).Transform("{not json"); err == nil {
		t.Error("Transform() accepted invalid JSON")
	}
}

func TestJSONSelector(t *testing.T) {
	payload := `{
		"name": "bob",
		"price": 15.5,
		"active": true,
		"tags": ["a", "b"],
		"nested": {"id": 3}
	}`

	tests := []struct {
		name       string
		expression string
		want       []string
	}{
		{name: "plain path", expression: "$.name", want: []string{"bob"}},
		{name: "equality match", expression: "$.name=='bob'", want: []string{"bob"}},
		{name: "equality miss", expression: "$.name=='alice'", want: nil},
		{name: "numeric greater", expression: "$.price > 10", want: []string{"15.5"}},
		{name: "numeric greater miss", expression: "$.price > 20", want: nil},
		{name: "numeric range", expression: "$.price >= 15.5", want: []string{"15.5"}},
		{name: "boolean equality", expression: "$.active == true", want: []string{"true"}},
		{name: "membership hit", expression: "$.name |= ['alice', 'bob']", want: []string{"bob"}},
		{name: "membership miss", expression: "$.name |= ['alice', 'eve']", want: nil},
		{name: "nested numeric", expression: "$.nested.id < 5", want: []string{"3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectJSON(t, payload, tt.expression)
			if len(got) != len(tt.want) {
				t.Fatalf("selector(%q) = %v, want %v", tt.expression, got, tt.want)
			}
			for n := range got {
				if got[n] != tt.want[n] {
					t.Errorf("selector(%q)[%d] = %q, want %q", tt.expression, n, got[n], tt.want[n])
				}
			}
		})
	}
}

func TestJSONSelectorMembershipRequiresList(t *testing.T) {
	if _, err := (JSONTransformer{}).Parse("$.name |= 'bob'"); err == nil {
		t.Error("Parse() accepted a non-list membership literal")
	}
}

func TestGetOuterOp(t *testing.T) {
	tests := []struct {
		expression string
		path       string
		op         string
		literal    string
	}{
		{expression: "$.name", path: "$.name", op: "", literal: ""},
		{expression: "$.name == 'bob'", path: "$.name", op: "==", literal: "'bob'"},
		{expression: "$.price >= 10", path: "$.price", op: ">=", literal: "10"},
		{expression: "$.name |= ['a', 'b']", path: "$.name", op: "|=", literal: "['a', 'b']"},
		{
			// The operator inside the filter belongs to the path.
			expression: "$.docs[?(@.name=='x')].id == '3'",
			path:       "$.docs[?(@.name=='x')].id",
			op:         "==",
			literal:    "'3'",
		},
		{
			expression: "$.docs[?(@.count > 2)].name",
			path:       "$.docs[?(@.count > 2)].name",
			op:         "",
			literal:    "",
		},
		{
			expression: "$.name == 'a == b'",
			path:       "$.name",
			op:         "==",
			literal:    "'a == b'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			path, op, literal := getOuterOp(tt.expression)
			if path != tt.path || op != tt.op || literal != tt.literal {
				t.Errorf("getOuterOp(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.expression, path, op, literal, tt.path, tt.op, tt.literal)
			}
		})
	}
}

func TestNormalizeJSONPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "$.`this`.name", want: "$.name"},
		{in: "$.docs[?(@.name='x')]", want: "$.docs[?(@.name=='x')]"},
		{in: "$.docs[?(@.name=='x')]", want: "$.docs[?(@.name=='x')]"},
		{in: "$.docs[?(@.count >= 3)]", want: "$.docs[?(@.count >= 3)]"},
		{in: "$.docs[?(@.id='a=b')]", want: "$.docs[?(@.id=='a=b')]"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := normalizeJSONPath(tt.in); got != tt.want {
				t.Errorf("normalizeJSONPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestJSONSelectorFilterExpression(t *testing.T) {
	payload := `{"documents": [
		{"name": "doc-a", "id": 1},
		{"name": "doc-b", "id": 2}
	]}`

	got := selectJSON(t, payload, "$.documents[?(@.name=='doc-b')].id")
	if len(got) != 1 || got[0] != "2" {
		t.Errorf("filter selector = %v, want [2]", got)
	}
}

func TestStringifyJSONValue(t *testing.T) {
	doc := map[string]any{"a": float64(1)}
	if got := stringifyJSONValue(doc); !strings.Contains(got, `"a":1`) {
		t.Errorf("stringifyJSONValue(map) = %q", got)
	}
	if got := stringifyJSONValue(nil); got != "null" {
		t.Errorf("stringifyJSONValue(nil) = %q", got)
	}
	if got := stringifyJSONValue(15.5); got != "15.5" {
		t.Errorf("stringifyJSONValue(15.5) = %q", got)
	}
}

package protocol

import (
	"strings"
	"testing"
)

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     Arguments
		wantErr  string
	}{
		{
			name:     "single argument",
			endpoint: "queue:INCOMING",
			want:     Arguments{"queue": "INCOMING"},
		},
		{
			name:     "multiple arguments",
			endpoint: "topic:events, subscription:worker-1",
			want:     Arguments{"topic": "events", "subscription": "worker-1"},
		},
		{
			name:     "quoted value",
			endpoint: `queue:"INCOMING.DOCUMENTS"`,
			want:     Arguments{"queue": "INCOMING.DOCUMENTS"},
		},
		{
			name:     "comma inside expression brackets",
			endpoint: "queue:INCOMING, expression:$.docs[?(@.id=='a,b')].name",
			want: Arguments{
				"queue":      "INCOMING",
				"expression": "$.docs[?(@.id=='a,b')].name",
			},
		},
		{
			name:     "comma inside quoted expression",
			endpoint: `queue:INCOMING, expression:'$.name, $.id'`,
			want: Arguments{
				"queue":      "INCOMING",
				"expression": "$.name, $.id",
			},
		},
		{
			name:     "empty endpoint",
			endpoint: "   ",
			wantErr:  "no endpoint specified",
		},
		{
			name:     "missing separator",
			endpoint: "queue INCOMING",
			wantErr:  "incorrect format in arguments",
		},
		{
			name:     "empty value",
			endpoint: "queue:",
			wantErr:  "incorrect format in arguments",
		},
		{
			name:     "repeated key",
			endpoint: "queue:a, queue:b",
			wantErr:  `argument "queue" repeated`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArguments(tt.endpoint)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("ParseArguments(%q) expected error containing %q, got none", tt.endpoint, tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ParseArguments(%q) error = %q, want containing %q", tt.endpoint, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArguments(%q) unexpected error: %v", tt.endpoint, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseArguments(%q) = %v, want %v", tt.endpoint, got, tt.want)
			}
			for key, want := range tt.want {
				if got[key] != want {
					t.Errorf("ParseArguments(%q)[%q] = %q, want %q", tt.endpoint, key, got[key], want)
				}
			}
		})
	}
}

func TestArgumentsValidate(t *testing.T) {
	args := Arguments{"queue": "INCOMING", "expression": "$.name"}

	if err := args.Validate([]string{"queue"}, []string{"queue", "expression"}); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	err := args.Validate([]string{"topic"}, []string{"queue", "expression", "topic"})
	if err == nil || !strings.Contains(err.Error(), `endpoint needs to be specified with "topic"`) {
		t.Errorf("Validate() missing required = %v", err)
	}

	err = args.Validate(nil, []string{"queue"})
	if err == nil || !strings.Contains(err.Error(), `arguments "expression" is not supported`) {
		t.Errorf("Validate() unsupported key = %v", err)
	}
}

func TestArgumentsWithout(t *testing.T) {
	args := Arguments{"queue": "INCOMING", "expression": "$.name"}

	stripped := args.Without("expression")
	if _, ok := stripped["expression"]; ok {
		t.Error("Without() kept the stripped key")
	}
	if stripped["queue"] != "INCOMING" {
		t.Errorf("Without() queue = %q, want INCOMING", stripped["queue"])
	}
	if _, ok := args["expression"]; !ok {
		t.Error("Without() mutated the original arguments")
	}
}

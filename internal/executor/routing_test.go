package executor

import (
	"strings"
	"testing"
	"time"
)

const sampleRouting = `
providers:
  - label: anthropic
    url: https://llm-a.internal/v1/runs
    secret_env: PROVIDER_A_SECRET
    timeout: 90s
  - label: openai
    url: https://llm-b.internal/v1/runs
routes:
  generate_app: [anthropic, openai]
  refine_app: [openai]
`

func TestParseRouting(t *testing.T) {
	env := map[string]string{"PROVIDER_A_SECRET": "s3cret"}
	r, err := ParseRouting([]byte(sampleRouting), func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("ParseRouting: %v", err)
	}

	if len(r.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(r.Providers))
	}
	a, ok := r.provider("anthropic")
	if !ok {
		t.Fatal("anthropic provider missing")
	}
	if a.Secret != "s3cret" {
		t.Errorf("Secret = %q, want resolved from env", a.Secret)
	}
	if a.ParsedTimeout != 90*time.Second {
		t.Errorf("ParsedTimeout = %v, want 90s", a.ParsedTimeout)
	}

	types := r.RunTypes()
	if len(types) != 2 || types[0] != "generate_app" || types[1] != "refine_app" {
		t.Errorf("RunTypes = %v", types)
	}
	if got := r.Routes["generate_app"]; len(got) != 2 || got[0] != "anthropic" {
		t.Errorf("generate_app route = %v", got)
	}
}

func TestParseRouting_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing label",
			doc:  "providers:\n  - url: https://x\n",
			want: "label is required",
		},
		{
			name: "bad url",
			doc:  "providers:\n  - label: a\n    url: ftp://x\n",
			want: "url must be http(s)",
		},
		{
			name: "bad timeout",
			doc:  "providers:\n  - label: a\n    url: https://x\n    timeout: soon\n",
			want: "invalid timeout",
		},
		{
			name: "duplicate",
			doc:  "providers:\n  - label: a\n    url: https://x\n  - label: a\n    url: https://y\n",
			want: "duplicate label",
		},
		{
			name: "unknown provider in route",
			doc:  "providers:\n  - label: a\n    url: https://x\nroutes:\n  gen: [a, b]\n",
			want: `unknown provider "b"`,
		},
		{
			name: "empty route",
			doc:  "providers:\n  - label: a\n    url: https://x\nroutes:\n  gen: []\n",
			want: "no providers",
		},
		{
			name: "not yaml",
			doc:  "providers: [",
			want: "yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRouting([]byte(tt.doc), func(string) string { return "" })
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadRouting_MissingFile(t *testing.T) {
	_, err := LoadRouting(t.TempDir() + "/nope.yaml")
	if err == nil || !strings.Contains(err.Error(), "read provider routing file") {
		t.Errorf("err = %v", err)
	}
}

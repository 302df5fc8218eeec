package enrich

import "testing"

func TestExtractContext_StrictJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "bare object",
			raw:  `{"context": "Use composite indexes for multi-column lookups."}`,
			want: "Use composite indexes for multi-column lookups.",
		},
		{
			name: "json fence",
			raw:  "```json\n{\"context\": \"Prefer consistent hashing for shard placement.\"}\n```",
			want: "Prefer consistent hashing for shard placement.",
		},
		{
			name: "plain fence",
			raw:  "```\n{\"context\": \"Cache invalidation beats cache expiry here.\"}\n```",
			want: "Cache invalidation beats cache expiry here.",
		},
		{
			name: "extra fields ignored",
			raw:  `{"context": "Batch the writes.", "confidence": 0.9}`,
			want: "Batch the writes.",
		},
		{
			name: "escaped quotes in value",
			raw:  `{"context": "The flag is called \"max_connections\"."}`,
			want: `The flag is called "max_connections".`,
		},
		{
			name: "surrounding whitespace trimmed",
			raw:  `{"context": "  padded  "}`,
			want: "padded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractContext(tt.raw)
			if !ok {
				t.Fatal("ExtractContext reported failure")
			}
			if got != tt.want {
				t.Errorf("ExtractContext = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractContext_EmptyContextSucceedsEmpty(t *testing.T) {
	got, ok := ExtractContext(`{"context": ""}`)
	if !ok {
		t.Fatal("ExtractContext reported failure for empty context")
	}
	if got != "" {
		t.Errorf("ExtractContext = %q, want empty", got)
	}
}

func TestExtractContext_EmbeddedObject(t *testing.T) {
	raw := "Sure! Here is the context you asked for:\n" +
		`{"context": "Connection pools amortise TLS handshakes."}` + "\n" +
		"Let me know if you need anything else."

	got, ok := ExtractContext(raw)
	if !ok {
		t.Fatal("ExtractContext reported failure")
	}
	if got != "Connection pools amortise TLS handshakes." {
		t.Errorf("ExtractContext = %q", got)
	}
}

func TestExtractContext_BracesInsideStringValue(t *testing.T) {
	raw := `noise {"context": "Interpolate with {placeholders} carefully."} noise`
	got, ok := ExtractContext(raw)
	if !ok {
		t.Fatal("ExtractContext reported failure")
	}
	if got != "Interpolate with {placeholders} carefully." {
		t.Errorf("ExtractContext = %q", got)
	}
}

func TestExtractContext_BestLineFallback(t *testing.T) {
	raw := "ok\nProfile the query planner before adding indexes to hot tables.\n\"json-ish\"\n{leftover"
	got, ok := ExtractContext(raw)
	if !ok {
		t.Fatal("ExtractContext reported failure")
	}
	if got != "Profile the query planner before adding indexes to hot tables." {
		t.Errorf("ExtractContext = %q", got)
	}
}

func TestExtractContext_TotalFailure(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "  \n\t "},
		{"structural lines only", "{\n\"broken\": [\n]\n}"},
		{"null context", `{"context": null}`},
		{"numeric context", `{"context": 42}`},
		{"bare fence", "```\n```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, ok := ExtractContext(tt.raw); ok {
				t.Errorf("ExtractContext = (%q, true), want failure", got)
			}
		})
	}
}

func TestScanObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", `before {"a": 1} after`, `{"a": 1}`},
		{"nested", `x {"a": {"b": 2}} y`, `{"a": {"b": 2}}`},
		{"no object", "just prose", ""},
		{"never closes", `{"a": 1`, ""},
		{"brace in string", `{"a": "}"}`, `{"a": "}"}`},
		{"escaped quote then brace", `{"a": "\"}"}`, `{"a": "\"}"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scanObject(tt.in); got != tt.want {
				t.Errorf("scanObject(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBestLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "longest prose line wins",
			in:   "short\na considerably longer prose line\nmid length",
			want: "a considerably longer prose line",
		},
		{
			name: "fences and structure skipped",
			in:   "```json\n{\n\"key\": 1\n}\n```\nreal content survives",
			want: "real content survives",
		},
		{
			name: "nothing usable",
			in:   "{\n[\n\"quoted\"\n]",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bestLine(tt.in); got != tt.want {
				t.Errorf("bestLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"json fence", "```json\n{}\n```", "{}"},
		{"plain fence", "```\n{}\n```", "{}"},
		{"no fence", "{}", "{}"},
		{"leading fence only", "```json\n{}", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

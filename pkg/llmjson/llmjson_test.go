package llmjson

import "testing"

func TestExtractFencedBlock(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"a\": 1}\n```\nThanks."
	got := Extract(raw)
	want := `{"a": 1}`
	if got != want {
		t.Errorf("Extract = %q, want %q", got, want)
	}
}

func TestExtractNoFence(t *testing.T) {
	raw := "  {\"a\": 1}  "
	if got := Extract(raw); got != `{"a": 1}` {
		t.Errorf("Extract = %q", got)
	}
}

func TestStripCommentsLineAndBlock(t *testing.T) {
	raw := `{
		"a": 1, // keep this field
		/* block comment */
		"b": "has // inside a string",
		"c": 2
	}`
	cleaned := StripComments(raw)
	var v map[string]any
	if err := Unmarshal(cleaned, &v); err != nil {
		t.Fatalf("Unmarshal after StripComments: %v", err)
	}
	if v["b"] != "has // inside a string" {
		t.Errorf("string literal containing // was corrupted: %v", v["b"])
	}
}

func TestUnmarshalRepairsTrailingComma(t *testing.T) {
	raw := "```json\n{\"operation\": \"CREATE_NEW\", \"confidence\": 0.9,}\n```"
	var v map[string]any
	if err := Unmarshal(raw, &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v["operation"] != "CREATE_NEW" {
		t.Errorf("operation = %v", v["operation"])
	}
}

func TestUnmarshalObjectRejectsNonObject(t *testing.T) {
	if _, ok := UnmarshalObject("[1, 2, 3]"); ok {
		t.Error("expected ok=false for a JSON array")
	}
}

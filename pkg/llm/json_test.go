package llm

import (
	"testing"
)

func TestUnmarshal_Valid(t *testing.T) {
	data := []byte(`{"subject": "travel", "facts": 3}`)
	var result map[string]any

	err := Unmarshal(data, &result)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if result["subject"] != "travel" {
		t.Errorf("subject = %v, want %q", result["subject"], "travel")
	}

	if result["facts"] != float64(3) {
		t.Errorf("facts = %v, want 3", result["facts"])
	}
}

func TestUnmarshal_MalformedJSON_TrailingComma(t *testing.T) {
	// JSON with trailing comma - invalid but repairable
	data := []byte(`{"subject": "travel", "facts": 3,}`)
	var result map[string]any

	err := Unmarshal(data, &result)
	if err != nil {
		t.Fatalf("Unmarshal should repair trailing comma: %v", err)
	}

	if result["subject"] != "travel" {
		t.Errorf("subject = %v, want %q", result["subject"], "travel")
	}
}

func TestUnmarshal_MalformedJSON_MissingQuotes(t *testing.T) {
	// JSON with unquoted key - invalid but repairable
	data := []byte(`{subject: "travel"}`)
	var result map[string]any

	err := Unmarshal(data, &result)
	if err != nil {
		t.Fatalf("Unmarshal should repair unquoted key: %v", err)
	}

	if result["subject"] != "travel" {
		t.Errorf("subject = %v, want %q", result["subject"], "travel")
	}
}

func TestUnmarshal_MalformedJSON_CodeFence(t *testing.T) {
	// Models sometimes wrap JSON in a markdown fence.
	data := []byte("```json\n{\"subject\": \"travel\"}\n```")
	var result map[string]any

	err := Unmarshal(data, &result)
	if err != nil {
		t.Fatalf("Unmarshal should repair fenced JSON: %v", err)
	}

	if result["subject"] != "travel" {
		t.Errorf("subject = %v, want %q", result["subject"], "travel")
	}
}

func TestUnmarshal_TypeMismatch(t *testing.T) {
	// Valid JSON but wrong type: no repair should be attempted.
	data := []byte(`"string value"`)
	var result int

	err := Unmarshal(data, &result)
	if err == nil {
		t.Error("Unmarshal should fail on type mismatch")
	}
}

func TestUnmarshal_Struct(t *testing.T) {
	data := []byte(`{"summary": "Planned a trip", "keywords": ["trip", "kyoto"],}`)
	var result struct {
		Summary  string   `json:"summary"`
		Keywords []string `json:"keywords"`
	}

	err := Unmarshal(data, &result)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if result.Summary != "Planned a trip" {
		t.Errorf("summary = %q, want %q", result.Summary, "Planned a trip")
	}
	if len(result.Keywords) != 2 {
		t.Errorf("keywords = %v, want 2 entries", result.Keywords)
	}
}

package llm

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// Unmarshal decodes a model response into v, attempting to repair
// malformed JSON first. Models occasionally emit trailing commas,
// fenced code blocks, or single-quoted strings; when the initial
// unmarshal fails with a syntax error the input is run through
// jsonrepair and decoded again.
func Unmarshal(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, err := jsonrepair.JSONRepair(string(data))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}

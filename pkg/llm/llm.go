// Package llm provides chat completion clients for structured output.
//
// The extraction pipeline asks a model for JSON documents (episode
// summaries, profile updates, foresights) and needs the result to
// conform to a schema. A [Generator] runs one completion per call; the
// provider implementations attach the schema in whatever form their
// API expects.
//
// # Implementations
//
//   - [OpenAI]: OpenAI chat completions with json_schema response format
//   - [Gemini]: Google Gemini with ResponseSchema structured output
package llm

import (
	"context"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
)

// Common errors.
var (
	// ErrNoContent is returned when the model produced no usable content.
	ErrNoContent = errors.New("llm: no content in response")

	// ErrTruncated is returned when generation stopped at the token limit.
	ErrTruncated = errors.New("llm: response truncated at max tokens")

	// ErrBlocked is returned when the model refused or a safety filter
	// suppressed the response.
	ErrBlocked = errors.New("llm: response blocked")
)

// Request describes a single completion.
type Request struct {
	// System is the system instruction. Optional.
	System string

	// Prompt is the user message.
	Prompt string

	// Schema, when set, constrains the output to JSON conforming to it.
	Schema *jsonschema.Schema

	// SchemaName names the schema for providers that require one.
	// Defaults to "response".
	SchemaName string

	// Temperature overrides the provider default when > 0.
	Temperature float64

	// MaxTokens caps the completion length when > 0.
	MaxTokens int
}

// Generator runs single-turn completions.
type Generator interface {
	// Generate runs one completion and returns the raw response text.
	Generate(ctx context.Context, req *Request) (string, error)

	// Model reports the backing model name.
	Model() string
}

// SchemaFor derives the JSON schema for T. It panics on failure, which
// only happens for types that cannot be represented in a schema.
func SchemaFor[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		panic(err)
	}
	return s
}

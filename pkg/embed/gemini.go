package embed

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel = "gemini-embedding-001"
	defaultGeminiDim   = 1536

	// Gemini caps batch embedding requests at 100 inputs.
	geminiMaxBatch = 100

	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// Gemini implements [Embedder] using the Gemini embedding API. Unlike
// the OpenAI-compatible backends it separates document and query
// embeddings through task types rather than instruction prefixes,
// so WithQueryPrefix has no effect here.
type Gemini struct {
	client   *genai.Client
	model    string
	dim      int
	maxInput int
}

var _ Embedder = (*Gemini)(nil)

// NewGemini creates a Gemini embedder. The API key is required.
func NewGemini(ctx context.Context, apiKey string, opts ...Option) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embed: api key is required")
	}
	cfg := config{
		model: defaultGeminiModel,
		dim:   defaultGeminiDim,
	}
	for _, o := range opts {
		o(&cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	if cfg.httpClient != nil {
		cc.HTTPClient = cfg.httpClient
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("embed: gemini client: %w", err)
	}

	return &Gemini{
		client:   client,
		model:    cfg.model,
		dim:      cfg.dim,
		maxInput: cfg.maxInput,
	}, nil
}

// Embed returns the embedding for a single document.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := g.callAPI(ctx, []string{truncate(text, g.maxInput)}, taskRetrievalDocument)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedQuery returns the embedding for a retrieval query.
func (g *Gemini) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := g.callAPI(ctx, []string{truncate(text, g.maxInput)}, taskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns embeddings for multiple documents. Batches larger
// than 100 are automatically split into multiple API calls.
func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	texts = truncateAll(texts, g.maxInput)

	result := make([][]float32, len(texts))
	for i := 0; i < len(texts); i += geminiMaxBatch {
		end := min(i+geminiMaxBatch, len(texts))

		vecs, err := g.callAPI(ctx, texts[i:end], taskRetrievalDocument)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", i, end, err)
		}
		copy(result[i:], vecs)
	}
	return result, nil
}

// Dimension returns the configured vector dimensionality.
func (g *Gemini) Dimension() int {
	return g.dim
}

// Model returns the Gemini model identifier.
func (g *Gemini) Model() string {
	return g.model
}

func (g *Gemini) callAPI(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(t)}}
	}

	cfg := &genai.EmbedContentConfig{TaskType: taskType}
	if g.dim > 0 {
		dim := int32(g.dim)
		cfg.OutputDimensionality = &dim
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("embed: gemini api: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}

	vecs := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Values) == 0 {
			return nil, fmt.Errorf("embed: empty embedding at index %d", i)
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}

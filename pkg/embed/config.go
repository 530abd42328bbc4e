package embed

import "net/http"

type config struct {
	model       string
	dim         int
	baseURL     string
	httpClient  *http.Client
	maxInput    int
	queryPrefix string
}

// Option configures an embedder.
type Option func(*config)

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithDimension sets the expected vector dimension. Backends that
// support it also request this dimension from the API.
func WithDimension(dim int) Option {
	return func(c *config) {
		c.dim = dim
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithMaxInput caps input length in runes. Longer texts are truncated
// from the tail before embedding. Zero means no cap.
func WithMaxInput(n int) Option {
	return func(c *config) {
		c.maxInput = n
	}
}

// WithQueryPrefix sets an instruction prefix prepended to query texts
// by EmbedQuery. Document embeddings are unaffected.
func WithQueryPrefix(prefix string) Option {
	return func(c *config) {
		c.queryPrefix = prefix
	}
}

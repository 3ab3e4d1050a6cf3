// Package embeddings provides the embedding drivers used by the semantic
// search backend: OpenAI, Ollama, and a no-op driver for deployments that
// run lexical-only. One driver is selected at startup from configuration.
package embeddings

import "context"

// Driver generates vector embeddings for batches of text.
type Driver interface {
	// Kind returns the driver name (openai, ollama, none).
	Kind() string
	// Dimensions returns the embedding width this driver produces.
	Dimensions() int
	// MaxBatchSize returns the maximum texts per Embed call.
	MaxBatchSize() int
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// NoneDriver is the zero-implementation: it embeds nothing and signals the
// search engine to skip the semantic backend entirely.
type NoneDriver struct{}

func (NoneDriver) Kind() string        { return "none" }
func (NoneDriver) Dimensions() int     { return 0 }
func (NoneDriver) MaxBatchSize() int   { return 0 }
func (NoneDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, nil
}

// Enabled reports whether d produces real embeddings.
func Enabled(d Driver) bool {
	return d != nil && d.Kind() != "none"
}

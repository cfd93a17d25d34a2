package pipeline

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps an EmbedFunc with an LRU cache so repeated queries do
// not re-run the model. Cache keys include the model name, so swapping models
// never serves stale vectors.
type CachedEmbedder struct {
	modelName string
	embed     EmbedFunc
	cache     *lru.Cache[string, []float32]
}

// NewCachedEmbedder creates a caching wrapper around embed. Size is the
// maximum number of cached texts.
func NewCachedEmbedder(modelName string, embed EmbedFunc, size int) (*CachedEmbedder, error) {
	if embed == nil {
		return nil, fmt.Errorf("embed function is nil")
	}
	if size <= 0 {
		size = 1024
	}

	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return &CachedEmbedder{
		modelName: modelName,
		embed:     embed,
		cache:     cache,
	}, nil
}

// Embed returns the embedding for text, computing it at most once per cached
// entry. Safe for concurrent use.
func (c *CachedEmbedder) Embed(text string) ([]float32, error) {
	key := c.modelName + "|" + text

	if embedding, ok := c.cache.Get(key); ok {
		return embedding, nil
	}

	embedding, err := c.embed(text)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, embedding)
	return embedding, nil
}

// Len returns the number of cached embeddings.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCachedEmbedder(t *testing.T) {
	t.Run("Valid call NewCachedEmbedder", func(t *testing.T) {
		embedder, err := NewCachedEmbedder("test-model", func(text string) ([]float32, error) {
			return []float32{1, 2, 3}, nil
		}, 16)
		assert.NoError(t, err, "Expected NewCachedEmbedder to not return an error")
		require.NotNil(t, embedder, "Expected NewCachedEmbedder to return a non-nil instance")
	})

	t.Run("Invalid call NewCachedEmbedder with nil embed function", func(t *testing.T) {
		_, err := NewCachedEmbedder("test-model", nil, 16)
		assert.Error(t, err, "Expected error when creating CachedEmbedder with nil embed function")
		assert.Contains(t, err.Error(), "embed function is nil", "Expected specific error message for nil embed function")
	})

	t.Run("Non-positive size falls back to default", func(t *testing.T) {
		embedder, err := NewCachedEmbedder("test-model", func(text string) ([]float32, error) {
			return []float32{1}, nil
		}, 0)
		assert.NoError(t, err, "Expected NewCachedEmbedder with size 0 to not return an error")
		require.NotNil(t, embedder)
	})
}

func TestCachedEmbedderEmbed(t *testing.T) {
	t.Run("Computes each text once", func(t *testing.T) {
		var calls atomic.Int64
		embedder, err := NewCachedEmbedder("test-model", func(text string) ([]float32, error) {
			calls.Add(1)
			return []float32{float32(len(text))}, nil
		}, 16)
		require.NoError(t, err)

		first, err := embedder.Embed("hello world")
		assert.NoError(t, err, "Expected Embed to not return an error")
		second, err := embedder.Embed("hello world")
		assert.NoError(t, err, "Expected cached Embed to not return an error")

		assert.Equal(t, first, second, "Expected cached embedding to equal computed embedding")
		assert.Equal(t, int64(1), calls.Load(), "Expected underlying embedder called exactly once")
		assert.Equal(t, 1, embedder.Len(), "Expected one cached entry")
	})

	t.Run("Errors are not cached", func(t *testing.T) {
		var calls atomic.Int64
		embedder, err := NewCachedEmbedder("test-model", func(text string) ([]float32, error) {
			if calls.Add(1) == 1 {
				return nil, fmt.Errorf("model not ready")
			}
			return []float32{1}, nil
		}, 16)
		require.NoError(t, err)

		_, err = embedder.Embed("query")
		assert.Error(t, err, "Expected first call to return the embed error")

		embedding, err := embedder.Embed("query")
		assert.NoError(t, err, "Expected retry after error to succeed")
		assert.Equal(t, []float32{1}, embedding, "Expected retry to return the computed embedding")
	})

	t.Run("Different models do not share entries", func(t *testing.T) {
		embedA, err := NewCachedEmbedder("model-a", func(text string) ([]float32, error) {
			return []float32{1}, nil
		}, 16)
		require.NoError(t, err)
		embedB, err := NewCachedEmbedder("model-b", func(text string) ([]float32, error) {
			return []float32{2}, nil
		}, 16)
		require.NoError(t, err)

		a, err := embedA.Embed("same text")
		require.NoError(t, err)
		b, err := embedB.Embed("same text")
		require.NoError(t, err)

		assert.NotEqual(t, a, b, "Expected model name to be part of the cache key")
	})

	t.Run("Concurrent access", func(t *testing.T) {
		embedder, err := NewCachedEmbedder("test-model", func(text string) ([]float32, error) {
			return []float32{float32(len(text))}, nil
		}, 128)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					text := fmt.Sprintf("text %d", j%10)
					embedding, err := embedder.Embed(text)
					assert.NoError(t, err, "Expected concurrent Embed to not return an error")
					assert.NotEmpty(t, embedding, "Expected concurrent Embed to return an embedding")
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 10, embedder.Len(), "Expected ten distinct cached texts")
	})
}

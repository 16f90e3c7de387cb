// Package cached wraps any Embedder with a ristretto cache so repeated texts
// (common when the same fact is re-consolidated) skip the provider round-trip.
package cached

import (
	"context"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/recallhq/recall/internal/metrics"
	registryembed "github.com/recallhq/recall/internal/registry/embed"
)

// Embedder decorates an inner embedder with a text→vector cache keyed by
// model and text. Cost is the vector's byte size.
type Embedder struct {
	inner registryembed.Embedder
	cache *ristretto.Cache[string, []float32]
}

// Wrap returns e decorated with a cache of maxCost bytes. A non-positive
// maxCost disables caching and returns e unchanged.
func Wrap(e registryembed.Embedder, maxCost int64) (registryembed.Embedder, error) {
	if maxCost <= 0 {
		return e, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Embedder{inner: e, cache: cache}, nil
}

func (e *Embedder) ModelName() string { return e.inner.ModelName() }
func (e *Embedder) Dimension() int    { return e.inner.Dimension() }

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := e.cache.Get(e.key(text)); ok {
			if metrics.EmbedCacheHits != nil {
				metrics.EmbedCacheHits.Inc()
			}
			out[i] = vec
			continue
		}
		if metrics.EmbedCacheMisses != nil {
			metrics.EmbedCacheMisses.Inc()
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := e.inner.EmbedTexts(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		e.cache.Set(e.key(missing[j]), vec, int64(len(vec)*4))
	}
	return out, nil
}

func (e *Embedder) key(text string) string {
	return e.inner.ModelName() + "\x00" + text
}

var _ registryembed.Embedder = (*Embedder)(nil)

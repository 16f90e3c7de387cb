// Package fakes provides scripted test doubles for the LLM and embedding
// seams.
package fakes

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	registryembed "github.com/recallhq/recall/internal/registry/embed"
	registryllm "github.com/recallhq/recall/internal/registry/llm"
)

// Provider replays scripted responses. Complete answers come from
// Completions in order; Chat answers from ChatResponses.
type Provider struct {
	mu            sync.Mutex
	Completions   []string
	ChatResponses []registryllm.ChatResponse
	Err           error

	CompleteCalls []registryllm.CompletionRequest
	ChatCalls     []registryllm.ChatRequest
}

var _ registryllm.Provider = (*Provider)(nil)

func (p *Provider) ModelName() string { return "fake-model" }

func (p *Provider) Complete(_ context.Context, req registryllm.CompletionRequest) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Completions) == 0 {
		return nil, fmt.Errorf("fake provider: no scripted completion for %q", req.SchemaName)
	}
	next := p.Completions[0]
	p.Completions = p.Completions[1:]
	return json.RawMessage(next), nil
}

func (p *Provider) Chat(_ context.Context, req registryllm.ChatRequest) (*registryllm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChatCalls = append(p.ChatCalls, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.ChatResponses) == 0 {
		return nil, fmt.Errorf("fake provider: no scripted chat response")
	}
	next := p.ChatResponses[0]
	p.ChatResponses = p.ChatResponses[1:]
	return &next, nil
}

// Embedder produces deterministic vectors and counts calls. Vectors can be
// pinned per text; everything else hashes into a stable unit vector.
type Embedder struct {
	mu      sync.Mutex
	Dim     int
	Pinned  map[string][]float32
	Calls   int
	Texts   []string
	FailErr error
}

var _ registryembed.Embedder = (*Embedder)(nil)

// NewEmbedder returns an Embedder of the given dimension.
func NewEmbedder(dim int) *Embedder {
	return &Embedder{Dim: dim, Pinned: map[string][]float32{}}
}

// Pin fixes the vector returned for a text.
func (e *Embedder) Pin(text string, vec []float32) { e.Pinned[text] = vec }

func (e *Embedder) ModelName() string { return "fake-embedder" }
func (e *Embedder) Dimension() int    { return e.Dim }

func (e *Embedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailErr != nil {
		return nil, e.FailErr
	}
	e.Calls++
	e.Texts = append(e.Texts, texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.Pinned[t]; ok {
			out[i] = v
			continue
		}
		out[i] = e.hashVector(t)
	}
	return out, nil
}

func (e *Embedder) hashVector(text string) []float32 {
	vec := make([]float32, e.Dim)
	var norm float64
	for i := range vec {
		h := fnv.New32a()
		fmt.Fprintf(h, "%s:%d", text, i)
		vec[i] = float32(h.Sum32()%1000) / 1000
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}

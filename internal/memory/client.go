// Package memory implements the unstructured memory pipeline: extract facts
// from conversation text, embed them, consolidate against nearest
// neighbours, and mutate the store.
package memory

import (
	"context"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallhq/recall/internal/metrics"
	"github.com/recallhq/recall/internal/model"
	registryembed "github.com/recallhq/recall/internal/registry/embed"
	registryllm "github.com/recallhq/recall/internal/registry/llm"
	registrystore "github.com/recallhq/recall/internal/registry/store"
)

// neighbourLimit is how many nearest memories the consolidation call sees.
const neighbourLimit = 5

// defaultQueryLimit applies when QueryOptions.Limit is unset.
const defaultQueryLimit = 10

// ExtractOptions scope an Extract call.
type ExtractOptions struct {
	UserID   string
	Source   string
	SourceID string
}

// QueryOptions scope a Query call.
type QueryOptions struct {
	UserID string
	Limit  int
	// Threshold drops results whose cosine similarity to the query is below
	// it. Recomputed client-side so the rule is uniform across adapters.
	Threshold *float64
}

// UpdateOptions carry the mutable fields of a direct update.
type UpdateOptions struct {
	Content  *string
	Metadata map[string]string
}

// SearchResult pairs a memory with its cosine similarity to the query.
type SearchResult struct {
	model.Memory
	Score float64 `json:"score"`
}

// Client orchestrates the embedder, the extractor and the store.
// It holds no mutable state and is safe for concurrent use.
type Client struct {
	store     registrystore.MemoryStore
	embedder  registryembed.Embedder
	extractor *Extractor
}

// NewClient wires the three seams together.
func NewClient(store registrystore.MemoryStore, embedder registryembed.Embedder, provider registryllm.Provider) *Client {
	return &Client{
		store:     store,
		embedder:  embedder,
		extractor: NewExtractor(provider),
	}
}

// Extract runs the full pipeline over conversation text and returns the
// memories that were added or updated. Deleted and unchanged memories
// contribute nothing to the result. Facts are processed sequentially in
// extractor order; a cancelled context returns the prefix that was
// persisted together with the context error.
func (c *Client) Extract(ctx context.Context, text string, opts ExtractOptions) ([]model.Memory, error) {
	facts, err := c.extractor.ExtractFacts(ctx, text)
	if err != nil {
		return nil, err
	}
	metrics.CountFacts(len(facts))

	metadata := map[string]string{}
	if opts.Source != "" {
		metadata[model.MetadataSource] = opts.Source
	}
	if opts.SourceID != "" {
		metadata[model.MetadataSourceID] = opts.SourceID
	}

	results := []model.Memory{}
	for _, fact := range facts {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		mem, err := c.processFact(ctx, fact, opts.UserID, metadata)
		if err != nil {
			// A failed embedding or store call aborts this fact only.
			log.Error("fact processing failed", "err", err)
			continue
		}
		if mem != nil {
			results = append(results, *mem)
		}
	}
	return results, nil
}

// processFact embeds one fact, consolidates it against its neighbours and
// applies the decision. Returns the resulting memory for ADD/UPDATE, nil for
// DELETE/NONE.
func (c *Client) processFact(ctx context.Context, fact, userID string, metadata map[string]string) (*model.Memory, error) {
	embedding, err := registryembed.EmbedText(ctx, c.embedder, fact)
	if err != nil {
		return nil, err
	}

	neighbours, err := c.store.QueryByEmbedding(ctx, embedding, userID, neighbourLimit)
	if err != nil {
		return nil, err
	}

	// The LLM sees small ordinals, never real UUIDs; the remap translates
	// its answer back. Anything outside the remap is treated as a
	// hallucinated id and degrades to ADD.
	remap := make(map[string]uuid.UUID, len(neighbours))
	candidates := make([]Candidate, len(neighbours))
	for i, n := range neighbours {
		ordinal := strconv.Itoa(i)
		remap[ordinal] = n.ID
		candidates[i] = Candidate{ID: ordinal, Content: n.Content}
	}

	decision := c.extractor.Consolidate(ctx, fact, candidates)

	targetID, known := remap[decision.ID]
	if (decision.Action == ActionUpdate || decision.Action == ActionDelete) && !known {
		decision = Decision{Action: ActionAdd, Content: fact}
	}
	// An UPDATE without merged content would wipe the target memory.
	if decision.Action == ActionUpdate && decision.Content == "" {
		decision = Decision{Action: ActionAdd, Content: fact}
	}
	metrics.CountConsolidation(decision.Action)

	switch decision.Action {
	case ActionAdd:
		content := decision.Content
		if content == "" {
			content = fact
		}
		metrics.CountStoreOp("insert")
		return c.store.Insert(ctx, userID, content, embedding, metadata)

	case ActionUpdate:
		// The merged content differs from the fact, so it gets its own
		// embedding; content and vector change in one store call.
		merged, err := registryembed.EmbedText(ctx, c.embedder, decision.Content)
		if err != nil {
			return nil, err
		}
		metrics.CountStoreOp("update")
		updated, err := c.store.Update(ctx, targetID, registrystore.UpdateRequest{
			Content:   &decision.Content,
			Embedding: merged,
		})
		if registrystore.IsNotFound(err) {
			metrics.CountStoreOp("insert")
			return c.store.Insert(ctx, userID, fact, embedding, metadata)
		}
		return updated, err

	case ActionDelete:
		metrics.CountStoreOp("delete")
		return nil, c.store.Delete(ctx, targetID)

	default: // NONE
		return nil, nil
	}
}

// Query embeds the context and returns the most similar memories.
func (c *Client) Query(ctx context.Context, query string, opts QueryOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	embedding, err := registryembed.EmbedText(ctx, c.embedder, query)
	if err != nil {
		return nil, err
	}
	metrics.CountStoreOp("query")
	rows, err := c.store.QueryByEmbedding(ctx, embedding, opts.UserID, limit)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		score := registrystore.CosineSimilarity(embedding, row.Embedding)
		if opts.Threshold != nil && score < *opts.Threshold {
			continue
		}
		results = append(results, SearchResult{Memory: row, Score: score})
	}
	return results, nil
}

// List returns the tenant's memories newest first.
func (c *Client) List(ctx context.Context, userID string, opts registrystore.ListOptions) ([]model.Memory, error) {
	metrics.CountStoreOp("list")
	return c.store.List(ctx, userID, opts)
}

// Get returns a memory by id, or nil when absent.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	metrics.CountStoreOp("get")
	return c.store.Get(ctx, id)
}

// Update mutates content and/or metadata. Content changes re-embed; a
// metadata-only change never touches the embedder.
func (c *Client) Update(ctx context.Context, id uuid.UUID, opts UpdateOptions) (*model.Memory, error) {
	req := registrystore.UpdateRequest{Metadata: opts.Metadata}
	if opts.Content != nil {
		embedding, err := registryembed.EmbedText(ctx, c.embedder, *opts.Content)
		if err != nil {
			return nil, err
		}
		req.Content = opts.Content
		req.Embedding = embedding
	}
	metrics.CountStoreOp("update")
	return c.store.Update(ctx, id, req)
}

// Delete removes a memory. Missing ids are not an error.
func (c *Client) Delete(ctx context.Context, id uuid.UUID) error {
	metrics.CountStoreOp("delete")
	return c.store.Delete(ctx, id)
}

// Clear removes every memory of the tenant.
func (c *Client) Clear(ctx context.Context, userID string) error {
	metrics.CountStoreOp("clear")
	return c.store.Clear(ctx, userID)
}

// Count returns the tenant's memory count.
func (c *Client) Count(ctx context.Context, userID string) (int64, error) {
	metrics.CountStoreOp("count")
	return c.store.Count(ctx, userID)
}

package openai

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/recallhq/recall/internal/config"
	registryembed "github.com/recallhq/recall/internal/registry/embed"
)

const defaultBatchSize = 96

func init() {
	registryembed.Register(registryembed.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryembed.Embedder, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, &config.Error{Field: "openai-key", Message: "OPENAI_API_KEY is required"}
	}
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	}

	dim := cfg.EmbeddingDimensions
	if dim <= 0 {
		dim = nativeDimension(cfg.EmbeddingModel)
	}
	batch := cfg.EmbedBatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.EmbeddingModel,
		dimensions: cfg.EmbeddingDimensions,
		defaultDim: dim,
		batchSize:  batch,
	}, nil
}

func nativeDimension(model string) int {
	switch strings.ToLower(model) {
	case "text-embedding-3-large":
		return 3072
	default:
		// text-embedding-3-small and ada-002
		return 1536
	}
}

// OpenAIEmbedder calls the OpenAI embeddings API, chunking requests at the
// configured batch width while preserving input order.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	defaultDim int
	batchSize  int
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.defaultDim
}

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, err
	}

	// The API may return results in any order; place by index.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, nil
}

var _ registryembed.Embedder = (*OpenAIEmbedder)(nil)

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddings answers the embeddings endpoint with one-dimensional
// vectors derived from each input's "text-<n>" suffix, returning the data
// entries in reverse order to exercise index-based reassembly.
func fakeEmbeddings(t *testing.T, batchSizes *[]int, mu *sync.Mutex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		*batchSizes = append(*batchSizes, len(req.Input))
		mu.Unlock()

		type datum struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]datum, len(req.Input))
		for i, text := range req.Input {
			n, err := strconv.Atoi(strings.TrimPrefix(text, "text-"))
			require.NoError(t, err)
			data[len(req.Input)-1-i] = datum{
				Object:    "embedding",
				Index:     i,
				Embedding: []float32{float32(n)},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "text-embedding-3-small",
			"usage":  map[string]int{"prompt_tokens": 0, "total_tokens": 0},
		}))
	}
}

func TestEmbedTextsChunksAtBatchSizeAndPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var batchSizes []int
	srv := httptest.NewServer(fakeEmbeddings(t, &batchSizes, &mu))
	defer srv.Close()

	clientCfg := openai.DefaultConfig("test-key")
	clientCfg.BaseURL = srv.URL
	e := &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      "text-embedding-3-small",
		defaultDim: 1,
		batchSize:  96,
	}

	texts := make([]string, 100)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}

	vecs, err := e.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 100)
	for i, v := range vecs {
		require.Equal(t, []float32{float32(i)}, v, "vector %d out of position", i)
	}
	require.Equal(t, []int{96, 4}, batchSizes)
}

func TestEmbedTextsSingleChunkBelowBatchSize(t *testing.T) {
	var mu sync.Mutex
	var batchSizes []int
	srv := httptest.NewServer(fakeEmbeddings(t, &batchSizes, &mu))
	defer srv.Close()

	clientCfg := openai.DefaultConfig("test-key")
	clientCfg.BaseURL = srv.URL
	e := &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      "text-embedding-3-small",
		defaultDim: 1,
		batchSize:  96,
	}

	vecs, err := e.EmbedTexts(context.Background(), []string{"text-0", "text-1", "text-2"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	require.Equal(t, []float32{2}, vecs[2])
	require.Equal(t, []int{3}, batchSizes)
}

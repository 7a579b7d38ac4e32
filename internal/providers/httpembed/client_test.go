package httpembed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedText_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"hello", "world"}, req.Input)

		resp := embedResp{Data: []struct {
			Embedding []float32 `json:"embedding"`
		}{
			{Embedding: []float32{0.1, 0.2}},
			{Embedding: []float32{0.3, 0.4}},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New("voyage", srv.URL, "voyage-3-large", "key", 2)
	vecs, err := c.EmbedText(context.Background(), []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
}

func TestEmbedText_CountMismatchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResp{})
	}))
	defer srv.Close()

	c := New("ollama", srv.URL, "nomic-embed-text", "", 768)
	_, err := c.EmbedText(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestCheckReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResp{Data: []struct {
			Embedding []float32 `json:"embedding"`
		}{{Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	c := New("ollama", srv.URL, "m", "", 1)
	require.NoError(t, c.CheckReachability(context.Background()))
}

package models

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOllama struct {
	mu     sync.Mutex
	loaded []string
	calls  []map[string]any
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2:3b"},{"name":"nomic-embed-text"},{"name":"qwen2.5:7b"}]}`))
	})
	mux.HandleFunc("GET /api/ps", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		models := make([]map[string]string, 0, len(f.loaded))
		for _, m := range f.loaded {
			models = append(models, map[string]string{"name": m})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, body)
		model := body["model"].(string)
		if body["keep_alive"].(float64) == 0 {
			var kept []string
			for _, m := range f.loaded {
				if m != model {
					kept = append(kept, m)
				}
			}
			f.loaded = kept
		} else {
			f.loaded = append(f.loaded, model)
		}
		w.Write([]byte(`{}`))
	})
	return mux
}

func TestInstalledSkipsEmbeddingModels(t *testing.T) {
	f := &fakeOllama{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	names, err := NewOllama(srv.URL+"/", nil).Installed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:3b", "qwen2.5:7b"}, names)
}

func TestWarmThenReleaseAll(t *testing.T) {
	f := &fakeOllama{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	o := NewOllama(srv.URL, srv.Client())
	ctx := context.Background()

	require.NoError(t, o.Warm(ctx, "llama3.2:3b"))
	loaded, err := o.Loaded(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:3b"}, loaded)

	require.NoError(t, o.ReleaseAll(ctx))
	loaded, err = o.Loaded(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	require.Len(t, f.calls, 2)
	assert.EqualValues(t, -1, f.calls[0]["keep_alive"])
	assert.EqualValues(t, 0, f.calls[1]["keep_alive"])
}

func TestServerErrorsAreWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	o := NewOllama(srv.URL, nil)

	_, err := o.Installed(context.Background())
	assert.ErrorContains(t, err, "ollama tags: status 502")
	assert.ErrorContains(t, o.Warm(context.Background(), "m"), "ollama warm m")
}

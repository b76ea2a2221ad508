package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
)

// engineLister is the slice of a stage router the routes need.
type engineLister interface {
	Engines() []string
}

// modelCatalog lists locally hosted LLMs.
type modelCatalog interface {
	Installed(ctx context.Context) ([]string, error)
	Loaded(ctx context.Context) ([]string, error)
}

// sessionGauge reports admission state.
type sessionGauge interface {
	Active() int
	Capacity() int
}

type deps struct {
	wsHandler http.Handler
	modes     *mode.Registry
	asrRouter engineLister
	llmRouter engineLister
	ttsRouter engineLister
	ollama    modelCatalog
	metrics   *metrics.Aggregator
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/session", d.wsHandler)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /api/models", d.handleModels)
	mux.HandleFunc("GET /api/stats", d.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (d deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"modes":  d.modes.Names(),
	}
	if g, ok := d.wsHandler.(sessionGauge); ok {
		resp["sessions"] = map[string]int{"active": g.Active(), "capacity": g.Capacity()}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleModels lists the engines per stage and the locally installed LLMs.
func (d deps) handleModels(w http.ResponseWriter, r *http.Request) {
	llm := map[string]any{"engines": d.llmRouter.Engines()}
	if d.ollama != nil {
		if installed, err := d.ollama.Installed(r.Context()); err != nil {
			slog.Debug("list llm models", "error", err)
		} else {
			llm["models"] = installed
		}
		if loaded, err := d.ollama.Loaded(r.Context()); err == nil {
			llm["loaded"] = loaded
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modes": d.modes.Names(),
		"asr":   map[string]any{"engines": d.asrRouter.Engines()},
		"llm":   llm,
		"tts":   map[string]any{"engines": d.ttsRouter.Engines()},
	})
}

// handleStats returns the per-operation call counts.
func (d deps) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": d.metrics.Snapshot()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json", "error", err)
	}
}

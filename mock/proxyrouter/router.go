package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

const credentialHeader = "X-Private-Key"

// catalog mixes field spellings on purpose; real nodes are inconsistent.
var catalog = []map[string]any{
	{"Id": "0x0000000000000000000000000000000000000000000000000000000000000003", "Name": "gpt-4", "ModelName": "gpt-4-0613", "Fee": 100, "Tags": []string{"chat"}},
	{"id": "0x0000000000000000000000000000000000000000000000000000000000000004", "name": "gpt-4o", "modelName": "gpt-4o-2024-08-06", "fee": "80", "tags": "chat,vision"},
	{"Id": "0x0000000000000000000000000000000000000000000000000000000000000002", "Name": "gpt-4o-mini", "Fee": 10},
	{"Id": "0x0000000000000000000000000000000000000000000000000000000000000001", "Name": "gpt-3.5-turbo", "Fee": 5, "Type": "LLM"},
}

type mockSession struct {
	credential string
	modelID    string
	expiresAt  time.Time
}

// router holds the mock's session table.
type router struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]mockSession
}

func newRouter(cfg Config, log *slog.Logger) *router {
	return &router{cfg: cfg, log: log, sessions: make(map[string]mockSession)}
}

func (rt *router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("GET /blockchain/models", rt.handleModels)
	mux.HandleFunc("POST /blockchain/models/{id}/session", rt.handleOpenSession)
	mux.HandleFunc("POST /blockchain/sessions/{id}/close", rt.handleCloseSession)
	mux.HandleFunc("POST /v1/chat/completions", rt.handleCompletion)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})
	return mux
}

func (rt *router) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(credentialHeader) == "" {
		writeError(w, http.StatusUnauthorized, "missing private key")
		return
	}
	applyLatency(rt.cfg)
	writeJSON(w, http.StatusOK, map[string]any{"models": catalog})
}

func (rt *router) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	cred := r.Header.Get(credentialHeader)
	if cred == "" {
		writeError(w, http.StatusUnauthorized, "missing private key")
		return
	}
	applyLatency(rt.cfg)

	var req struct {
		SessionDuration int64 `json:"sessionDuration"`
		DirectPayment   bool  `json:"directPayment"`
		Failover        bool  `json:"failover"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionDuration <= 0 {
		writeError(w, http.StatusBadRequest, "invalid session request")
		return
	}

	modelID := r.PathValue("id")
	if !knownModel(modelID) {
		writeError(w, http.StatusBadRequest, "unknown model "+modelID)
		return
	}

	ttl := time.Duration(req.SessionDuration) * time.Second
	if rt.cfg.SessionMax > 0 && ttl > rt.cfg.SessionMax {
		ttl = rt.cfg.SessionMax
	}

	id := fmt.Sprintf("0x%064x", rand.Uint64())
	rt.mu.Lock()
	rt.sessions[id] = mockSession{credential: cred, modelID: modelID, expiresAt: time.Now().Add(ttl)}
	rt.mu.Unlock()

	rt.log.Info("session opened", slog.String("session_id", id), slog.String("model_id", modelID), slog.Duration("ttl", ttl))
	writeJSON(w, http.StatusOK, map[string]string{"sessionID": id})
}

func (rt *router) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cred := r.Header.Get(credentialHeader)

	rt.mu.Lock()
	s, ok := rt.sessions[id]
	if ok && s.credential == cred {
		delete(rt.sessions, id)
	}
	rt.mu.Unlock()

	if !ok || s.credential != cred {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "closed"})
}

func (rt *router) handleCompletion(w http.ResponseWriter, r *http.Request) {
	cred := r.Header.Get(credentialHeader)
	sid := r.Header.Get("session_id")

	rt.mu.Lock()
	s, ok := rt.sessions[sid]
	if ok && time.Now().After(s.expiresAt) {
		delete(rt.sessions, sid)
		ok = false
	}
	rt.mu.Unlock()

	switch {
	case !ok:
		writeError(w, http.StatusBadRequest, "session expired or not found")
		return
	case s.credential != cred:
		writeError(w, http.StatusForbidden, "session belongs to another key")
		return
	}

	applyLatency(rt.cfg)
	if roll(rt.cfg.ErrorRate) {
		writeError(w, http.StatusInternalServerError, "mock internal server error")
		return
	}

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if roll(rt.cfg.EmptyRate) {
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
	content := fakeSentence(rt.cfg.StreamWords)
	if req.Stream {
		serveStream(w, id, req.Model, content)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": rt.cfg.StreamWords,
			"total_tokens":      10 + rt.cfg.StreamWords,
		},
	})
}

// serveStream writes an SSE stream of chat completion chunks.
func serveStream(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(delta map[string]string, finish any) {
		data, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(content) {
		emit(map[string]string{"content": word + " "}, nil)
	}
	emit(map[string]string{}, "stop")
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func knownModel(id string) bool {
	for _, m := range catalog {
		for _, k := range []string{"Id", "id"} {
			if v, ok := m[k].(string); ok && strings.EqualFold(v, id) {
				return true
			}
		}
	}
	return false
}

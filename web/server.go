// Package web serves the configuration UI: a JSON API over the persisted
// document plus an embedded single-page front end.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomasmach/tavern/agent"
	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/history"
	"github.com/tomasmach/tavern/logstore"
	"github.com/tomasmach/tavern/lorebook"
	"github.com/tomasmach/tavern/persona"
)

//go:embed static
var staticFiles embed.FS

// ModelLister lists the models the completion backend offers.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// MessageSender posts manual messages to a channel.
type MessageSender interface {
	SendText(ctx context.Context, channelID, content string) error
	SendAs(ctx context.Context, channelID string, id agent.Identity, content string) error
}

// StatusSource reports live channel agents.
type StatusSource interface {
	Status() []agent.ChannelStatus
}

// Deps are the optional collaborators of a Server. Nil fields disable the
// endpoints that need them.
type Deps struct {
	Models ModelLister
	// Sender builds a sender from the current document, so token edits take
	// effect without restarting the UI.
	Sender func(cfg *config.Config) (MessageSender, error)
	Logs   *logstore.Store
	Status StatusSource
	// MessageLimit bounds each manual message piece; zero means 2000.
	MessageLimit int
}

type Server struct {
	store      *config.Store
	lorebooks  *lorebook.Engine
	personas   *persona.Registry
	history    *history.Log
	deps       Deps
	sseSubs    []chan string
	ssesMu     sync.Mutex
	handler    http.Handler
	httpServer *http.Server
}

func New(addr string, store *config.Store, deps Deps) *Server {
	s := &Server{
		store:     store,
		lorebooks: lorebook.New(store),
		personas:  persona.New(store),
		history:   history.New(store),
		deps:      deps,
	}
	if s.deps.MessageLimit <= 0 {
		s.deps.MessageLimit = 2000
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleSSE)

	mux.HandleFunc("GET /api/characters", s.handleListCharacters(persona.AI))
	mux.HandleFunc("POST /api/characters", s.handleCreateCharacter(persona.AI))
	mux.HandleFunc("PUT /api/characters/{id}", s.handleUpdateCharacter(persona.AI))
	mux.HandleFunc("DELETE /api/characters/{id}", s.handleDeleteCharacter(persona.AI))
	mux.HandleFunc("GET /api/user-characters", s.handleListCharacters(persona.User))
	mux.HandleFunc("POST /api/user-characters", s.handleCreateCharacter(persona.User))
	mux.HandleFunc("PUT /api/user-characters/{id}", s.handleUpdateCharacter(persona.User))
	mux.HandleFunc("DELETE /api/user-characters/{id}", s.handleDeleteCharacter(persona.User))

	mux.HandleFunc("GET /api/channels", s.handleListBindings)
	mux.HandleFunc("PUT /api/channels/{channel}/character", s.handleBindChannel)
	mux.HandleFunc("DELETE /api/channels/{channel}/character", s.handleUnbindChannel)

	mux.HandleFunc("GET /api/lorebooks", s.handleListLorebooks)
	mux.HandleFunc("POST /api/lorebooks", s.handleCreateLorebook)
	mux.HandleFunc("PATCH /api/lorebooks/{name}", s.handlePatchLorebook)
	mux.HandleFunc("DELETE /api/lorebooks/{name}", s.handleDeleteLorebook)
	mux.HandleFunc("POST /api/lorebooks/{name}/entries", s.handleAddFragment)
	mux.HandleFunc("PUT /api/lorebooks/{name}/entries/{index}", s.handleUpdateFragment)
	mux.HandleFunc("DELETE /api/lorebooks/{name}/entries/{index}", s.handleDeleteFragment)

	mux.HandleFunc("GET /api/presets", s.handleListPresets)
	mux.HandleFunc("POST /api/presets", s.handleCreatePreset)
	mux.HandleFunc("PUT /api/presets/{name}", s.handleUpdatePreset)
	mux.HandleFunc("DELETE /api/presets/{name}", s.handleDeletePreset)
	mux.HandleFunc("PUT /api/active-preset", s.handleActivatePreset)

	mux.HandleFunc("GET /api/history/{channel}", s.handleGetHistory)
	mux.HandleFunc("DELETE /api/history/{channel}", s.handleClearHistory)
	mux.HandleFunc("GET /api/history-limit", s.handleGetHistoryLimit)
	mux.HandleFunc("PUT /api/history-limit", s.handlePutHistoryLimit)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("POST /api/models/refresh", s.handleRefreshModels)
	mux.HandleFunc("POST /api/send", s.handleManualSend)
	mux.HandleFunc("GET /api/logs", s.handleListLogs)

	mux.Handle("GET /metrics", promhttp.Handler())
	sub, _ := fs.Sub(staticFiles, "static")
	mux.HandleFunc("/", http.FileServer(http.FS(sub)).ServeHTTP)

	s.handler = s.reloading(mux)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// reloading refreshes the snapshot before every API request so edits made by
// a running bot (history appends, !commands) are not overwritten.
func (s *Server) reloading(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.store.Reload(); err != nil {
			slog.Warn("reload config, using previous snapshot", tint.Err(err))
		}
		next.ServeHTTP(w, r)
	})
}

// StartStatusPoller pushes agent status to SSE subscribers every five seconds.
// It is a no-op when the server has no status source.
func (s *Server) StartStatusPoller(ctx context.Context) {
	if s.deps.Status == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				data, err := json.Marshal(s.deps.Status.Status())
				if err != nil {
					slog.Error("marshal status", tint.Err(err))
					continue
				}
				s.broadcast(fmt.Sprintf("event: status\ndata: %s\n\n", data))
			}
		}
	}()
}

func (s *Server) subscribe() chan string {
	ch := make(chan string, 16)
	s.ssesMu.Lock()
	s.sseSubs = append(s.sseSubs, ch)
	s.ssesMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan string) {
	s.ssesMu.Lock()
	defer s.ssesMu.Unlock()
	for i, sub := range s.sseSubs {
		if sub == ch {
			s.sseSubs = append(s.sseSubs[:i], s.sseSubs[i+1:]...)
			return
		}
	}
}

func (s *Server) broadcast(msg string) {
	s.ssesMu.Lock()
	defer s.ssesMu.Unlock()
	for _, ch := range s.sseSubs {
		select {
		case ch <- msg:
		default:
			// drop slow subscriber
		}
	}
}

// changed tells subscribers which section of the document was edited.
func (s *Server) changed(section string) {
	s.broadcast(fmt.Sprintf("event: config_changed\ndata: %q\n\n", section))
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := s.subscribe()
	defer s.unsubscribe(ch)
	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			fmt.Fprint(w, msg)
			flusher.Flush()
		}
	}
}

type statusResponse struct {
	Ready      bool                  `json:"ready"`
	Problems   []string              `json:"problems"`
	Characters int                   `json:"characters"`
	Lorebooks  int                   `json:"lorebooks"`
	Preset     string                `json:"active_preset"`
	Channels   []agent.ChannelStatus `json:"channels,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Get()
	resp := statusResponse{
		Problems:   cfg.Problems(),
		Characters: len(cfg.Characters),
		Lorebooks:  len(cfg.Lorebooks),
		Preset:     cfg.ActivePresetName(),
	}
	if resp.Problems == nil {
		resp.Problems = []string{}
	}
	resp.Ready = len(resp.Problems) == 0
	if s.deps.Status != nil {
		resp.Channels = s.deps.Status.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", tint.Err(err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persona.ErrNotFound),
		errors.Is(err, lorebook.ErrNotFound),
		errors.Is(err, errPresetNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, persona.ErrDuplicateID),
		errors.Is(err, lorebook.ErrDuplicateName),
		errors.Is(err, errDuplicatePreset):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, persona.ErrInvalidID),
		errors.Is(err, lorebook.ErrEmptyName),
		errors.Is(err, lorebook.ErrIndexOutOfRange),
		errors.Is(err, lorebook.ErrInvalidType),
		errors.Is(err, lorebook.ErrMissingKeywords),
		errors.Is(err, lorebook.ErrUnexpectedKeywords),
		errors.Is(err, errInvalidPreset):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed", tint.Err(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

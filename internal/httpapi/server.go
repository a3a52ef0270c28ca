// Package httpapi exposes the conversation API over HTTP: the SSE chat
// endpoint plus the thin CRUD surface around conversations.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zm-bad/dagchat/internal/chat"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

// Options configures the API server.
type Options struct {
	Host    string
	Port    int
	Version string

	// ChatRPM limits chat requests per user per minute. 0 disables.
	ChatRPM   int
	ChatBurst int
}

// Server wires the dispatcher, the stores and the provider registry into an
// HTTP handler.
type Server struct {
	opts          Options
	version       string
	dispatcher    *chat.Dispatcher
	conversations store.ConversationStore
	nodes         store.NodeStore
	registry      *providers.Registry
	limiter       *userLimiter

	mux        *http.ServeMux
	httpServer *http.Server
}

func NewServer(opts Options, dispatcher *chat.Dispatcher, conversations store.ConversationStore, nodes store.NodeStore, registry *providers.Registry) *Server {
	burst := opts.ChatBurst
	if burst <= 0 {
		burst = 5
	}
	return &Server{
		opts:          opts,
		version:       opts.Version,
		dispatcher:    dispatcher,
		conversations: conversations,
		nodes:         nodes,
		registry:      registry,
		limiter:       newUserLimiter(opts.ChatRPM, burst),
	}
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleLiveness)

	mux.HandleFunc("POST /api/v1/create-conversation", s.handleCreateConversation)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("GET /api/v1/dialogue/list", s.handleDialogueList)
	mux.HandleFunc("GET /api/v1/dialogue/history", s.handleDialogueHistory)
	mux.HandleFunc("PUT /api/v1/dialogue/rename", s.handleDialogueRename)
	mux.HandleFunc("DELETE /api/v1/dialogue/delete", s.handleDialogueDelete)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/hello", s.handleHello)
	mux.HandleFunc("GET /api/v1/info", s.handleInfo)

	s.mux = mux
	return mux
}

// Start listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	handler := withLogging(withCORS(s.BuildMux()))

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	slog.Info("server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

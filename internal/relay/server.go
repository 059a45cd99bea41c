package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/supportchat/internal/api"
	"github.com/ashureev/supportchat/internal/middleware"
	"github.com/ashureev/supportchat/internal/store"
)

// ServerConfig wires a relay server.
type ServerConfig struct {
	Repo           store.ChatRepository
	AdminToken     string
	UploadDir      string
	AllowedOrigins []string
	RequestLog     bool
	Logger         *slog.Logger
}

// Server is the relay's HTTP surface: the websocket channel at /ws and the
// REST backend under /api.
type Server struct {
	hub     *Hub
	handler http.Handler
}

// NewServer builds the relay router.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	hub := NewHub(logger)
	base := api.NewHandler(cfg.Repo, cfg.UploadDir, logger)
	wsHandler := NewWebSocketHandler(cfg.Repo, hub, cfg.AdminToken, origins[0], logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if cfg.RequestLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))

	api.NewHealthHandler(base, 5*time.Second).RegisterHealth(r)
	api.NewChatHandler(base).RegisterRoutes(r, middleware.BearerToken(cfg.AdminToken))
	r.Get("/ws", wsHandler.ServeHTTP)

	return &Server{hub: hub, handler: r}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub returns the connection registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects every channel.
func (s *Server) Close() {
	s.hub.CloseAll()
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/dispatch"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/session"
)

// Dispatcher sends one message through an organization's channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, cfg channels.ChannelConfig, recipient channels.Recipient, body string) dispatch.Outcome
}

// Sessions is the session gate as seen by the HTTP surface.
type Sessions interface {
	BeginPairing(ctx context.Context, orgID string, kind channels.ChannelKind) (session.QRPayload, error)
	State(orgID string, kind channels.ChannelKind) session.State
	Challenge(orgID string, kind channels.ChannelKind) (session.QRPayload, bool)
	Logout(ctx context.Context, orgID string, kind channels.ChannelKind) error
	Snapshot() []session.EntryView
	Subscribe(ctx context.Context) (<-chan bus.Event, error)
}

type Server struct {
	server    *http.Server
	config    *config.Config
	adapters  *channels.Registry
	router    Dispatcher
	sessions  Sessions
	hub       *Hub
	startTime time.Time
}

func NewServer(cfg *config.Config, adapters *channels.Registry, router Dispatcher, sessions Sessions) *Server {
	s := &Server{
		config:    cfg,
		adapters:  adapters,
		router:    router,
		sessions:  sessions,
		startTime: time.Now(),
	}
	s.hub = NewHub(sessions, s.sendFromSocket, cfg.Gateway.AllowedOrigins)
	return s
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.Gateway.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.hub.HandleWebSocket)

	r.Post("/send-whatsapp", s.handleProxySend(channels.KindWhatsApp))
	r.Post("/send-signal", s.handleProxySend(channels.KindSignal))
	r.Post("/notify", s.handleNotify)

	r.Route("/orgs/{orgID}", func(r chi.Router) {
		r.Post("/dispatch", s.handleDispatch)
		r.Post("/pairing", s.handleBeginPairing)
		r.Get("/pairing", s.handlePairingState)
		r.Delete("/pairing", s.handleLogout)
	})
	return r
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.hub.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	logger.InfoCF("server", "Starting HTTP server", map[string]interface{}{
		"addr": ln.Addr().String(),
	})

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("server", "HTTP server failed", map[string]interface{}{
				logger.FieldError: err.Error(),
			})
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.server != nil {
		logger.InfoC("server", "Stopping HTTP server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.DebugCF("server", "Request served", map[string]interface{}{
			"method":               r.Method,
			"path":                 r.URL.Path,
			"request_id":           middleware.GetReqID(r.Context()),
			logger.FieldHTTPStatus: ww.Status(),
			logger.FieldDuration:   time.Since(start).String(),
		})
	})
}

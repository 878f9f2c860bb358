package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/obot-platform/previewbox/internal/config"
	"github.com/obot-platform/previewbox/internal/logger"
)

// requestTimeout bounds the plain REST endpoints. Streams are exempt.
const requestTimeout = 60 * time.Second

// NewRouter builds the HTTP routes for h.
func NewRouter(h *Handler, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// Long-lived streams are exempt from the request timeout.
		r.Get("/terminal/ws", h.TerminalWebSocket)
		if h.broker != nil {
			r.Get("/events", h.Events)
		}

		rest := r.With(chimiddleware.Timeout(requestTimeout))

		rest.Get("/sandbox", h.GetSandbox)
		rest.Delete("/sandbox", h.ShutdownSandbox)
		rest.Post("/sandbox/boot", h.BootSandbox)

		rest.Get("/files", h.GetFile)
		rest.Put("/files", h.PushFile)
		rest.Post("/files/mount", h.MountFiles)

		rest.Get("/terminal", h.GetTerminal)
		rest.Delete("/terminal", h.ClearTerminal)
		rest.Post("/terminal/commands", h.SubmitCommand)

		rest.Get("/preview", h.GetPreview)
		rest.Post("/preview/ready", h.SignalPreviewReady)
	})

	return r
}

// requestLogger logs each completed request through log.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.LogRequest(r, ww.Status(), time.Since(start))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

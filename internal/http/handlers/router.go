package handlers

import (
	"net/http"

	"github.com/diagnosis/wa-relay/internal/http/middleware"
	"github.com/diagnosis/wa-relay/internal/http/response"
	mw "github.com/diagnosis/wa-relay/pkg/middleware"
	"github.com/go-chi/chi/v5"
)

type RouterConfig struct {
	ServiceName    string
	AllowedOrigins []string
	APIKey         string
	JWTSecret      string
}

// NewRouter assembles the relay's HTTP surface.
func NewRouter(cfg RouterConfig, wa *WhatsAppHandler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName(cfg.ServiceName))
	r.Use(mw.Logging)
	r.Use(mw.Recoverer)
	r.Use(mw.CORS(cfg.AllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, "Route not found")
	})

	r.Get("/health", Health(wa.Session))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(cfg.APIKey, cfg.JWTSecret))
		r.Mount("/whatsapp", wa.Routes())
	})

	return r
}

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hollandav/boardroom/internal/registry"
	"github.com/hollandav/boardroom/internal/relay"
	"github.com/hollandav/boardroom/internal/ws"
)

// SetupRoutes builds the router with the registry and relay injected.
func SetupRoutes(reg *registry.Registry, rel *relay.Relay, allowedOrigins []string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	r.Use(c.Handler)

	r.Get("/healthz", Healthz(reg))
	r.Get("/rooms", ListRooms(reg))
	r.Get("/ws", ws.NewHandler(reg, rel, log).ServeHTTP)
	return r
}

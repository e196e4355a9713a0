package server

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/Tyrowin/gochat-rooms/internal/metrics"
)

// SetupRoutes configures the application routes: the chat endpoint, health
// check, room introspection and metrics. The REST surface gets CORS headers
// for the same origins the gateway accepts.
func SetupRoutes(g *Gateway, rooms RoomLister, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(ChatPathPrefix, g)
	mux.HandleFunc("GET /healthz", HealthHandler)
	mux.HandleFunc("GET /rooms", RoomsHandler(rooms))
	mux.HandleFunc("GET /rooms/{room}", RoomHandler(rooms))
	mux.Handle("GET /metrics", m.Handler())

	c := cors.New(cors.Options{
		AllowOriginFunc: g.origins.allows,
		AllowedMethods:  []string{http.MethodGet, http.MethodOptions},
	})
	return c.Handler(mux)
}

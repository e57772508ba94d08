package gateway

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/studyhive/studyhive/internal/auth"
	"github.com/studyhive/studyhive/internal/room"
	"github.com/studyhive/studyhive/internal/store"
)

// Service bundles the gateway handler with its configuration and
// registers the HTTP surface.
type Service struct {
	handler *Handler
}

// NewService creates the gateway service.
func NewService(registry *room.Registry, st store.Store, verifier auth.Verifier, cfg ConnectionConfig) *Service {
	return &Service{
		handler: NewHandler(registry, st, verifier, cfg),
	}
}

// RegisterRoutes registers the websocket and REST routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", s.handler.HandleRoomConnection)
	mux.HandleFunc("/api/rooms", s.handler.HandleCreateRoom)
	mux.HandleFunc("GET /api/rooms/{code}", s.handler.HandleGetRoom)
	mux.HandleFunc("GET /api/stats", s.handler.HandleStats)
	log.Info().Msg("gateway routes registered")
}

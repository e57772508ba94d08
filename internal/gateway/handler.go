package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/studyhive/studyhive/internal/auth"
	"github.com/studyhive/studyhive/internal/room"
	"github.com/studyhive/studyhive/internal/store"
)

// Handler owns the HTTP surface: websocket upgrades into room
// sessions, and the small REST API for creating and reading rooms.
type Handler struct {
	registry *room.Registry
	store    store.Store
	verifier auth.Verifier
	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// NewHandler builds the gateway handler.
func NewHandler(registry *room.Registry, st store.Store, verifier auth.Verifier, cfg ConnectionConfig) *Handler {
	return &Handler{
		registry: registry,
		store:    st,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		config: cfg,
	}
}

// HandleRoomConnection upgrades a client into a room. A connect that
// fails verification or room lookup terminates with no partial
// registration.
func (h *Handler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomCode := r.URL.Query().Get("roomCode")
	userID := r.URL.Query().Get("userId")
	username := r.URL.Query().Get("username")
	token := r.URL.Query().Get("token")
	if roomCode == "" || userID == "" || username == "" {
		http.Error(w, "roomCode, userId and username are required", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(token, userID); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("connection rejected")
		http.Error(w, "identity verification failed", http.StatusUnauthorized)
		return
	}

	session, err := h.registry.GetOrCreate(r.Context(), roomCode)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("room_code", roomCode).Msg("room lookup failed")
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	att := room.NewAttachment(uuid.New().String(), userID, username, h.config.SendBuffer, func() {
		conn.Close()
	})
	if err := session.Attach(att); err != nil {
		// Lost a race with eviction; the client reconnects and
		// rehydrates.
		log.Warn().Err(err).Str("room_code", roomCode).Msg("attach to stopping session")
		conn.Close()
		return
	}

	c := &Connection{
		ID:       att.ID,
		UserID:   userID,
		Username: username,
		RoomCode: roomCode,
		conn:     conn,
		att:      att,
		session:  session,
		config:   h.config,
	}
	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", userID).
		Str("room_code", roomCode).
		Msg("websocket connection established")
}

type createRoomRequest struct {
	Name     string `json:"name"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// HandleCreateRoom services the first client's create-room request:
// a durable record plus a shareable code. The live session comes up
// when the creator connects.
func (h *Handler) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.UserID == "" {
		http.Error(w, "name and userId are required", http.StatusBadRequest)
		return
	}
	if err := h.verifier.Verify(req.Token, req.UserID); err != nil {
		http.Error(w, "identity verification failed", http.StatusUnauthorized)
		return
	}

	rec, err := h.registry.CreateRoom(r.Context(), req.Name, req.UserID)
	if err != nil {
		log.Error().Err(err).Str("creator_id", req.UserID).Msg("room creation failed")
		http.Error(w, "could not create room", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

// HandleGetRoom returns the last persisted state for a room, which is
// what a reconnecting or browsing client needs before attaching.
func (h *Handler) HandleGetRoom(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		http.Error(w, "room code is required", http.StatusBadRequest)
		return
	}
	rec, err := h.store.GetRoom(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("room_code", code).Msg("room read failed")
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// HandleStats reports live room and connection counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	rooms, connections := h.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"live_rooms":        rooms,
		"total_connections": connections,
		"timestamp":         time.Now().UTC(),
	})
}

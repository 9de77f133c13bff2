package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/trackside/internal/correlator"
	"github.com/trackside/internal/domain"
	"github.com/trackside/internal/postgres"
	"github.com/trackside/internal/redis"
	"github.com/trackside/internal/websocket"
)

// Handler provides HTTP handlers for the companion API
type Handler struct {
	engine   *correlator.Engine
	repo     *postgres.Repository
	presence *redis.PresenceStore
	hub      *websocket.Hub
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	engine *correlator.Engine,
	repo *postgres.Repository,
	presence *redis.PresenceStore,
	hub *websocket.Hub,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		engine:   engine,
		repo:     repo,
		presence: presence,
		hub:      hub,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket live feed
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Result submission from the server-side plugin
		r.Post("/results", h.SubmitResult)

		// Player listings
		r.Route("/players", func(r chi.Router) {
			r.Get("/", h.ListPlayers)
			r.Get("/online", h.ListOnlinePlayers)
		})

		// Per-map record queries
		r.Route("/maps/{mapUID}", func(r chi.Router) {
			r.Get("/records", h.GetMapRecords)
			r.Get("/players/{login}/records", h.GetPlayerMapRecords)
		})

		// Engine and feed statistics
		r.Get("/stats", h.GetStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// SubmitResult handles race result submission
func (h *Handler) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var sub domain.ResultSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.engine.RecordResultForLogin(r.Context(), sub); err != nil {
		if domain.IsNotFoundError(err) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		if err == domain.ErrInvalidResult {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger.Error("failed to record result", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "accepted"})
}

// ListPlayers returns all known players, most recently seen first
func (h *Handler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.repo.ListPlayers(r.Context())
	if err != nil {
		h.logger.Error("failed to list players", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, players)
}

// ListOnlinePlayers returns players currently connected to the server
func (h *Handler) ListOnlinePlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.presence.OnlinePlayers(r.Context())
	if err != nil {
		h.logger.Error("failed to list online players", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, players)
}

// GetMapRecords returns the best score per player for a map, ranked
// ascending by score
func (h *Handler) GetMapRecords(w http.ResponseWriter, r *http.Request) {
	mapUID := chi.URLParam(r, "mapUID")
	if mapUID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	trackMap, err := h.repo.FindMapByUID(r.Context(), mapUID)
	if err != nil {
		if err == domain.ErrMapNotFound {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to resolve map", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	records, err := h.repo.BestByMap(r.Context(), trackMap.ID, gameMode(r))
	if err != nil {
		h.logger.Error("failed to get map records", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, records)
}

// GetPlayerMapRecords returns every score a player achieved on a map,
// ascending by score
func (h *Handler) GetPlayerMapRecords(w http.ResponseWriter, r *http.Request) {
	mapUID := chi.URLParam(r, "mapUID")
	login := chi.URLParam(r, "login")
	if mapUID == "" || login == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	trackMap, err := h.repo.FindMapByUID(r.Context(), mapUID)
	if err != nil {
		if err == domain.ErrMapNotFound {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to resolve map", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	player, err := h.repo.FindPlayerByLogin(r.Context(), login)
	if err != nil {
		if err == domain.ErrPlayerNotFound {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to resolve player", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	records, err := h.repo.ResultsByPlayerAndMap(r.Context(), trackMap.ID, player.ID, gameMode(r))
	if err != nil {
		h.logger.Error("failed to get player records", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, records)
}

// GetStats returns correlation engine counters and feed connection stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	onlineCount, err := h.presence.OnlineCount(r.Context())
	if err != nil {
		h.logger.Warn("failed to count online players", "error", err)
	}

	h.writeSuccess(w, map[string]interface{}{
		"engine":           h.engine.Stats(),
		"online_players":   onlineCount,
		"feed_connections": h.hub.GetTotalConnections(),
	})
}

// gameMode parses the optional mode query parameter
func gameMode(r *http.Request) int {
	if modeStr := r.URL.Query().Get("mode"); modeStr != "" {
		if mode, err := strconv.Atoi(modeStr); err == nil && mode >= 0 {
			return mode
		}
	}
	return domain.GameModeTimeAttack
}

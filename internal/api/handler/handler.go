package handler

import (
	"confidant/backend/internal/chathub"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler містить посилання на ChatHub та налаштування токенів
type Handler struct {
	Hub       *chathub.ManagerService
	jwtSecret []byte
	tokenTTL  time.Duration
	log       *slog.Logger
}

func NewHandler(hub *chathub.ManagerService, jwtSecret string, tokenTTL time.Duration, log *slog.Logger) *Handler {
	return &Handler{
		Hub:       hub,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		log:       log,
	}
}

// RegisterRoutes підключає роути до gin
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/anonid", h.GetAnonID)  // Отримання JWT для AnonID
	r.GET("/ws", h.ServeWebSocket) // WebSocket Upgrade
	r.GET("/healthz", h.Healthz)
}

package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/liveroom/internal/logger"
	"github.com/mossy-p/liveroom/internal/middleware"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/mossy-p/liveroom/internal/redis"
	"github.com/mossy-p/liveroom/internal/room"
	"github.com/rs/zerolog"
)

const (
	roomCodeLength    = 6
	defaultMaxViewers = 500
	codeChars         = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// RoomStore persists event room metadata.
type RoomStore interface {
	SaveRoom(ctx context.Context, room models.RoomMetadata) error
	GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, room models.RoomMetadata) error
}

// RoomHandler serves /api/rooms.
type RoomHandler struct {
	store RoomStore
	coord *room.Coordinator
	log   zerolog.Logger
}

func NewRoomHandler(store RoomStore, coord *room.Coordinator, log zerolog.Logger) *RoomHandler {
	return &RoomHandler{store: store, coord: coord, log: log}
}

// CreateRoom creates a new event room (requires host role)
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	p, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.MaxViewers == 0 {
		req.MaxViewers = defaultMaxViewers
	}

	// Event rooms are keyed by the booking platform's event id when given.
	roomID := req.EventID
	if roomID == "" {
		roomID = uuid.New().String()
	}

	code, err := generateRoomCode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	meta := models.RoomMetadata{
		ID:         roomID,
		Code:       code,
		HostID:     p.ID,
		Title:      req.Title,
		CreatedAt:  time.Now().UTC(),
		MaxViewers: req.MaxViewers,
	}

	if err := h.store.SaveRoom(c.Request.Context(), meta); err != nil {
		log := logger.Ctx(c.Request.Context())
		log.Error().Err(err).Msg("failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.log.Info().
		Str(logger.FieldRoomID, roomID).
		Str("code", code).
		Str(logger.FieldParticipantID, p.ID).
		Msg("room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: roomID,
		Code:   code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *RoomHandler) GetRoom(c *gin.Context) {
	meta, err := h.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		log := logger.Ctx(c.Request.Context())
		log.Error().Err(err).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	// This instance's coordinator is authoritative for rooms it hosts.
	if n := h.coord.ViewerCount(meta.ID); n > 0 {
		meta.ViewerCount = n
	}

	c.JSON(http.StatusOK, meta)
}

// DeleteRoom deletes a room and ends its broadcast (host only)
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	p, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	ctx := c.Request.Context()
	meta, err := h.store.GetRoom(ctx, c.Param("roomId"))
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	if meta.HostID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room host can delete the room"})
		return
	}

	if err := h.coord.EndBroadcast(meta.ID, p.ID); err != nil && !errors.Is(err, room.ErrNotInRoom) {
		h.log.Warn().Err(err).Str(logger.FieldRoomID, meta.ID).Msg("failed to end broadcast")
	}

	if err := h.store.DeleteRoom(ctx, *meta); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.log.Info().Str(logger.FieldRoomID, meta.ID).Str(logger.FieldParticipantID, p.ID).Msg("room deleted")

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// generateRoomCode generates a random room code
func generateRoomCode() (string, error) {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", err
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}

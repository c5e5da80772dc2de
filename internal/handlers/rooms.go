package handlers

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/voicemesh/config"
	"github.com/mossy-p/voicemesh/internal/arbiter"
	"github.com/mossy-p/voicemesh/internal/models"
	"github.com/mossy-p/voicemesh/internal/redis"
	"github.com/mossy-p/voicemesh/internal/roomsvc"
)

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no ambiguous chars
)

// API carries the handler dependencies.
type API struct {
	store     *redis.Store
	rooms     *roomsvc.Service
	arb       *arbiter.Service
	jwtSecret string
	defaults  config.VoiceDefaults
	logger    *slog.Logger
}

func NewAPI(store *redis.Store, rooms *roomsvc.Service, arb *arbiter.Service, jwtSecret string, defaults config.VoiceDefaults, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &API{
		store:     store,
		rooms:     rooms,
		arb:       arb,
		jwtSecret: jwtSecret,
		defaults:  defaults,
		logger:    logger,
	}
}

// CreateRoom creates a room with its voice settings (requires authentication).
func (a *API) CreateRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = 8
	}

	settings := a.defaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	settings.Normalize()

	room := &models.RoomMetadata{
		ID:              uuid.New().String(),
		Code:            generateRoomCode(),
		CreatorID:       userID.(string),
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
		Settings:        settings,
	}

	if err := a.store.CreateRoom(c.Request.Context(), room); err != nil {
		a.logger.Error("create room", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	a.logger.Info("room created", "room", room.ID, "code", room.Code, "creator", room.CreatorID)
	c.JSON(http.StatusCreated, models.CreateRoomResponse{RoomID: room.ID, Code: room.Code})
}

// GetRoom returns room metadata by code or id (public).
func (a *API) GetRoom(c *gin.Context) {
	room, err := a.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		if errors.Is(err, redis.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		a.logger.Error("load room", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication, creator only).
func (a *API) DeleteRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, err := a.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if room.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := a.store.DeleteRoom(c.Request.Context(), room); err != nil {
		a.logger.Error("delete room", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	a.logger.Info("room deleted", "room", room.ID, "by", userID)
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// GetVoiceSettings returns the room's turn-taking configuration (public).
func (a *API) GetVoiceSettings(c *gin.Context) {
	room, err := a.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, room.Settings)
}

// UpdateVoiceSettings replaces the room's turn-taking configuration
// (requires authentication, creator only). Live sessions pick the change up
// on their next arbitration decision.
func (a *API) UpdateVoiceSettings(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, err := a.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if room.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can change voice settings"})
		return
	}

	var settings models.VoiceSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settings.Normalize()

	if err := a.store.SaveSettings(c.Request.Context(), room.ID, settings); err != nil {
		a.logger.Error("save voice settings", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save settings"})
		return
	}
	a.arb.UpdateSettings(room.ID, settings)

	a.logger.Info("voice settings updated", "room", room.ID, "by", userID)
	c.JSON(http.StatusOK, settings)
}

func (a *API) defaultSettings() models.VoiceSettings {
	return models.VoiceSettings{
		Mode:               models.ModeOpen,
		LockDuringResponse: true,
		AllowInterrupt:     true,
		EnableQueue:        true,
		MaxQueueSize:       a.defaults.MaxQueueSize,
		QueueTimeoutMs:     int(a.defaults.QueueTimeout.Milliseconds()),
		PriorityTimeoutMs:  int(a.defaults.PriorityTimeout.Milliseconds()),
		LockTimeoutMs:      int(a.defaults.LockTimeout.Milliseconds()),
		MinTurnIntervalMs:  int(a.defaults.MinTurnInterval.Milliseconds()),
	}
}

func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

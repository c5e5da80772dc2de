package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades the connection and hands the participant to the
// room service. Accepts a room code or id.
func (a *API) HandleSignaling(c *gin.Context) {
	roomIdentifier := c.Param("roomId")
	if roomIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}
	displayName := c.Query("displayName")

	room, err := a.store.GetRoom(c.Request.Context(), roomIdentifier)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if room.MaxParticipants > 0 && room.ParticipantCount >= room.MaxParticipants {
		c.JSON(http.StatusForbidden, gin.H{"error": "Room is full"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	peerID := uuid.New().String()
	a.logger.Info("peer connecting", "room", room.ID, "peer", peerID, "name", displayName)
	a.rooms.Join(room, peerID, displayName, conn)
}

// Package http holds the REST handlers around the relay: room listing,
// presence snapshots and the backend notify hooks.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/dkeye/Comms/internal/app/orch"
	"github.com/dkeye/Comms/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Handlers struct {
	Orch *orch.Orchestrator
}

func NewHandlers(o *orch.Orchestrator) *Handlers {
	return &Handlers{Orch: o}
}

type PresenceResponse struct {
	Room    domain.RoomID     `json:"room"`
	Kind    domain.RoomKind   `json:"kind"`
	Members []domain.Identity `json:"members"`
}

// DirectMessageRequest is what the backend posts after persisting a message.
type DirectMessageRequest struct {
	To             domain.Identity `json:"to" binding:"required"`
	From           domain.Identity `json:"from"`
	ConversationID string          `json:"conversation_id" binding:"required"`
}

// BroadcastRequest is a server announcement for every live connection.
type BroadcastRequest struct {
	Type    domain.EnvelopeType `json:"type" binding:"required"`
	Payload json.RawMessage     `json:"payload"`
}

type NotifyResponse struct {
	Delivered int `json:"delivered"`
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": len(h.Orch.Registry.All()),
	})
}

func (h *Handlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.Orch.Rooms.List())
}

func (h *Handlers) RoomPresence(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if err := id.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	members, ok := h.Orch.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, PresenceResponse{Room: id, Kind: id.Kind(), Members: members})
}

func (h *Handlers) NotifyDirectMessage(c *gin.Context) {
	var req DirectMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid fields"})
		return
	}
	env, err := domain.NewEnvelope(domain.TypeDirectMessage, domain.DirectMessagePayload{ConversationID: req.ConversationID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	env.From = req.From

	n := h.Orch.Notify(req.To, env)
	log.Info().Str("module", "transport.http").Str("to", string(req.To)).Str("conversation", req.ConversationID).Int("delivered", n).Msg("direct-message notify")
	c.JSON(http.StatusAccepted, NotifyResponse{Delivered: n})
}

func (h *Handlers) NotifyBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid fields"})
		return
	}
	if req.Type.IsNegotiation() || req.Type.IsCall() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peer-to-peer types cannot be broadcast"})
		return
	}
	n := h.Orch.Broadcast(domain.Envelope{Type: req.Type, Payload: req.Payload})
	log.Info().Str("module", "transport.http").Str("type", string(req.Type)).Int("delivered", n).Msg("broadcast notify")
	c.JSON(http.StatusAccepted, NotifyResponse{Delivered: n})
}

// EvictRoom disconnects everyone in a room, for example after the backend
// deleted a standing voice channel.
func (h *Handlers) EvictRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if err := id.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := h.Orch.EvictRoom(id)
	c.JSON(http.StatusOK, gin.H{"evicted": n})
}

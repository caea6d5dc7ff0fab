// Package http holds the operator API handlers.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/app/orch"
	"github.com/dkeye/voicerelay/internal/domain"
)

type BroadcastRequest struct {
	Body string `json:"body"`
}

type ClientsResponse struct {
	Count   int             `json:"count"`
	Clients []domain.Client `json:"clients"`
}

type CallsResponse struct {
	Live   []domain.Call `json:"live"`
	Recent []domain.Call `json:"recent"`
}

// Operator serves the administrative view of a running server.
type Operator struct {
	Orch *orch.Orchestrator
}

func (h *Operator) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.Orch.Status())
}

func (h *Operator) Clients(c *gin.Context) {
	clients := h.Orch.Registry.List()
	c.JSON(http.StatusOK, ClientsResponse{Count: len(clients), Clients: clients})
}

func (h *Operator) Calls(c *gin.Context) {
	c.JSON(http.StatusOK, CallsResponse{
		Live:   h.Orch.Calls.Live(),
		Recent: h.Orch.Calls.History(),
	})
}

func (h *Operator) Broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid body"})
		return
	}
	d := h.Orch.SystemBroadcast(req.Body)
	log.Info().Str("module", "transport.http").Int("delivered", d.Delivered).Msg("operator broadcast")
	c.JSON(http.StatusOK, d)
}

func (h *Operator) Kick(c *gin.Context) {
	id := domain.ClientID(c.Param("id"))
	if !h.Orch.Kick(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrorCode(domain.ErrRecipientNotFound)})
		return
	}
	log.Info().Str("module", "transport.http").Str("client_id", string(id)).Msg("operator kick")
	c.JSON(http.StatusOK, gin.H{"kicked": id})
}

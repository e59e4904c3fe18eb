package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/pbx-bridge/internal/bridge"
	"github.com/troikatech/pbx-bridge/pkg/errors"
)

type ListCallsResponse struct {
	Calls []bridge.Info `json:"calls"`
	Total int           `json:"total"`
}

// ListCalls returns a snapshot of every live call on this instance.
func (h *Handler) ListCalls(c *gin.Context) {
	sessions := h.registry.Drain()
	calls := make([]bridge.Info, 0, len(sessions))
	for _, s := range sessions {
		calls = append(calls, s.Snapshot())
	}
	c.JSON(http.StatusOK, ListCallsResponse{Calls: calls, Total: len(calls)})
}

func (h *Handler) GetCall(c *gin.Context) {
	callID := c.Param("call_id")

	s := h.registry.Get(callID)
	if s == nil {
		errors.NotFound(c, "call not found")
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

// HangupCall forces teardown of a live call. The operator identity comes
// from the auth middleware and is logged for the audit trail.
func (h *Handler) HangupCall(c *gin.Context) {
	callID := c.Param("call_id")

	s := h.registry.Get(callID)
	if s == nil {
		errors.NotFound(c, "call not found")
		return
	}

	operator, _ := c.Get("operator")
	h.logger.Info("Operator-forced hangup",
		zap.String("call_id", callID),
		zap.Any("operator", operator),
	)

	s.Teardown(c.Request.Context(), bridge.ReasonOperator)
	c.JSON(http.StatusOK, gin.H{"status": "terminated", "call_id": callID})
}

package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/chatdistill/internal/model"
	"github.com/xxxsen/chatdistill/internal/pkg/errcode"
	"github.com/xxxsen/chatdistill/internal/pkg/response"
	"github.com/xxxsen/chatdistill/internal/queue"
)

type InteractionHandler struct {
	queue *queue.Queue
}

func NewInteractionHandler(q *queue.Queue) *InteractionHandler {
	return &InteractionHandler{queue: q}
}

type appendResponse struct {
	InteractionID   string   `json:"interaction_id"`
	Timestamp       string   `json:"timestamp_utc"`
	EstimatedTokens int      `json:"estimated_tokens"`
	ToolsUsed       []string `json:"tools_used"`
}

// Append queues one interaction for the caller.
func (h *InteractionHandler) Append(c *gin.Context) {
	var req model.Interaction
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	if req.UserMessage == "" && req.AssistantResponse == "" {
		response.Error(c, errcode.ErrInvalid, "user_message or assistant_response required")
		return
	}
	rec, err := h.queue.Append(c.Request.Context(), getUserID(c), &req)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, appendResponse{
		InteractionID:   rec.InteractionID,
		Timestamp:       rec.Timestamp,
		EstimatedTokens: rec.EstimatedTokens,
		ToolsUsed:       rec.ToolsUsed,
	})
}

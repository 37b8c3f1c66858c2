package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jeffleon2/payment-engine/internal/deadletter"
	"github.com/jeffleon2/payment-engine/internal/models"
)

type DeadLetterService interface {
	List(ctx context.Context) ([]models.DomainEvent, error)
	Inspect(ctx context.Context, eventID string) (*deadletter.Detail, error)
	Replay(ctx context.Context, eventID string) error
}

type DeadLetterHandler struct {
	Service DeadLetterService
}

func NewDeadLetterHandler(s DeadLetterService) *DeadLetterHandler {
	return &DeadLetterHandler{Service: s}
}

// GET /admin/dead-letters
func (h *DeadLetterHandler) List(c *gin.Context) {
	events, err := h.Service.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "internal error"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"dead_letters": events})
}

// GET /admin/dead-letters/:id
func (h *DeadLetterHandler) Inspect(c *gin.Context) {
	detail, err := h.Service.Inspect(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// POST /admin/dead-letters/:id/replay
func (h *DeadLetterHandler) Replay(c *gin.Context) {
	if err := h.Service.Replay(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "requeued"})
}

func (h *DeadLetterHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deadletter.ErrEventNotFound):
		c.JSON(http.StatusNotFound, errorBody("EVENT_NOT_FOUND", "event not found"))
	case errors.Is(err, deadletter.ErrEventNotDead):
		c.JSON(http.StatusConflict, errorBody("EVENT_NOT_DEAD", "event is not dead-lettered"))
	default:
		c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "internal error"))
	}
}

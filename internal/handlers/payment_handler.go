package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jeffleon2/payment-engine/internal/models"
	"github.com/jeffleon2/payment-engine/internal/models/dto"
	"github.com/jeffleon2/payment-engine/internal/service"
)

const idempotencyKeyHeader = "Idempotency-Key"

type PaymentService interface {
	CreatePayment(ctx context.Context, key string, req *dto.CreatePayment) (*dto.PaymentResponse, error)
	GetPayment(ctx context.Context, paymentID string) (*dto.PaymentResponse, error)
	GetHistory(ctx context.Context, paymentID string) ([]models.StatusHistoryEntry, error)
	RefundPayment(ctx context.Context, key, paymentID string, req *dto.Refund) (*dto.PaymentResponse, error)
	CancelPayment(ctx context.Context, key, paymentID string, req *dto.Cancel) (*dto.PaymentResponse, error)
	CapturePayment(ctx context.Context, paymentID string) (*dto.PaymentResponse, error)
	MarkSettled(ctx context.Context, paymentID string) (*dto.PaymentResponse, error)
	MarkDisputed(ctx context.Context, paymentID, reason string) (*dto.PaymentResponse, error)
}

type PaymentHandler struct {
	Service PaymentService
}

func NewPaymentHandler(s PaymentService) *PaymentHandler {
	return &PaymentHandler{Service: s}
}

// POST /payments
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req dto.CreatePayment
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("REQUEST_INVALID", "invalid request body"))
		return
	}

	resp, err := h.Service.CreatePayment(c.Request.Context(), c.GetHeader(idempotencyKeyHeader), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GET /payments/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	resp, err := h.Service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GET /payments/:id/history
func (h *PaymentHandler) GetHistory(c *gin.Context) {
	entries, err := h.Service.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// POST /payments/:id/refund
func (h *PaymentHandler) RefundPayment(c *gin.Context) {
	var req dto.Refund
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("REQUEST_INVALID", "invalid request body"))
		return
	}

	resp, err := h.Service.RefundPayment(c.Request.Context(), c.GetHeader(idempotencyKeyHeader), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// POST /payments/:id/cancel
func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	var req dto.Cancel
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("REQUEST_INVALID", "invalid request body"))
		return
	}

	resp, err := h.Service.CancelPayment(c.Request.Context(), c.GetHeader(idempotencyKeyHeader), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// POST /payments/:id/capture
func (h *PaymentHandler) CapturePayment(c *gin.Context) {
	resp, err := h.Service.CapturePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// POST /admin/payments/:id/settle
func (h *PaymentHandler) SettlePayment(c *gin.Context) {
	resp, err := h.Service.MarkSettled(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// POST /admin/payments/:id/dispute
func (h *PaymentHandler) DisputePayment(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	resp, err := h.Service.MarkDisputed(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func respondError(c *gin.Context, err error) {
	code := "INTERNAL_ERROR"
	message := "internal error"
	var domainErr *service.DomainError
	if errors.As(err, &domainErr) {
		code = domainErr.Code
		message = domainErr.Message
	}

	c.JSON(httpStatus(err), errorBody(code, message))
}

func httpStatus(err error) int {
	switch service.KindOf(err) {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindStateConflict, service.KindIdempotencyConflict, service.KindIdempotencyInProgress:
		return http.StatusConflict
	case service.KindProcessorDeclined:
		return http.StatusUnprocessableEntity
	case service.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

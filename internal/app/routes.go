package app

import (
	"github.com/gin-gonic/gin"
	handlers "github.com/jeffleon2/payment-engine/internal/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *App) RegisterRoutes(h *handlers.PaymentHandler, dl *handlers.DeadLetterHandler) {
	payments := a.Router.Group("/payments")
	payments.POST("", h.CreatePayment)
	payments.GET("/:id", h.GetPayment)
	payments.GET("/:id/history", h.GetHistory)
	payments.POST("/:id/capture", h.CapturePayment)
	payments.POST("/:id/refund", h.RefundPayment)
	payments.POST("/:id/cancel", h.CancelPayment)

	admin := a.Router.Group("/admin")
	admin.POST("/payments/:id/settle", h.SettlePayment)
	admin.POST("/payments/:id/dispute", h.DisputePayment)
	admin.GET("/dead-letters", dl.List)
	admin.GET("/dead-letters/:id", dl.Inspect)
	admin.POST("/dead-letters/:id/replay", dl.Replay)

	a.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

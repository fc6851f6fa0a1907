package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/leadyard/internal/market"
)

type handlers struct {
	market  *market.Market
	secret  []byte
	origins []string
	poll    time.Duration
	logger  *slog.Logger
}

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1", requireActor(h.secret))

	v1.POST("/leads", h.createLead)
	v1.GET("/leads", h.listLeads)
	v1.GET("/leads/mine", h.listOwnLeads)
	v1.GET("/leads/:id", h.viewLead)
	v1.GET("/leads/:id/analytics", h.leadAnalytics)
	v1.GET("/leads/:id/access", h.leadAccess)
	v1.POST("/leads/:id/activate", h.transition(h.market.ActivateLead))
	v1.POST("/leads/:id/pause", h.transition(h.market.PauseLead))
	v1.POST("/leads/:id/reactivate", h.transition(h.market.ReactivateLead))
	v1.POST("/leads/:id/complete", h.transition(h.market.CompleteLead))
	v1.POST("/leads/:id/delete", h.transition(h.market.DeleteLead))
	v1.POST("/leads/:id/purchase", h.purchaseLead)

	v1.GET("/purchases", h.listPurchases)
	v1.POST("/purchases/:id/contacted", h.markPurchase(h.market.MarkContacted))
	v1.POST("/purchases/:id/quoted", h.markPurchase(h.market.MarkQuoted))

	v1.GET("/conversations", h.listConversations)
	v1.GET("/conversations/:id/messages", h.history)
	v1.POST("/conversations/:id/messages", h.sendMessage)
	v1.POST("/conversations/:id/read", h.markRead)
	v1.GET("/conversations/:id/events", h.events)
	v1.GET("/conversations/:id/ws", h.streamWS)

	v1.GET("/subscription", h.usage)
	v1.POST("/subscription", h.subscribe)
}

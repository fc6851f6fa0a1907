package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/lead"
	"github.com/zulandar/leadyard/internal/models"
)

type createLeadRequest struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Category       string     `json:"category"`
	BudgetMinCents int64      `json:"budget_min_cents"`
	BudgetMaxCents int64      `json:"budget_max_cents"`
	PriceCents     int64      `json:"price_cents"`
	MaxPurchases   int        `json:"max_purchases"`
	QualityScore   float64    `json:"quality_score"`
	ExpiresAt      *time.Time `json:"expires_at"`
	Publish        bool       `json:"publish"`
}

func (h *handlers) createLead(c *gin.Context) {
	var req createLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("decode lead: %v: %w", err, apperr.ErrInvalidInput))
		return
	}
	l, err := h.market.CreateLead(c.Request.Context(), lead.CreateOpts{
		Title:          req.Title,
		Description:    req.Description,
		Category:       req.Category,
		BudgetMinCents: req.BudgetMinCents,
		BudgetMaxCents: req.BudgetMaxCents,
		PriceCents:     req.PriceCents,
		MaxPurchases:   req.MaxPurchases,
		QualityScore:   req.QualityScore,
		ExpiresAt:      req.ExpiresAt,
		Publish:        req.Publish,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *handlers) listLeads(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	leads, err := h.market.ListActiveLeads(c.Request.Context(), c.Query("category"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leads": leads})
}

func (h *handlers) listOwnLeads(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	leads, err := h.market.ListOwnLeads(c.Request.Context(), lead.ListFilters{
		Category:       c.Query("category"),
		Status:         c.Query("status"),
		IncludeDeleted: c.Query("include_deleted") == "true",
		Limit:          limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leads": leads})
}

func (h *handlers) viewLead(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	l, err := h.market.ViewLead(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *handlers) transition(fn func(context.Context, uint) (*models.Lead, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			h.fail(c, err)
			return
		}
		l, err := fn(c.Request.Context(), id)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, l)
	}
}

func (h *handlers) leadAnalytics(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	a, err := h.market.GetLeadAnalytics(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *handlers) leadAccess(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	a, err := h.market.Access(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *handlers) purchaseLead(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		h.fail(c, fmt.Errorf("Idempotency-Key header is required: %w", apperr.ErrInvalidInput))
		return
	}
	res, err := h.market.PurchaseLead(c.Request.Context(), id, key)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *handlers) listPurchases(c *gin.Context) {
	list, err := h.market.ListPurchases(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchases": list})
}

func (h *handlers) markPurchase(fn func(context.Context, uint) (*models.Purchase, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseID(c.Param("id"))
		if err != nil {
			h.fail(c, err)
			return
		}
		p, err := fn(c.Request.Context(), id)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type subscribeRequest struct {
	BuyerID string `json:"buyer_id"`
	Plan    string `json:"plan"`
}

func (h *handlers) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("decode subscription: %v: %w", err, apperr.ErrInvalidInput))
		return
	}
	sub, err := h.market.Subscribe(c.Request.Context(), req.BuyerID, req.Plan)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *handlers) usage(c *gin.Context) {
	u, err := h.market.Usage(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

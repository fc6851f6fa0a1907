package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/messaging"
)

func (h *handlers) listConversations(c *gin.Context) {
	list, err := h.market.ListConversationsForUser(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *handlers) history(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var opts messaging.HistoryOpts
	if opts.AfterID, err = queryUint(c, "after_id"); err != nil {
		h.fail(c, err)
		return
	}
	if opts.BeforeID, err = queryUint(c, "before_id"); err != nil {
		h.fail(c, err)
		return
	}
	opts.Limit, _ = strconv.Atoi(c.Query("limit"))

	msgs, err := h.market.History(c.Request.Context(), id, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *handlers) sendMessage(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("decode message: %v: %w", err, apperr.ErrInvalidInput))
		return
	}
	msg, err := h.market.SendMessage(c.Request.Context(), id, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handlers) markRead(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	n, err := h.market.MarkConversationRead(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

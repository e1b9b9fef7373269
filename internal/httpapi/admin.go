package httpapi

import (
	"net/http"
	"strings"

	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/rule"

	"github.com/gin-gonic/gin"
)

func (h *Handler) ListTiers(c *gin.Context) {
	tiers, err := h.loyalty.ListTiers(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tiers})
}

// UpsertTiers replaces the whole tier table.
func (h *Handler) UpsertTiers(c *gin.Context) {
	var req []loyalty.LoyaltyTier
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	tiers, err := h.loyalty.UpsertTiers(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tiers})
}

func (h *Handler) ListRules(c *gin.Context) {
	var params rule.ListParams
	if err := c.ShouldBindQuery(&params); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	rules, page, err := h.rules.ListRules(c.Request.Context(), params)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules, "page_info": page})
}

func (h *Handler) GetRule(c *gin.Context) {
	r, err := h.rules.GetRule(c.Request.Context(), strings.TrimSpace(c.Param("eventType")))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": r})
}

func (h *Handler) UpsertRule(c *gin.Context) {
	var req rule.LoyaltyRule
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidRequest(err))
		return
	}
	req.EventType = strings.TrimSpace(c.Param("eventType"))

	r, err := h.rules.UpsertRule(c.Request.Context(), &req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": r})
}

package httpapi

import (
	"net/http"

	"smallbiznis-loyalty/pkg/errutil"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/reward"
	"smallbiznis-loyalty/services/rule"

	"github.com/gin-gonic/gin"
)

func (h *Handler) CreateAccount(c *gin.Context) {
	acct, err := h.loyalty.GetOrCreateAccount(c.Request.Context(), userParam(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": acct})
}

func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.loyalty.GetAccount(c.Request.Context(), userParam(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": acct})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	var f loyalty.TransactionFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		abort(c, invalidRequest(err))
		return
	}
	if f.Type != "" && !f.Type.Valid() {
		abort(c, ErrInvalidRequest.With(errutil.WithMessage("unknown transaction type")))
		return
	}

	entries, page, err := h.loyalty.GetTransactions(c.Request.Context(), userParam(c), f)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "page_info": page})
}

func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.loyalty.GetTransactionSummary(c.Request.Context(), userParam(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (h *Handler) GetTierProgress(c *gin.Context) {
	progress, err := h.loyalty.GetTierProgress(c.Request.Context(), userParam(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": progress})
}

func (h *Handler) VerifyLedger(c *gin.Context) {
	report, err := h.loyalty.VerifyLedger(c.Request.Context(), userParam(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (h *Handler) RequestStatement(c *gin.Context) {
	req, err := h.statements.RequestExport(c.Request.Context(), userParam(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": req})
}

func (h *Handler) ListRedemptions(c *gin.Context) {
	var f reward.RedemptionFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	items, page, err := h.rewards.ListUserRedemptions(c.Request.Context(), userParam(c), f)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": page})
}

// TrackEvent awards the flat points of the event's rule. data is null when
// no rule applied.
func (h *Handler) TrackEvent(c *gin.Context) {
	var in rule.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	entry, err := h.rules.AwardPointsForEvent(c.Request.Context(), in)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (h *Handler) AwardPurchase(c *gin.Context) {
	var in rule.PurchaseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	entry, err := h.rules.AwardPointsForPurchase(c.Request.Context(), in)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

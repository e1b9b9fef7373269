package httpapi

import (
	"net/http"
	"strconv"

	"smallbiznis-loyalty/services/referral"

	"github.com/gin-gonic/gin"
)

type referralUserRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type referralSignupRequest struct {
	ReferralCode string `json:"referral_code" binding:"required"`
	UserID       string `json:"user_id" binding:"required"`
}

func (h *Handler) GenerateReferralCode(c *gin.Context) {
	var req referralUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	ref, err := h.referrals.GenerateReferralCode(c.Request.Context(), req.UserID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ref})
}

func (h *Handler) ReferralSignup(c *gin.Context) {
	var req referralSignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	ref, err := h.referrals.ProcessReferralSignup(c.Request.Context(), req.ReferralCode, req.UserID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ref})
}

// ReferralComplete is called on the referee's first purchase. data is null
// when the user has no referral awaiting completion.
func (h *Handler) ReferralComplete(c *gin.Context) {
	var req referralUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	ref, err := h.referrals.ProcessReferralCompletion(c.Request.Context(), req.UserID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ref})
}

func (h *Handler) ReferralStats(c *gin.Context) {
	stats, err := h.referrals.GetReferralStats(c.Request.Context(), userParam(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (h *Handler) ReferralLeaderboard(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			abort(c, invalidRequest(err))
			return
		}
		limit = n
	}

	entries, err := h.referrals.GetReferralLeaderboard(c.Request.Context(), limit)
	if err != nil {
		abort(c, err)
		return
	}
	if entries == nil {
		entries = []referral.LeaderboardEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

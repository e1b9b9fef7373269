package httpapi

import (
	"net/http"

	"smallbiznis-loyalty/services/reward"

	"github.com/gin-gonic/gin"
)

type redeemRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) ListRewards(c *gin.Context) {
	var f reward.RewardFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	items, page, err := h.rewards.GetRewards(c.Request.Context(), f)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": page})
}

func (h *Handler) GetReward(c *gin.Context) {
	id, err := idParam(c, "rewardId", reward.ErrRewardNotFound)
	if err != nil {
		abort(c, err)
		return
	}

	item, err := h.rewards.GetReward(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (h *Handler) CreateReward(c *gin.Context) {
	var req reward.Reward
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	item, err := h.rewards.CreateReward(c.Request.Context(), &req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": item})
}

func (h *Handler) UpdateReward(c *gin.Context) {
	id, err := idParam(c, "rewardId", reward.ErrRewardNotFound)
	if err != nil {
		abort(c, err)
		return
	}

	var req reward.Reward
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	item, err := h.rewards.UpdateReward(c.Request.Context(), id, &req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (h *Handler) RedeemReward(c *gin.Context) {
	id, err := idParam(c, "rewardId", reward.ErrRewardNotFound)
	if err != nil {
		abort(c, err)
		return
	}

	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, invalidRequest(err))
		return
	}

	redemption, err := h.rewards.RedeemReward(c.Request.Context(), req.UserID, id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": redemption})
}

func (h *Handler) GetRedemption(c *gin.Context) {
	redemption, err := h.rewards.GetRedemptionByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": redemption})
}

func (h *Handler) FulfillRedemption(c *gin.Context) {
	redemption, err := h.rewards.FulfillRedemption(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": redemption})
}

func (h *Handler) CancelRedemption(c *gin.Context) {
	redemption, err := h.rewards.CancelRedemption(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": redemption})
}

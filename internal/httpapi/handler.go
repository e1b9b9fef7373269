package httpapi

import (
	"strings"

	"smallbiznis-loyalty/pkg/errutil"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/referral"
	"smallbiznis-loyalty/services/reward"
	"smallbiznis-loyalty/services/rule"
	"smallbiznis-loyalty/services/statement"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

var ErrInvalidRequest = errutil.BadRequest("invalid request", nil, errutil.WithReason("INVALID_REQUEST"))

// Handler exposes the loyalty services as a JSON API. Caller identity is
// taken from the request as-is.
type Handler struct {
	loyalty    *loyalty.Service
	rules      *rule.Service
	rewards    *reward.Service
	referrals  *referral.Service
	statements *statement.Service
}

type Params struct {
	fx.In

	Loyalty    *loyalty.Service
	Rules      *rule.Service
	Rewards    *reward.Service
	Referrals  *referral.Service
	Statements *statement.Service
}

func NewHandler(p Params) *Handler {
	return &Handler{
		loyalty:    p.Loyalty,
		rules:      p.Rules,
		rewards:    p.Rewards,
		referrals:  p.Referrals,
		statements: p.Statements,
	}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")

	accounts := v1.Group("/accounts/:userId")
	accounts.POST("", h.CreateAccount)
	accounts.GET("", h.GetAccount)
	accounts.GET("/transactions", h.ListTransactions)
	accounts.GET("/summary", h.GetSummary)
	accounts.GET("/tier-progress", h.GetTierProgress)
	accounts.GET("/ledger/verify", h.VerifyLedger)
	accounts.POST("/statements", h.RequestStatement)
	accounts.GET("/redemptions", h.ListRedemptions)

	v1.POST("/events", h.TrackEvent)
	v1.POST("/purchases/points", h.AwardPurchase)

	v1.GET("/tiers", h.ListTiers)
	v1.PUT("/tiers", h.UpsertTiers)
	v1.GET("/rules", h.ListRules)
	v1.GET("/rules/:eventType", h.GetRule)
	v1.PUT("/rules/:eventType", h.UpsertRule)

	v1.GET("/rewards", h.ListRewards)
	v1.POST("/rewards", h.CreateReward)
	v1.GET("/rewards/:rewardId", h.GetReward)
	v1.PUT("/rewards/:rewardId", h.UpdateReward)
	v1.POST("/rewards/:rewardId/redeem", h.RedeemReward)

	v1.GET("/redemptions/:code", h.GetRedemption)
	v1.POST("/redemptions/:code/fulfill", h.FulfillRedemption)
	v1.POST("/redemptions/:code/cancel", h.CancelRedemption)

	v1.POST("/referrals", h.GenerateReferralCode)
	v1.POST("/referrals/signup", h.ReferralSignup)
	v1.POST("/referrals/complete", h.ReferralComplete)
	v1.GET("/referrals/leaderboard", h.ReferralLeaderboard)
	v1.GET("/referrals/:userId/stats", h.ReferralStats)
}

// abort hands err to middleware.Error for rendering.
func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func invalidRequest(err error) error {
	return ErrInvalidRequest.With(errutil.WithErr(err))
}

func userParam(c *gin.Context) string {
	return strings.TrimSpace(c.Param("userId"))
}

func idParam(c *gin.Context, name string, notFound error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id <= 0 {
		return 0, notFound
	}
	return id, nil
}

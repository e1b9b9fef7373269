package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"smallbiznis-loyalty/pkg/middleware"
	"smallbiznis-loyalty/pkg/objectstore"
	"smallbiznis-loyalty/services/audit"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/referral"
	"smallbiznis-loyalty/services/reward"
	"smallbiznis-loyalty/services/rule"
	"smallbiznis-loyalty/services/statement"
	"smallbiznis-loyalty/services/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error map[string]any  `json:"error"`
	Page  map[string]any  `json:"page_info"`
}

type apiFixture struct {
	engine *gin.Engine
	store  *objectstore.Memory
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()

	var models []any
	models = append(models, loyalty.Models()...)
	models = append(models, audit.Models()...)
	models = append(models, rule.Models()...)
	models = append(models, reward.Models()...)
	models = append(models, referral.Models()...)
	db := testutil.NewTestDB(t, models...)
	node := testutil.NewNode(t)

	auditSvc := audit.NewService(audit.Params{DB: db, GenID: node})
	ls := loyalty.NewService(loyalty.ServiceParams{DB: db, Node: node, Audit: auditSvc})
	rs := rule.NewService(rule.ServiceParams{Repository: rule.NewRepository(db), Loyalty: ls, Node: node})
	store := objectstore.NewMemory()

	h := NewHandler(Params{
		Loyalty:    ls,
		Rules:      rs,
		Rewards:    reward.NewService(reward.ServiceParams{DB: db, Loyalty: ls, Node: node, Audit: auditSvc}),
		Referrals:  referral.NewService(referral.ServiceParams{DB: db, Loyalty: ls, Rules: rs, Node: node, Audit: auditSvc}),
		Statements: statement.NewService(statement.ServiceParams{Loyalty: ls, Store: store}),
	})

	r := gin.New()
	r.Use(middleware.Error(), middleware.Channel())
	RegisterRoutes(r, h)
	return &apiFixture{engine: r, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.APIKeyHeader, "pos_terminal")

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (f *apiFixture) seedTiers(t *testing.T) {
	t.Helper()
	code, _ := f.do(t, http.MethodPut, "/v1/tiers", []map[string]any{
		{"level": 1, "name": "Bronze", "points_required": 0},
		{"level": 2, "name": "Silver", "points_required": 500},
	})
	require.Equal(t, http.StatusOK, code)
}

func TestAccountLifecycle(t *testing.T) {
	f := newAPI(t)
	f.seedTiers(t)

	code, env := f.do(t, http.MethodGet, "/v1/accounts/user-1", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "ACCOUNT_NOT_FOUND", env.Error["reason"])

	code, env = f.do(t, http.MethodPost, "/v1/accounts/user-1", nil)
	require.Equal(t, http.StatusOK, code)
	acct := decode[loyalty.LoyaltyAccount](t, env.Data)
	require.Equal(t, 1, acct.TierLevel)
	require.Zero(t, acct.CurrentPoints)

	code, env = f.do(t, http.MethodPost, "/v1/purchases/points", map[string]any{
		"user_id": "user-1", "order_id": "ORD-1", "order_amount": 600.75,
	})
	require.Equal(t, http.StatusOK, code)
	entry := decode[loyalty.LoyaltyTransaction](t, env.Data)
	require.Equal(t, int64(600), entry.Points)
	require.Equal(t, "pos", entry.Metadata["channel"])

	code, env = f.do(t, http.MethodGet, "/v1/accounts/user-1/tier-progress", nil)
	require.Equal(t, http.StatusOK, code)
	progress := decode[loyalty.TierProgress](t, env.Data)
	require.Equal(t, int64(600), progress.LifetimePoints)

	code, env = f.do(t, http.MethodGet, "/v1/accounts/user-1/transactions?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, decode[[]loyalty.LoyaltyTransaction](t, env.Data), 1)
	require.Equal(t, false, env.Page["has_more"])

	code, env = f.do(t, http.MethodGet, "/v1/accounts/user-1/transactions?type=bogus", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "INVALID_REQUEST", env.Error["reason"])

	code, env = f.do(t, http.MethodGet, "/v1/accounts/user-1/ledger/verify", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, decode[loyalty.LedgerReport](t, env.Data).Consistent)

	code, env = f.do(t, http.MethodGet, "/v1/accounts/user-1/summary", nil)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, env.Data)
}

func TestEventWithoutRuleAwardsNothing(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, http.MethodPost, "/v1/events", map[string]any{"user_id": "user-1", "event_type": "review"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "null", string(env.Data))

	code, env = f.do(t, http.MethodPut, "/v1/rules/review", map[string]any{
		"name": "Review bonus", "calculation_type": "fixed", "points_awarded": 50, "is_active": true,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "review", decode[rule.LoyaltyRule](t, env.Data).EventType)

	code, env = f.do(t, http.MethodPost, "/v1/events", map[string]any{"user_id": "user-1", "event_type": "review"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, int64(50), decode[loyalty.LoyaltyTransaction](t, env.Data).Points)

	code, _ = f.do(t, http.MethodPost, "/v1/events", map[string]any{"event_type": "review"})
	require.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, http.MethodGet, "/v1/rules", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, decode[[]rule.LoyaltyRule](t, env.Data), 1)
}

func TestRedeemFlow(t *testing.T) {
	f := newAPI(t)
	f.seedTiers(t)

	code, env := f.do(t, http.MethodPost, "/v1/rewards", map[string]any{
		"name": "Free Coffee", "points_cost": 100, "stock_quantity": 1, "is_active": true,
	})
	require.Equal(t, http.StatusCreated, code)
	item := decode[reward.Reward](t, env.Data)
	require.Equal(t, "free-coffee", item.Slug)
	path := "/v1/rewards/" + item.ID.String()

	code, env = f.do(t, http.MethodPost, path+"/redeem", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "INSUFFICIENT_POINTS", env.Error["reason"])

	code, _ = f.do(t, http.MethodPost, "/v1/purchases/points", map[string]any{"user_id": "user-1", "order_amount": 150})
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(t, http.MethodPost, path+"/redeem", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusCreated, code)
	redemption := decode[reward.RewardRedemption](t, env.Data)
	require.Len(t, redemption.RedemptionCode, 12)
	require.Equal(t, reward.Pending, redemption.Status)

	code, env = f.do(t, http.MethodPost, path+"/redeem", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "OUT_OF_STOCK", env.Error["reason"])

	code, env = f.do(t, http.MethodGet, "/v1/redemptions/"+redemption.RedemptionCode, nil)
	require.Equal(t, http.StatusOK, code)
	got := decode[reward.RewardRedemption](t, env.Data)
	require.NotNil(t, got.Reward)
	require.Equal(t, "Free Coffee", got.Reward.Name)

	code, env = f.do(t, http.MethodGet, "/v1/accounts/user-1/redemptions", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, decode[[]reward.RewardRedemption](t, env.Data), 1)

	code, env = f.do(t, http.MethodPost, "/v1/redemptions/"+redemption.RedemptionCode+"/fulfill", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, reward.Fulfilled, decode[reward.RewardRedemption](t, env.Data).Status)

	code, env = f.do(t, http.MethodPost, "/v1/redemptions/"+redemption.RedemptionCode+"/cancel", nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "INVALID_REDEMPTION_STATE", env.Error["reason"])

	code, env = f.do(t, http.MethodGet, "/v1/rewards/not-an-id", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "REWARD_NOT_FOUND", env.Error["reason"])

	code, env = f.do(t, http.MethodGet, "/v1/rewards?is_active=true", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, decode[[]reward.Reward](t, env.Data), 1)
}

func TestBlankRedemptionCodeIsNotFound(t *testing.T) {
	f := newAPI(t)
	f.seedTiers(t)

	code, env := f.do(t, http.MethodPost, "/v1/rewards", map[string]any{
		"name": "Free Coffee", "points_cost": 100, "stock_quantity": 2, "is_active": true,
	})
	require.Equal(t, http.StatusCreated, code)
	item := decode[reward.Reward](t, env.Data)

	code, _ = f.do(t, http.MethodPost, "/v1/purchases/points", map[string]any{"user_id": "user-1", "order_amount": 150})
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(t, http.MethodPost, "/v1/rewards/"+item.ID.String()+"/redeem", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusCreated, code)
	redemption := decode[reward.RewardRedemption](t, env.Data)

	for _, action := range []string{"cancel", "fulfill"} {
		code, env = f.do(t, http.MethodPost, "/v1/redemptions/%20/"+action, nil)
		require.Equal(t, http.StatusNotFound, code, action)
		require.Equal(t, "REDEMPTION_NOT_FOUND", env.Error["reason"], action)
	}

	code, env = f.do(t, http.MethodGet, "/v1/redemptions/"+redemption.RedemptionCode, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, reward.Pending, decode[reward.RewardRedemption](t, env.Data).Status)
}

func TestReferralFlow(t *testing.T) {
	f := newAPI(t)
	f.seedTiers(t)

	code, _ := f.do(t, http.MethodPut, "/v1/rules/referral_complete", map[string]any{
		"calculation_type": "fixed", "points_awarded": 200, "is_active": true,
	})
	require.Equal(t, http.StatusOK, code)

	code, env := f.do(t, http.MethodPost, "/v1/referrals", map[string]any{"user_id": "alice"})
	require.Equal(t, http.StatusOK, code)
	ref := decode[referral.Referral](t, env.Data)

	code, env = f.do(t, http.MethodPost, "/v1/referrals/signup", map[string]any{"referral_code": ref.ReferralCode, "user_id": "alice"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "SELF_REFERRAL", env.Error["reason"])

	code, _ = f.do(t, http.MethodPost, "/v1/referrals/signup", map[string]any{"referral_code": ref.ReferralCode, "user_id": "bob"})
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(t, http.MethodPost, "/v1/referrals/complete", map[string]any{"user_id": "bob"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, referral.Completed, decode[referral.Referral](t, env.Data).Status)

	code, env = f.do(t, http.MethodPost, "/v1/referrals/complete", map[string]any{"user_id": "bob"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "null", string(env.Data))

	code, env = f.do(t, http.MethodGet, "/v1/referrals/alice/stats", nil)
	require.Equal(t, http.StatusOK, code)
	stats := decode[referral.Stats](t, env.Data)
	require.Equal(t, int64(1), stats.CompletedReferrals)
	require.Equal(t, int64(200), stats.TotalPointsEarned)

	code, env = f.do(t, http.MethodGet, "/v1/referrals/leaderboard?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	board := decode[[]referral.LeaderboardEntry](t, env.Data)
	require.Len(t, board, 1)
	require.Equal(t, "alice", board[0].ReferrerID)

	code, _ = f.do(t, http.MethodGet, "/v1/referrals/leaderboard?limit=x", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStatementExportInline(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, http.MethodPost, "/v1/accounts/ghost/statements", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "ACCOUNT_NOT_FOUND", env.Error["reason"])

	code, _ = f.do(t, http.MethodPost, "/v1/purchases/points", map[string]any{"user_id": "user-1", "order_amount": 20})
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(t, http.MethodPost, "/v1/accounts/user-1/statements", nil)
	require.Equal(t, http.StatusAccepted, code)
	req := decode[statement.ExportRequest](t, env.Data)
	require.NotEmpty(t, req.Key)

	_, ok := f.store.Get(req.Key)
	require.True(t, ok)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPI(t)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

package statement

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"smallbiznis-loyalty/pkg/objectstore"
	"smallbiznis-loyalty/pkg/taskname"
	"smallbiznis-loyalty/services/loyalty"
	"smallbiznis-loyalty/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueuerMock struct {
	tasks []*asynq.Task
}

func (m *enqueuerMock) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	m.tasks = append(m.tasks, t)
	return &asynq.TaskInfo{ID: "export-1", Type: t.Type()}, nil
}

type fixture struct {
	ledger *loyalty.Service
	store  *objectstore.Memory
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, loyalty.Models()...)
	ledger := loyalty.NewService(loyalty.ServiceParams{DB: db, Node: testutil.NewNode(t)})
	store := objectstore.NewMemory()
	svc := NewService(ServiceParams{Loyalty: ledger, Store: store})
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{ledger: ledger, store: store, svc: svc}
}

func TestBuildOrdersEntriesAndVerifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// more than one page of history
	for i := 0; i < 105; i++ {
		_, err := f.ledger.AwardPoints(ctx, loyalty.AwardParams{UserID: "user-1", Points: 10, Source: "purchase"})
		require.NoError(t, err)
	}
	_, err := f.ledger.RedeemPoints(ctx, loyalty.RedeemParams{UserID: "user-1", Points: 50, Source: "manual"})
	require.NoError(t, err)

	stmt, err := f.svc.Build(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, stmt.Entries, 106)
	for i := 1; i < len(stmt.Entries); i++ {
		require.Less(t, stmt.Entries[i-1].Sequence, stmt.Entries[i].Sequence)
	}
	require.Equal(t, int64(1000), stmt.Account.CurrentPoints)
	require.True(t, stmt.Verification.Consistent)
}

func TestBuildIsOneSnapshotUnderConcurrentAwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.ledger.AwardPoints(ctx, loyalty.AwardParams{UserID: "user-1", Points: 10, Source: "purchase"})
		require.NoError(t, err)
	}

	const awards = 20
	errs := make(chan error, awards)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < awards; i++ {
			_, err := f.ledger.AwardPoints(ctx, loyalty.AwardParams{UserID: "user-1", Points: 10, Source: "purchase"})
			errs <- err
		}
	}()

	for i := 0; i < 5; i++ {
		stmt, err := f.svc.Build(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, stmt.Entries, stmt.Verification.Entries)
		require.Equal(t, stmt.Account.CurrentPoints, stmt.Entries[len(stmt.Entries)-1].BalanceAfter)
		require.Equal(t, stmt.Account.CurrentPoints, stmt.Verification.AccountBalance)
		require.True(t, stmt.Verification.Consistent)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestBuildUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Build(context.Background(), "ghost")
	require.ErrorIs(t, err, loyalty.ErrAccountNotFound)
}

func TestRequestExportRunsInlineWithoutQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.AwardPoints(ctx, loyalty.AwardParams{UserID: "user-1", Points: 25, Source: "purchase"})
	require.NoError(t, err)

	req, err := f.svc.RequestExport(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "statements/user-1/20260301T120000Z.json", req.Key)

	body, ok := f.store.Get(req.Key)
	require.True(t, ok)

	var stmt Statement
	require.NoError(t, json.Unmarshal(body, &stmt))
	require.Equal(t, "user-1", stmt.UserID)
	require.Len(t, stmt.Entries, 1)
	require.Equal(t, int64(25), stmt.Entries[0].Points)
}

func TestRequestExportQueuesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := &enqueuerMock{}
	f.svc.enqueuer = q

	_, err := f.svc.RequestExport(ctx, "ghost")
	require.ErrorIs(t, err, loyalty.ErrAccountNotFound)
	require.Empty(t, q.tasks)

	_, err = f.ledger.AwardPoints(ctx, loyalty.AwardParams{UserID: "user-1", Points: 25, Source: "purchase"})
	require.NoError(t, err)

	req, err := f.svc.RequestExport(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "export-1", req.TaskID)
	require.Empty(t, req.Key)
	require.Len(t, q.tasks, 1)
	require.Equal(t, taskname.LoyaltyStatementExport, q.tasks[0].Type())

	// the worker side writes the object
	require.NoError(t, f.svc.HandleExportTask(ctx, q.tasks[0]))
	_, ok := f.store.Get("statements/user-1/20260301T120000Z.json")
	require.True(t, ok)
}

func TestHandleExportTaskSkipsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.HandleExportTask(ctx, asynq.NewTask(taskname.LoyaltyStatementExport, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	payload, err := json.Marshal(ExportPayload{UserID: "ghost"})
	require.NoError(t, err)
	err = f.svc.HandleExportTask(ctx, asynq.NewTask(taskname.LoyaltyStatementExport, payload))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitwire/settlement-engine/pkg/ledger"
	"github.com/remitwire/settlement-engine/pkg/ledger/memory"
)

func newTx() *ledger.Transaction {
	now := time.Now()
	return &ledger.Transaction{
		Reference:    "TXN-AB12CD34EF",
		Sender:       ledger.Party{Name: "Asha Verma", Phone: "+91-98100-11111", Country: "IN"},
		Recipient:    ledger.Party{Name: "Rohit Verma", Phone: "+971-50-222-3333", Country: "AE"},
		AmountSent:   1000,
		FromCurrency: "AED",
		ToCurrency:   "INR",
		ExchangeRate: 22.5,
		PayoutMethod: ledger.BankTransfer,
		Status:       ledger.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func createTx(t *testing.T, store *memory.Store) *ledger.Transaction {
	t.Helper()
	tx := newTx()
	audit := &ledger.AuditEntry{
		ToStatus:  ledger.StatusPending,
		ActorID:   tx.Sender.Phone,
		Reason:    "transaction created",
		CreatedAt: tx.CreatedAt,
	}
	require.NoError(t, store.CreateTransaction(context.Background(), tx, audit))
	require.NotZero(t, tx.ID)
	return tx
}

func TestCreateAndGet(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	tx := createTx(t, store)
	assert.Equal(t, int64(1), tx.Version)

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.Reference, got.Reference)

	// Reads hand out copies: mutating the result must not touch the store.
	got.Status = ledger.StatusCompleted
	again, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, again.Status)

	_, err = store.GetTransaction(ctx, 999)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	history, err := store.AuditHistory(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, tx.ID, history[0].TransactionID)
}

func TestUpdateCommitsUnit(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	tx := createTx(t, store)

	err := store.Update(ctx, tx.ID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		cur := v.Transaction()
		cur.Status = ledger.StatusUnderReview
		return &ledger.UnitOfWork{
			Transaction: cur,
			Audit: &ledger.AuditEntry{
				TransactionID: cur.ID,
				FromStatus:    ledger.StatusPending,
				ToStatus:      ledger.StatusUnderReview,
				ActorID:       "admin-a",
				CreatedAt:     time.Now(),
			},
		}, nil
	})
	require.NoError(t, err)

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusUnderReview, got.Status)
	assert.Equal(t, int64(2), got.Version)

	history, err := store.AuditHistory(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestUpdateErrorCommitsNothing(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	tx := createTx(t, store)

	wantErr := assert.AnError
	err := store.Update(ctx, tx.ID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		cur := v.Transaction()
		cur.Status = ledger.StatusCompleted
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)

	err = store.Update(ctx, 999, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestAgentVersionConflict(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	tx := createTx(t, store)
	agent := &ledger.Agent{
		Name:              "QuickCash Mumbai",
		City:              "Mumbai",
		Status:            ledger.AgentActive,
		MaxDailyAmount:    50000,
		MaxPerTransaction: 10000,
	}
	require.NoError(t, store.PutAgent(ctx, agent))

	stale, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)

	// Someone else bumps the agent in between.
	fresh, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	fresh.CurrentDailyAmount = 1000
	err = store.Update(ctx, tx.ID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		return &ledger.UnitOfWork{Agent: fresh}, nil
	})
	require.NoError(t, err)

	// Committing on the stale version must fail and leave the agent alone.
	stale.CurrentDailyAmount = 9999
	err = store.Update(ctx, tx.ID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
		return &ledger.UnitOfWork{Agent: stale}, nil
	})
	require.ErrorIs(t, err, ledger.ErrConflict)

	after, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1000), after.CurrentDailyAmount)
}

func TestDuplicateApprovalRefused(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	tx := createTx(t, store)

	record := func(approver string, level int) error {
		return store.Update(ctx, tx.ID, func(ctx context.Context, v ledger.View) (*ledger.UnitOfWork, error) {
			return &ledger.UnitOfWork{Approval: &ledger.Approval{
				TransactionID: tx.ID,
				ApproverID:    approver,
				Level:         level,
				CreatedAt:     time.Now(),
			}}, nil
		})
	}

	require.NoError(t, record("admin-a", 1))
	require.ErrorIs(t, record("admin-a", 2), ledger.ErrDuplicateApproval)
	require.NoError(t, record("admin-b", 2))

	approvals, err := store.ListApprovals(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.Equal(t, "admin-a", approvals[0].ApproverID)
	assert.Equal(t, "admin-b", approvals[1].ApproverID)
}

func TestListAgentsByCity(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	for _, city := range []string{"Mumbai", "Delhi", "Mumbai"} {
		require.NoError(t, store.PutAgent(ctx, &ledger.Agent{
			Name:   city + " agent",
			City:   city,
			Status: ledger.AgentActive,
		}))
	}

	agents, err := store.ListAgentsByCity(ctx, "Mumbai")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Less(t, agents[0].ID, agents[1].ID)

	none, err := store.ListAgentsByCity(ctx, "Chennai")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestResetDailyAmounts(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	for i, amount := range []float64{1000, 0, 2500} {
		require.NoError(t, store.PutAgent(ctx, &ledger.Agent{
			ID:                 int64(i + 1),
			Name:               "agent",
			City:               "Mumbai",
			Status:             ledger.AgentActive,
			CurrentDailyAmount: amount,
		}))
	}

	n, err := store.ResetDailyAmounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id := int64(1); id <= 3; id++ {
		agent, err := store.GetAgent(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, agent.CurrentDailyAmount)
	}
}

func TestUnknownAgent(t *testing.T) {
	store := memory.NewStore()
	_, err := store.GetAgent(context.Background(), 404)
	assert.ErrorIs(t, err, ledger.ErrAgentNotFound)
}

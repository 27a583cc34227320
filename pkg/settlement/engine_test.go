package settlement_test

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitwire/settlement-engine/pkg/ledger"
	"github.com/remitwire/settlement-engine/pkg/ledger/memory"
	"github.com/remitwire/settlement-engine/pkg/settlement"
	"github.com/remitwire/settlement-engine/pkg/settlement/mocks"
)

func newTestEngine(t *testing.T, cfg settlement.Config) (*settlement.Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return settlement.NewEngine(store, cfg), store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func createParams(amount float64, method ledger.PayoutMethod) settlement.CreateParams {
	params := settlement.CreateParams{
		Sender:       ledger.Party{Name: "Asha Verma", Phone: "+91-98100-11111", Country: "IN"},
		Recipient:    ledger.Party{Name: "Rohit Verma", Phone: "+971-50-222-3333", Country: "AE"},
		AmountSent:   amount,
		FromCurrency: "AED",
		ToCurrency:   "INR",
		ExchangeRate: 22.5,
		AdminFee:     50,
		PayoutMethod: method,
	}
	if method == ledger.CashPickup {
		params.PickupCity = "Mumbai"
	}
	return params
}

func createTx(t *testing.T, e *settlement.Engine, amount float64, method ledger.PayoutMethod) *ledger.Transaction {
	t.Helper()
	tx, err := e.CreateTransaction(context.Background(), createParams(amount, method))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, tx.Status)
	return tx
}

// moveToUnderReview uploads a receipt so the transaction enters review.
func moveToUnderReview(t *testing.T, e *settlement.Engine, txID int64) {
	t.Helper()
	require.NoError(t, e.MarkReceiptUploaded(context.Background(), txID, "RCPT-001"))
}

// moveToApproved takes a below-threshold transaction through a single
// approval, or an above-threshold one through two.
func moveToApproved(t *testing.T, e *settlement.Engine, txID int64) {
	t.Helper()
	ctx := context.Background()
	moveToUnderReview(t, e, txID)
	res, err := e.Approve(ctx, txID, "admin-a", ledger.RoleSuperAdmin)
	require.NoError(t, err)
	if !res.Complete {
		res, err = e.Approve(ctx, txID, "admin-b", ledger.RoleSuperAdmin)
		require.NoError(t, err)
		require.True(t, res.Complete)
	}
}

func seedAgent(t *testing.T, store *memory.Store, agent ledger.Agent) *ledger.Agent {
	t.Helper()
	if agent.Status == "" {
		agent.Status = ledger.AgentActive
	}
	require.NoError(t, store.PutAgent(context.Background(), &agent))
	return &agent
}

func mumbaiAgent() ledger.Agent {
	return ledger.Agent{
		Name:              "QuickCash Mumbai",
		Phone:             "+91-98200-44444",
		City:              "Mumbai",
		Status:            ledger.AgentActive,
		MaxDailyAmount:    50000,
		MaxPerTransaction: 10000,
	}
}

func TestCreateTransaction(t *testing.T) {
	e, _ := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	t.Run("valid cash pickup", func(t *testing.T) {
		tx, err := e.CreateTransaction(ctx, createParams(100, ledger.CashPickup))
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, tx.Status)
		assert.Regexp(t, regexp.MustCompile(`^TXN-[0-9A-F]{10}$`), tx.Reference)
		assert.InDelta(t, 100*22.5-50, tx.AmountReceived, 0.001)

		history, err := e.History(ctx, tx.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, ledger.StatusPending, history[0].ToStatus)
	})

	invalid := []struct {
		name   string
		mutate func(*settlement.CreateParams)
	}{
		{"zero amount", func(p *settlement.CreateParams) { p.AmountSent = 0 }},
		{"negative amount", func(p *settlement.CreateParams) { p.AmountSent = -10 }},
		{"zero rate", func(p *settlement.CreateParams) { p.ExchangeRate = 0 }},
		{"negative fee", func(p *settlement.CreateParams) { p.AdminFee = -1 }},
		{"cash pickup without city", func(p *settlement.CreateParams) { p.PickupCity = "" }},
		{"bad payout method", func(p *settlement.CreateParams) { p.PayoutMethod = "CHEQUE" }},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			params := createParams(100, ledger.CashPickup)
			tc.mutate(&params)
			_, err := e.CreateTransaction(ctx, params)
			assert.Error(t, err)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(t *testing.T, e *settlement.Engine, txID int64) error
	}{
		{"approve from pending", func(t *testing.T, e *settlement.Engine, txID int64) error {
			_, err := e.Approve(ctx, txID, "admin-a", ledger.RoleAdmin)
			return err
		}},
		{"verify from pending", func(t *testing.T, e *settlement.Engine, txID int64) error {
			return e.VerifyPickup(ctx, txID, "123456", "agent-1")
		}},
		{"complete from pending", func(t *testing.T, e *settlement.Engine, txID int64) error {
			return e.CompleteNonCash(ctx, txID, "admin-a")
		}},
		{"assign from pending", func(t *testing.T, e *settlement.Engine, txID int64) error {
			_, err := e.AssignAgent(ctx, txID, 1, "admin-a")
			return err
		}},
		{"cancel from under review", func(t *testing.T, e *settlement.Engine, txID int64) error {
			moveToUnderReview(t, e, txID)
			return e.Cancel(ctx, txID, "+91-98100-11111", "")
		}},
		{"receipt twice", func(t *testing.T, e *settlement.Engine, txID int64) error {
			moveToUnderReview(t, e, txID)
			return e.MarkReceiptUploaded(ctx, txID, "RCPT-002")
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, store := newTestEngine(t, settlement.Config{})
			tx := createTx(t, e, 100, ledger.CashPickup)
			before, err := store.GetTransaction(ctx, tx.ID)
			require.NoError(t, err)

			err = tc.run(t, e, tx.ID)
			require.ErrorIs(t, err, settlement.ErrInvalidTransition)

			var transitionErr *settlement.InvalidTransitionError
			require.ErrorAs(t, err, &transitionErr)
			assert.NotEmpty(t, transitionErr.Event)

			// A refused event must leave the prior state untouched.
			after, err := store.GetTransaction(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
		})
	}

	t.Run("unknown transaction", func(t *testing.T) {
		e, _ := newTestEngine(t, settlement.Config{})
		err := e.MarkReceiptUploaded(ctx, 999, "RCPT-001")
		assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	})
}

func TestNonCashLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	tx := createTx(t, e, 100, ledger.BankTransfer)
	moveToApproved(t, e, tx.ID)

	require.NoError(t, e.CompleteNonCash(ctx, tx.ID, "admin-a"))

	final, err := e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, final.Status)

	history, err := e.History(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, history, 4) // create, receipt, approve, complete
	assert.Equal(t, ledger.StatusCompleted, history[3].ToStatus)
}

func TestCompleteNonCashRefusesCashPickup(t *testing.T) {
	e, _ := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	tx := createTx(t, e, 100, ledger.CashPickup)
	moveToApproved(t, e, tx.ID)

	err := e.CompleteNonCash(ctx, tx.ID, "admin-a")
	assert.ErrorIs(t, err, settlement.ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("sender may cancel pending", func(t *testing.T) {
		e, _ := newTestEngine(t, settlement.Config{})
		tx := createTx(t, e, 100, ledger.BankTransfer)
		require.NoError(t, e.Cancel(ctx, tx.ID, tx.Sender.Phone, ""))

		got, err := e.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusCancelled, got.Status)
	})

	t.Run("admin may cancel pending", func(t *testing.T) {
		e, _ := newTestEngine(t, settlement.Config{})
		tx := createTx(t, e, 100, ledger.BankTransfer)
		require.NoError(t, e.Cancel(ctx, tx.ID, "admin-a", ledger.RoleAdmin))
	})

	t.Run("stranger may not cancel", func(t *testing.T) {
		e, _ := newTestEngine(t, settlement.Config{})
		tx := createTx(t, e, 100, ledger.BankTransfer)
		err := e.Cancel(ctx, tx.ID, "someone-else", "")
		assert.ErrorIs(t, err, settlement.ErrCancelDenied)

		got, err := e.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, got.Status)
	})
}

func TestRejectValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		category ledger.RejectionCategory
		reason   string
	}{
		{"missing category", "", "name mismatch"},
		{"unknown category", "BAD_VIBES", "name mismatch"},
		{"missing reason", ledger.RejectIncorrectData, ""},
		{"blank reason", ledger.RejectIncorrectData, "   "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t, settlement.Config{})
			tx := createTx(t, e, 100, ledger.BankTransfer)
			moveToUnderReview(t, e, tx.ID)

			err := e.Reject(ctx, tx.ID, "admin-a", tc.category, tc.reason, "")
			require.ErrorIs(t, err, settlement.ErrRejectionDetail)

			// Refused before any state mutation.
			got, err := e.GetTransaction(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusUnderReview, got.Status)
			history, err := e.History(ctx, tx.ID)
			require.NoError(t, err)
			assert.Len(t, history, 2) // create + receipt only
		})
	}

	t.Run("valid rejection records category and reason", func(t *testing.T) {
		e, _ := newTestEngine(t, settlement.Config{})
		tx := createTx(t, e, 100, ledger.BankTransfer)
		moveToUnderReview(t, e, tx.ID)

		err := e.Reject(ctx, tx.ID, "admin-a", ledger.RejectInvalidReceipt, "receipt unreadable", "scanned copy blurry")
		require.NoError(t, err)

		got, err := e.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusRejected, got.Status)
		assert.Equal(t, ledger.RejectInvalidReceipt, got.RejectionCategory)
		assert.Equal(t, "receipt unreadable", got.RejectionReason)
	})
}

func TestRiskHold(t *testing.T) {
	e, _ := newTestEngine(t, settlement.Config{
		Risk: settlement.StaticRiskChecker{FlagAbove: 1000},
	})
	ctx := context.Background()

	tx := createTx(t, e, 2500, ledger.BankTransfer)
	err := e.MarkReceiptUploaded(ctx, tx.ID, "RCPT-001")
	require.ErrorIs(t, err, settlement.ErrRiskHold)

	got, err := e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)
}

func TestReceiptRequired(t *testing.T) {
	e, _ := newTestEngine(t, settlement.Config{})
	tx := createTx(t, e, 100, ledger.BankTransfer)

	err := e.MarkReceiptUploaded(context.Background(), tx.ID, "  ")
	assert.ErrorIs(t, err, settlement.ErrReceiptRequired)
}

func TestNotifierFiredOnCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	notifier := mocks.NewMockNotifier(ctrl)
	e, _ := newTestEngine(t, settlement.Config{Notifier: notifier})
	ctx := context.Background()

	tx := createTx(t, e, 100, ledger.BankTransfer)

	notifier.EXPECT().
		Dispatch(gomock.Any(), gomock.AssignableToTypeOf(settlement.TransitionEvent{})).
		DoAndReturn(func(_ context.Context, event settlement.TransitionEvent) error {
			assert.Equal(t, tx.ID, event.TransactionID)
			assert.Equal(t, settlement.EventReceiptUploaded, event.Event)
			assert.Equal(t, ledger.StatusPending, event.FromStatus)
			assert.Equal(t, ledger.StatusUnderReview, event.ToStatus)
			return nil
		})

	require.NoError(t, e.MarkReceiptUploaded(ctx, tx.ID, "RCPT-001"))

	// A refused transition fires nothing.
	err := e.MarkReceiptUploaded(ctx, tx.ID, "RCPT-002")
	assert.ErrorIs(t, err, settlement.ErrInvalidTransition)
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	e, _ := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	tx := createTx(t, e, 100, ledger.BankTransfer)
	moveToUnderReview(t, e, tx.ID)

	approvers := []string{"admin-a", "admin-b"}
	errs := make([]error, len(approvers))
	var wg sync.WaitGroup
	for i, id := range approvers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = e.Approve(ctx, tx.ID, id, ledger.RoleAdmin)
		}(i, id)
	}
	wg.Wait()

	// Below threshold, exactly one approval completes; the loser sees the
	// transaction already APPROVED.
	var successes, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, settlement.ErrInvalidTransition):
			invalid++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, invalid)

	approvals, err := e.History(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, approvals, 3) // create, receipt, single approve
}

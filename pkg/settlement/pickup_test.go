package settlement_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitwire/settlement-engine/pkg/ledger"
	"github.com/remitwire/settlement-engine/pkg/ledger/memory"
	"github.com/remitwire/settlement-engine/pkg/settlement"
)

// readyForPickup drives a cash-pickup transaction all the way to
// READY_FOR_PICKUP and returns it together with its agent and pickup code.
func readyForPickup(t *testing.T, e *settlement.Engine, store *memory.Store, amount float64) (*ledger.Transaction, *ledger.Agent, string) {
	t.Helper()
	ctx := context.Background()

	agent := seedAgent(t, store, mumbaiAgent())
	tx := createTx(t, e, amount, ledger.CashPickup)
	moveToApproved(t, e, tx.ID)

	code, err := e.AssignAgent(ctx, tx.ID, agent.ID, "admin-a")
	require.NoError(t, err)
	return tx, agent, code
}

func TestVerifyPickup(t *testing.T) {
	ctx := context.Background()

	t.Run("correct code completes and decrements", func(t *testing.T) {
		e, store := newTestEngine(t, settlement.Config{})
		tx, agent, code := readyForPickup(t, e, store, 2000)

		require.NoError(t, e.VerifyPickup(ctx, tx.ID, code, "agent-operator"))

		got, err := e.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusCompleted, got.Status)
		require.NotNil(t, got.PickupVerifiedAt)

		after, err := store.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, after.ActiveTransactions)
		// The daily amount stays consumed; only the overnight reset clears it.
		assert.Equal(t, float64(2000), after.CurrentDailyAmount)
	})

	t.Run("wrong code leaves everything in place", func(t *testing.T) {
		e, store := newTestEngine(t, settlement.Config{})
		tx, agent, code := readyForPickup(t, e, store, 2000)

		wrong := "000000"
		if wrong == code {
			wrong = "000001"
		}
		err := e.VerifyPickup(ctx, tx.ID, wrong, "agent-operator")
		require.ErrorIs(t, err, settlement.ErrCodeMismatch)

		got, err := e.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusReadyForPickup, got.Status)
		assert.Nil(t, got.PickupVerifiedAt)

		after, err := store.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, after.ActiveTransactions)

		// The correct code still works after a failed attempt.
		require.NoError(t, e.VerifyPickup(ctx, tx.ID, code, "agent-operator"))
	})

	t.Run("second redemption is refused as already verified", func(t *testing.T) {
		e, store := newTestEngine(t, settlement.Config{})
		tx, agent, code := readyForPickup(t, e, store, 2000)

		require.NoError(t, e.VerifyPickup(ctx, tx.ID, code, "agent-operator"))

		err := e.VerifyPickup(ctx, tx.ID, code, "agent-operator")
		require.ErrorIs(t, err, settlement.ErrAlreadyVerified)

		// No second decrement.
		after, err := store.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, after.ActiveTransactions)
	})
}

func TestConcurrentVerifySingleCompletion(t *testing.T) {
	e, store := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	tx, agent, code := readyForPickup(t, e, store, 2000)

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.VerifyPickup(ctx, tx.ID, code, "agent-operator")
		}(i)
	}
	wg.Wait()

	var successes, duplicates int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, settlement.ErrAlreadyVerified):
			duplicates++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, duplicates)

	after, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.ActiveTransactions)

	history, err := e.History(ctx, tx.ID)
	require.NoError(t, err)
	completed := 0
	for _, entry := range history {
		if entry.ToStatus == ledger.StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

package settlement_test

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitwire/settlement-engine/pkg/ledger"
	"github.com/remitwire/settlement-engine/pkg/settlement"
)

func TestListEligibleAgentsOrdering(t *testing.T) {
	e, store := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	busy := mumbaiAgent()
	busy.Name = "Busy"
	busy.CurrentDailyAmount = 30000
	seedAgent(t, store, busy)

	idle := mumbaiAgent()
	idle.Name = "Idle"
	seedAgent(t, store, idle)

	tied := mumbaiAgent()
	tied.Name = "Tied"
	tied.ActiveTransactions = 3
	seedAgent(t, store, tied)

	suspended := mumbaiAgent()
	suspended.Name = "Suspended"
	suspended.Status = ledger.AgentSuspended
	seedAgent(t, store, suspended)

	delhi := mumbaiAgent()
	delhi.Name = "Delhi"
	delhi.City = "Delhi"
	seedAgent(t, store, delhi)

	smallCap := mumbaiAgent()
	smallCap.Name = "SmallCap"
	smallCap.MaxPerTransaction = 500
	seedAgent(t, store, smallCap)

	agents, err := e.ListEligibleAgents(ctx, "Mumbai", 2000)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	// Least utilized first; active-transaction count breaks the tie.
	assert.Equal(t, "Idle", agents[0].Name)
	assert.Equal(t, "Tied", agents[1].Name)
	assert.Equal(t, "Busy", agents[2].Name)
}

func TestAssignAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns code and increments counters", func(t *testing.T) {
		e, store := newTestEngine(t, settlement.Config{})
		agent := seedAgent(t, store, mumbaiAgent())
		tx := createTx(t, e, 2000, ledger.CashPickup)
		moveToApproved(t, e, tx.ID)

		code, err := e.AssignAgent(ctx, tx.ID, agent.ID, "admin-a")
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)

		got, err := e.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusReadyForPickup, got.Status)
		require.NotNil(t, got.AssignedAgentID)
		assert.Equal(t, agent.ID, *got.AssignedAgentID)
		assert.Equal(t, code, got.PickupCode)

		after, err := store.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(2000), after.CurrentDailyAmount)
		assert.Equal(t, 1, after.ActiveTransactions)
	})

	t.Run("refuses non-cash payout", func(t *testing.T) {
		e, store := newTestEngine(t, settlement.Config{})
		agent := seedAgent(t, store, mumbaiAgent())
		tx := createTx(t, e, 2000, ledger.BankTransfer)
		moveToApproved(t, e, tx.ID)

		_, err := e.AssignAgent(ctx, tx.ID, agent.ID, "admin-a")
		assert.ErrorIs(t, err, settlement.ErrInvalidTransition)
	})

	t.Run("unknown agent", func(t *testing.T) {
		e, _ := newTestEngine(t, settlement.Config{})
		tx := createTx(t, e, 2000, ledger.CashPickup)
		moveToApproved(t, e, tx.ID)

		_, err := e.AssignAgent(ctx, tx.ID, 404, "admin-a")
		assert.ErrorIs(t, err, ledger.ErrAgentNotFound)
	})

	t.Run("capacity moved since listing", func(t *testing.T) {
		e, store := newTestEngine(t, settlement.Config{})
		agent := mumbaiAgent()
		agent.CurrentDailyAmount = 49000
		seeded := seedAgent(t, store, agent)

		tx := createTx(t, e, 2000, ledger.CashPickup)
		moveToApproved(t, e, tx.ID)

		// 49000 + 2000 would exceed the 50000 daily limit.
		_, err := e.AssignAgent(ctx, tx.ID, seeded.ID, "admin-a")
		require.ErrorIs(t, err, settlement.ErrAgentNoLongerEligible)

		// Nothing committed: no phantom capacity, no transition.
		got, err := e.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusApproved, got.Status)
		assert.Nil(t, got.AssignedAgentID)
		after, err := store.GetAgent(ctx, seeded.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(49000), after.CurrentDailyAmount)
		assert.Equal(t, 0, after.ActiveTransactions)
	})

	t.Run("wrong city", func(t *testing.T) {
		e, store := newTestEngine(t, settlement.Config{})
		agent := mumbaiAgent()
		agent.City = "Delhi"
		seeded := seedAgent(t, store, agent)

		tx := createTx(t, e, 2000, ledger.CashPickup)
		moveToApproved(t, e, tx.ID)

		_, err := e.AssignAgent(ctx, tx.ID, seeded.ID, "admin-a")
		assert.ErrorIs(t, err, settlement.ErrAgentNoLongerEligible)
	})
}

func TestAssignAgentCapacityRace(t *testing.T) {
	e, store := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	agent := mumbaiAgent()
	agent.MaxDailyAmount = 3000
	seeded := seedAgent(t, store, agent)

	// Two transactions of 2000 against 3000 of daily capacity: only one
	// assignment can win.
	txA := createTx(t, e, 2000, ledger.CashPickup)
	moveToApproved(t, e, txA.ID)
	txB := createTx(t, e, 2000, ledger.CashPickup)
	moveToApproved(t, e, txB.ID)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, txID := range []int64{txA.ID, txB.ID} {
		wg.Add(1)
		go func(i int, txID int64) {
			defer wg.Done()
			_, errs[i] = e.AssignAgent(ctx, txID, seeded.ID, "admin-a")
		}(i, txID)
	}
	wg.Wait()

	var successes, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, settlement.ErrAgentNoLongerEligible):
			refused++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, refused)

	after, err := store.GetAgent(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(2000), after.CurrentDailyAmount)
	assert.Equal(t, 1, after.ActiveTransactions)
}

func TestReleaseAgent(t *testing.T) {
	e, store := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	agent := seedAgent(t, store, mumbaiAgent())
	tx := createTx(t, e, 2000, ledger.CashPickup)
	moveToApproved(t, e, tx.ID)

	_, err := e.AssignAgent(ctx, tx.ID, agent.ID, "admin-a")
	require.NoError(t, err)

	require.NoError(t, e.ReleaseAgent(ctx, tx.ID, "admin-a"))

	// Counters are restored and the transaction is back to APPROVED with
	// no agent or code attached.
	got, err := e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)
	assert.Nil(t, got.AssignedAgentID)
	assert.Empty(t, got.PickupCode)

	after, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(0), after.CurrentDailyAmount)
	assert.Equal(t, 0, after.ActiveTransactions)

	// A released transaction can still be rejected.
	err = e.Reject(ctx, tx.ID, "admin-a", ledger.RejectOther, "payout channel closed", "")
	require.NoError(t, err)
	got, err = e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, got.Status)
}

func TestReleaseAgentRequiresAssignment(t *testing.T) {
	e, _ := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	tx := createTx(t, e, 2000, ledger.CashPickup)
	moveToApproved(t, e, tx.ID)

	err := e.ReleaseAgent(ctx, tx.ID, "admin-a")
	assert.ErrorIs(t, err, settlement.ErrInvalidTransition)
}

package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitwire/settlement-engine/pkg/ledger"
	"github.com/remitwire/settlement-engine/pkg/settlement"
)

func TestSingleApprovalBelowThreshold(t *testing.T) {
	e, store := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	tx := createTx(t, e, 100, ledger.BankTransfer)
	moveToUnderReview(t, e, tx.ID)

	res, err := e.Approve(ctx, tx.ID, "admin-a", ledger.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Level)
	assert.True(t, res.Complete)

	got, err := e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)

	approvals, err := store.ListApprovals(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "admin-a", approvals[0].ApproverID)
}

func TestDualApprovalMakerChecker(t *testing.T) {
	e, store := newTestEngine(t, settlement.Config{})
	ctx := context.Background()

	tx := createTx(t, e, 7000, ledger.BankTransfer)
	moveToUnderReview(t, e, tx.ID)

	// First approval records level 1 and keeps the transaction in review.
	res, err := e.Approve(ctx, tx.ID, "admin-a", ledger.RoleSuperAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Level)
	assert.False(t, res.Complete)

	got, err := e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusUnderReview, got.Status)

	approvals, err := store.ListApprovals(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, 1, approvals[0].Level)

	// The same approver again is refused and mutates nothing.
	_, err = e.Approve(ctx, tx.ID, "admin-a", ledger.RoleSuperAdmin)
	require.ErrorIs(t, err, settlement.ErrSameApproverDenied)

	approvals, err = store.ListApprovals(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, approvals, 1)
	got, err = e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusUnderReview, got.Status)

	// A different approver completes the pair.
	res, err = e.Approve(ctx, tx.ID, "admin-b", ledger.RoleSuperAdmin)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Level)
	assert.True(t, res.Complete)

	got, err = e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)

	approvals, err = store.ListApprovals(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.NotEqual(t, approvals[0].ApproverID, approvals[1].ApproverID)
}

func TestApproverCeilings(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		amount  float64
		role    ledger.Role
		wantErr error
	}{
		{"compliance within ceiling", 4000, ledger.RoleComplianceOfficer, nil},
		{"compliance over ceiling", 7000, ledger.RoleComplianceOfficer, settlement.ErrApproverOverLimit},
		{"admin within ceiling", 7000, ledger.RoleAdmin, nil},
		{"admin over ceiling", 12000, ledger.RoleAdmin, settlement.ErrApproverOverLimit},
		{"super admin unlimited", 12000, ledger.RoleSuperAdmin, nil},
		{"unknown role", 100, "INTERN", settlement.ErrUnknownRole},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t, settlement.Config{})
			tx := createTx(t, e, tc.amount, ledger.BankTransfer)
			moveToUnderReview(t, e, tx.ID)

			_, err := e.Approve(ctx, tx.ID, "approver-1", tc.role)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				got, gerr := e.GetTransaction(ctx, tx.ID)
				require.NoError(t, gerr)
				assert.Equal(t, ledger.StatusUnderReview, got.Status)
			} else {
				require.NoError(t, err)
			}
		})
	}

	t.Run("over-limit reason is human readable", func(t *testing.T) {
		e, _ := newTestEngine(t, settlement.Config{})
		tx := createTx(t, e, 7000, ledger.BankTransfer)
		moveToUnderReview(t, e, tx.ID)

		_, err := e.Approve(ctx, tx.ID, "officer-1", ledger.RoleComplianceOfficer)
		var overLimit *settlement.OverLimitError
		require.ErrorAs(t, err, &overLimit)
		assert.Contains(t, overLimit.Error(), "COMPLIANCE_OFFICER")
		assert.Contains(t, overLimit.Error(), "5000.00")
	})
}

func TestUnlimitedBypassPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("default requires two approvers even for unlimited roles", func(t *testing.T) {
		e, _ := newTestEngine(t, settlement.Config{})
		tx := createTx(t, e, 20000, ledger.BankTransfer)
		moveToUnderReview(t, e, tx.ID)

		res, err := e.Approve(ctx, tx.ID, "root-1", ledger.RoleSuperAdmin)
		require.NoError(t, err)
		assert.False(t, res.Complete)
	})

	t.Run("bypass enabled completes alone", func(t *testing.T) {
		policy := settlement.DefaultApprovalPolicy()
		policy.UnlimitedBypassesDual = true
		e, _ := newTestEngine(t, settlement.Config{Policy: policy})
		tx := createTx(t, e, 20000, ledger.BankTransfer)
		moveToUnderReview(t, e, tx.ID)

		res, err := e.Approve(ctx, tx.ID, "root-1", ledger.RoleSuperAdmin)
		require.NoError(t, err)
		assert.True(t, res.Complete)

		got, err := e.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusApproved, got.Status)
	})

	t.Run("bypass does not extend to limited roles", func(t *testing.T) {
		policy := settlement.DefaultApprovalPolicy()
		policy.UnlimitedBypassesDual = true
		e, _ := newTestEngine(t, settlement.Config{Policy: policy})
		tx := createTx(t, e, 7000, ledger.BankTransfer)
		moveToUnderReview(t, e, tx.ID)

		res, err := e.Approve(ctx, tx.ID, "admin-a", ledger.RoleAdmin)
		require.NoError(t, err)
		assert.False(t, res.Complete)
	})
}

func TestRequiresDualApprovalBoundary(t *testing.T) {
	svc := settlement.NewApprovalService(settlement.DefaultApprovalPolicy())

	assert.False(t, svc.RequiresDualApproval(&ledger.Transaction{AmountSent: 4999.99}))
	assert.True(t, svc.RequiresDualApproval(&ledger.Transaction{AmountSent: 5000}))
	assert.True(t, svc.RequiresDualApproval(&ledger.Transaction{AmountSent: 5000.01}))
}

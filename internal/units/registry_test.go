package units

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stockroom-erp/stockroom/internal/txkind"
)

func mustRule(t *testing.T, typ txkind.Type, dir txkind.Direction) Rule {
	t.Helper()
	rule, err := RuleFor(typ, dir)
	require.NoError(t, err)
	return rule
}

func TestRuleForIgnoresDirectionOutsideAdjustments(t *testing.T) {
	rule, err := RuleFor(txkind.Sale, txkind.Outflow)
	require.NoError(t, err)
	require.Equal(t, RoleSoldBy, rule.Role)

	_, err = RuleFor(txkind.StockAdjustment, txkind.NoDirection)
	require.ErrorIs(t, err, ErrNoRule)
}

func TestTransitionTargets(t *testing.T) {
	cases := []struct {
		typ            txkind.Type
		dir            txkind.Direction
		commit, revert Status
	}{
		{txkind.Purchase, txkind.NoDirection, StatusInStock, StatusRemoved},
		{txkind.Sale, txkind.NoDirection, StatusSold, StatusInStock},
		{txkind.CustomerReturn, txkind.NoDirection, StatusInStock, StatusSold},
		{txkind.SupplierReturn, txkind.NoDirection, StatusRemoved, StatusInStock},
		{txkind.StockAdjustment, txkind.Inflow, StatusInStock, StatusRemoved},
		{txkind.StockAdjustment, txkind.Outflow, StatusAdjustedOut, StatusInStock},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ)+"/"+string(tc.dir), func(t *testing.T) {
			rule := mustRule(t, tc.typ, tc.dir)
			require.Equal(t, tc.commit, rule.CommitTo)
			require.Equal(t, tc.revert, rule.RevertTo)
		})
	}
}

func TestPurchaseHoldCommitRevert(t *testing.T) {
	rule := mustRule(t, txkind.Purchase, txkind.NoDirection)
	key := Key{ProductID: 7, SerialNumber: "SN1"}

	held, err := rule.Hold(nil, key, 11)
	require.NoError(t, err)
	require.Equal(t, StatusPendingStock, held.Status)
	require.True(t, held.Link.Is(RolePurchasedBy, 11))

	again, err := rule.Hold(&held, key, 11)
	require.NoError(t, err)
	require.Equal(t, held, again)

	committed, err := rule.Commit(&held, key, 11)
	require.NoError(t, err)
	require.Equal(t, StatusInStock, committed.Status)

	reverted, err := rule.Revert(&committed, 11)
	require.NoError(t, err)
	require.Equal(t, StatusRemoved, reverted.Status)
	require.Nil(t, reverted.Link)
}

func TestPurchaseRejectsUnitAlreadyInStock(t *testing.T) {
	rule := mustRule(t, txkind.Purchase, txkind.NoDirection)
	inst := &Instance{ProductID: 1, SerialNumber: "SN1", Status: StatusInStock}
	err := rule.Check(inst, 5)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestPurchaseReusesRemovedUnit(t *testing.T) {
	rule := mustRule(t, txkind.Purchase, txkind.NoDirection)
	old := &Link{Role: RolePurchasedBy, ItemID: 1}
	inst := &Instance{ID: 3, ProductID: 1, SerialNumber: "SN1", Status: StatusRemoved, Link: old}

	committed, err := rule.Commit(inst, inst.Key(), 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), committed.ID)
	require.Equal(t, StatusInStock, committed.Status)

	reverted, err := rule.Revert(&committed, 2)
	require.NoError(t, err)
	require.Equal(t, StatusRemoved, reverted.Status)
	require.Equal(t, old, reverted.Link)
}

func TestReleaseRestoresPreLinkState(t *testing.T) {
	rule := mustRule(t, txkind.StockAdjustment, txkind.Inflow)
	prev := &Link{Role: RoleAdjustedOutBy, ItemID: 4}
	inst := &Instance{ProductID: 1, SerialNumber: "SN9", Status: StatusAdjustedOut, Link: prev}

	held, err := rule.Hold(inst, inst.Key(), 8)
	require.NoError(t, err)
	released, err := rule.Release(held, 8)
	require.NoError(t, err)
	require.Equal(t, StatusAdjustedOut, released.Status)
	require.Equal(t, prev, released.Link)

	_, err = rule.Release(released, 8)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSaleCommitAndRevert(t *testing.T) {
	rule := mustRule(t, txkind.Sale, txkind.NoDirection)
	purchased := &Link{Role: RolePurchasedBy, ItemID: 1}
	inst := &Instance{ID: 9, ProductID: 1, SerialNumber: "SN1", Status: StatusInStock, Link: purchased}

	sold, err := rule.Commit(inst, inst.Key(), 2)
	require.NoError(t, err)
	require.Equal(t, StatusSold, sold.Status)
	require.True(t, sold.Link.Is(RoleSoldBy, 2))

	_, err = rule.Commit(&sold, sold.Key(), 3)
	require.ErrorIs(t, err, ErrInvalidState)

	back, err := rule.Revert(&sold, 2)
	require.NoError(t, err)
	require.Equal(t, StatusInStock, back.Status)
	require.Equal(t, purchased, back.Link)
	require.Nil(t, back.Prior)
}

func TestMatchRulesNeedExistingUnit(t *testing.T) {
	for _, typ := range []txkind.Type{txkind.Sale, txkind.CustomerReturn, txkind.SupplierReturn} {
		rule := mustRule(t, typ, txkind.NoDirection)
		require.ErrorIs(t, rule.Check(nil, 1), ErrInvalidState, typ)
	}
	rule := mustRule(t, txkind.StockAdjustment, txkind.Outflow)
	require.ErrorIs(t, rule.Check(nil, 1), ErrInvalidState)
	_, err := rule.Hold(nil, Key{ProductID: 1, SerialNumber: "X"}, 1)
	require.ErrorIs(t, err, ErrNotHoldable)
}

func TestRevertRequiresOwnership(t *testing.T) {
	rule := mustRule(t, txkind.CustomerReturn, txkind.NoDirection)
	inst := &Instance{ProductID: 1, SerialNumber: "SN1", Status: StatusInStock, Link: &Link{Role: RoleReturnedFromCustomerBy, ItemID: 5}}

	_, err := rule.Revert(inst, 6)
	require.ErrorIs(t, err, ErrInvalidState)

	inst.Status = StatusSold
	_, err = rule.Revert(inst, 5)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSupplierReturnRoundTrip(t *testing.T) {
	rule := mustRule(t, txkind.SupplierReturn, txkind.NoDirection)
	inst := &Instance{ProductID: 1, SerialNumber: "SN1", Status: StatusInStock}

	out, err := rule.Commit(inst, inst.Key(), 4)
	require.NoError(t, err)
	require.Equal(t, StatusRemoved, out.Status)

	back, err := rule.Revert(&out, 4)
	require.NoError(t, err)
	require.Equal(t, StatusInStock, back.Status)
	require.Nil(t, back.Link)
}

package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestEngine() *ledger.Engine {
	return ledger.NewEngine(store.NewMemory())
}

// newClockedEngine returns an engine whose clock is frozen at a settable
// instant, so expiration can be driven deterministically.
func newClockedEngine(start time.Time) (*ledger.Engine, *time.Time) {
	now := start
	e := ledger.NewEngine(store.NewMemory())
	e.Now = func() time.Time { return now }
	return e, &now
}

func usd(v string) ledger.Money {
	m, err := ledger.ParseMoney(v, "USD")
	if err != nil {
		panic(err)
	}
	return m
}

func issueUSD(t *testing.T, e *ledger.Engine, amount string) *ledger.Credit {
	t.Helper()
	c, err := e.Issue(context.Background(), ledger.IssueRequest{Amount: usd(amount)})
	require.NoError(t, err)
	return c
}

// =============================================================================
// ISSUE
// =============================================================================

func TestIssue_CreatesActiveCreditWithOpeningTransaction(t *testing.T) {
	// GIVEN: A fresh engine
	// WHEN: Issuing a $100 credit
	// THEN: The credit is ACTIVE, balance equals face amount, code validates,
	//       and the log contains exactly the opening ISSUE record

	e := newTestEngine()
	ctx := context.Background()

	c, err := e.Issue(ctx, ledger.IssueRequest{
		Amount:  usd("100.00"),
		OwnerID: "cust-42",
		Note:    "goodwill",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusActive, c.Status)
	assert.True(t, c.Balance.Equal(usd("100.00")))
	assert.True(t, c.Amount.Equal(usd("100.00")))
	assert.Equal(t, "cust-42", c.OwnerID)
	assert.True(t, ledger.ValidateCode(c.Code), "issued code %q should validate", c.Code)

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxIssue, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(usd("100.00")))
}

func TestIssue_RejectsNonPositiveAmounts(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	for _, v := range []string{"0", "-5.00"} {
		_, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd(v)})
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "amount %s", v)
	}

	_, err := e.Issue(ctx, ledger.IssueRequest{Amount: ledger.NewMoney("10", "")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "missing currency")
}

func TestIssue_AssignsUniqueCodes(t *testing.T) {
	e := newTestEngine()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		c := issueUSD(t, e, "10.00")
		assert.False(t, seen[c.Code], "duplicate code %q", c.Code)
		seen[c.Code] = true
	}
}

// =============================================================================
// REDEEM
// =============================================================================

func TestRedeem_PartialThenFullDrainsToRedeemed(t *testing.T) {
	// GIVEN: A $100 credit
	// WHEN: Redeeming $60, then $40
	// THEN: Balance goes 100 -> 40 -> 0, status flips to REDEEMED at zero,
	//       and the log reads ISSUE, REDEEM(-60), REDEEM(-40) in order

	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "100.00")

	c1, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("60.00"), ReferenceID: "order-1"})
	require.NoError(t, err)
	assert.True(t, c1.Balance.Equal(usd("40.00")))
	assert.Equal(t, ledger.StatusActive, c1.Status)

	c2, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("40.00"), ReferenceID: "order-2"})
	require.NoError(t, err)
	assert.True(t, c2.Balance.IsZero())
	assert.Equal(t, ledger.StatusRedeemed, c2.Status)

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.TxIssue, txs[0].Type)
	assert.Equal(t, ledger.TxRedeem, txs[1].Type)
	assert.True(t, txs[1].Amount.Equal(usd("-60.00")))
	assert.Equal(t, ledger.TxRedeem, txs[2].Type)
	assert.True(t, txs[2].Amount.Equal(usd("-40.00")))
}

func TestRedeem_InsufficientBalanceLeavesStateUntouched(t *testing.T) {
	// GIVEN: A $50 credit
	// WHEN: Redeeming $50.01
	// THEN: The typed error carries available vs requested, nothing is
	//       written, and the credit is still fully redeemable

	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "50.00")

	_, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("50.01")})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var balErr *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.True(t, balErr.Available.Equal(usd("50.00")))
	assert.True(t, balErr.Requested.Equal(usd("50.01")))

	got, err := e.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(usd("50.00")))
	assert.Equal(t, ledger.StatusActive, got.Status)

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "failed redeem must write nothing")
}

func TestRedeem_ExactDecimalArithmetic(t *testing.T) {
	// 0.1 + 0.2 style drift must be impossible: drain 10.00 in 0.10 steps
	// three hundred times is out of budget here, but ten cents a hundred
	// times exercises the same property.
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "10.00")

	for i := 0; i < 100; i++ {
		_, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("0.10")})
		require.NoError(t, err, "redemption %d", i)
	}

	got, err := e.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero(), "balance = %s, want exactly 0", got.Balance)
	assert.Equal(t, ledger.StatusRedeemed, got.Status)
}

func TestRedeem_RejectsCurrencyMismatch(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "50.00")

	eur, err := ledger.ParseMoney("10.00", "EUR")
	require.NoError(t, err)

	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: eur})
	assert.ErrorIs(t, err, ledger.ErrCurrencyMismatch)
}

func TestRedeem_RejectsTerminalStates(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	// REDEEMED
	c := issueUSD(t, e, "10.00")
	_, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("10.00")})
	require.NoError(t, err)
	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("1.00")})
	assert.ErrorIs(t, err, ledger.ErrIllegalStateTransition)

	// CANCELLED
	c2 := issueUSD(t, e, "10.00")
	_, err = e.Cancel(ctx, c2.ID, ledger.CancelRequest{Reason: "fraud"})
	require.NoError(t, err)
	_, err = e.Redeem(ctx, c2.ID, ledger.RedeemRequest{Amount: usd("1.00")})
	assert.ErrorIs(t, err, ledger.ErrIllegalStateTransition)

	var stateErr *ledger.StateError
	assert.ErrorAs(t, err, &stateErr)
	assert.Equal(t, ledger.StatusCancelled, stateErr.Status)
}

func TestRedeem_UnknownCredit(t *testing.T) {
	e := newTestEngine()
	_, err := e.Redeem(context.Background(), "no-such-id", ledger.RedeemRequest{Amount: usd("1.00")})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_PreservesBalanceForAudit(t *testing.T) {
	// GIVEN: A $100 credit with $30 already redeemed
	// WHEN: Cancelling it
	// THEN: Status is CANCELLED, balance still reads 70, and the CANCEL
	//       record carries the frozen remaining value

	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "100.00")
	_, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("30.00")})
	require.NoError(t, err)

	cancelled, err := e.Cancel(ctx, c.ID, ledger.CancelRequest{Reason: "customer refunded"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.Balance.Equal(usd("70.00")))

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, ledger.TxCancel, last.Type)
	assert.True(t, last.Amount.IsZero())
	rem, err := decimal.NewFromString(last.Metadata[ledger.MetaRemainingValue])
	require.NoError(t, err)
	assert.True(t, rem.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, "customer refunded", last.Metadata[ledger.MetaReason])
}

func TestCancel_RedeemedCreditRejected(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "10.00")
	_, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("10.00")})
	require.NoError(t, err)

	_, err = e.Cancel(ctx, c.ID, ledger.CancelRequest{})
	assert.ErrorIs(t, err, ledger.ErrCannotCancelRedeemed)
}

func TestCancel_AlreadyCancelledRejected(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "10.00")
	_, err := e.Cancel(ctx, c.ID, ledger.CancelRequest{})
	require.NoError(t, err)

	_, err = e.Cancel(ctx, c.ID, ledger.CancelRequest{})
	assert.ErrorIs(t, err, ledger.ErrIllegalStateTransition)
}

func TestCancel_ExpiredCreditAllowed(t *testing.T) {
	// Expired credits can still be voided for bookkeeping.
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, now := newClockedEngine(start)
	ctx := context.Background()

	exp := start.Add(24 * time.Hour)
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("25.00"), ExpiresAt: &exp})
	require.NoError(t, err)

	*now = start.Add(48 * time.Hour)

	cancelled, err := e.Cancel(ctx, c.ID, ledger.CancelRequest{Reason: "cleanup"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, cancelled.Status)

	// The lazy EXPIRE and the CANCEL both landed, in that order.
	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.TxExpire, txs[1].Type)
	assert.Equal(t, ledger.TxCancel, txs[2].Type)
}

// =============================================================================
// ADJUST
// =============================================================================

func TestAdjust_PositiveDeltaRaisesAmountAndBalance(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "50.00")

	adjusted, err := e.Adjust(ctx, c.ID, ledger.AdjustRequest{Delta: usd("25.00"), Reason: "promo top-up"})
	require.NoError(t, err)
	assert.True(t, adjusted.Amount.Equal(usd("75.00")))
	assert.True(t, adjusted.Balance.Equal(usd("75.00")))

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxAdjustUp, txs[len(txs)-1].Type)
}

func TestAdjust_NegativeDeltaCannotUndershootZero(t *testing.T) {
	// GIVEN: A credit with $20 left
	// WHEN: Adjusting by -$25
	// THEN: NegativeBalance, and nothing changes

	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "100.00")
	_, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("80.00")})
	require.NoError(t, err)

	_, err = e.Adjust(ctx, c.ID, ledger.AdjustRequest{Delta: usd("-25.00")})
	assert.ErrorIs(t, err, ledger.ErrNegativeBalance)

	got, err := e.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(usd("20.00")))
}

func TestAdjust_DrainToZeroTransitionsToRedeemed(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "20.00")

	adjusted, err := e.Adjust(ctx, c.ID, ledger.AdjustRequest{Delta: usd("-20.00"), Reason: "chargeback"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRedeemed, adjusted.Status)
	assert.True(t, adjusted.Balance.IsZero())

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxAdjustDown, txs[len(txs)-1].Type)
}

func TestAdjust_ZeroDeltaRejected(t *testing.T) {
	e := newTestEngine()
	c := issueUSD(t, e, "10.00")
	_, err := e.Adjust(context.Background(), c.ID, ledger.AdjustRequest{Delta: usd("0")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// EXTEND EXPIRATION
// =============================================================================

func TestExtendExpiration_MovesDateAndRecordsAudit(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, _ := newClockedEngine(start)
	ctx := context.Background()

	exp := start.AddDate(0, 1, 0)
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("40.00"), ExpiresAt: &exp})
	require.NoError(t, err)

	newExp := start.AddDate(0, 6, 0)
	extended, err := e.ExtendExpiration(ctx, c.ID, ledger.ExtendRequest{NewExpiresAt: newExp, Reason: "retention offer"})
	require.NoError(t, err)
	require.NotNil(t, extended.ExpiresAt)
	assert.True(t, extended.ExpiresAt.Equal(newExp))

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.True(t, last.Amount.IsZero())
	assert.Equal(t, exp.Format(time.RFC3339), last.Metadata[ledger.MetaPrevExpiresAt])
	assert.Equal(t, newExp.Format(time.RFC3339), last.Metadata[ledger.MetaNextExpiresAt])
}

func TestExtendExpiration_RejectsPastDates(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, _ := newClockedEngine(start)
	ctx := context.Background()
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("40.00")})
	require.NoError(t, err)

	_, err = e.ExtendExpiration(ctx, c.ID, ledger.ExtendRequest{NewExpiresAt: start.Add(-time.Hour)})
	assert.ErrorIs(t, err, ledger.ErrInvalidExpiration)
}

func TestExtendExpiration_CanRescueAnAboutToExpireCredit(t *testing.T) {
	// Extending before the date passes keeps the credit ACTIVE past the
	// original deadline.
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, now := newClockedEngine(start)
	ctx := context.Background()

	exp := start.Add(24 * time.Hour)
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("40.00"), ExpiresAt: &exp})
	require.NoError(t, err)

	newExp := start.AddDate(0, 3, 0)
	_, err = e.ExtendExpiration(ctx, c.ID, ledger.ExtendRequest{NewExpiresAt: newExp})
	require.NoError(t, err)

	*now = start.Add(48 * time.Hour) // past the original date

	got, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("5.00")})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, got.Status)
}

// =============================================================================
// LAZY EXPIRATION
// =============================================================================

func TestLazyExpiration_RedeemAfterDateCommitsExpireAndRejects(t *testing.T) {
	// GIVEN: A credit whose expiration date has passed, not yet swept
	// WHEN: Attempting to redeem
	// THEN: The call fails with CreditExpired, but the EXPIRE transition
	//       is committed anyway - the ledger now shows EXPIRED

	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, now := newClockedEngine(start)
	ctx := context.Background()

	exp := start.Add(time.Hour)
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("30.00"), ExpiresAt: &exp})
	require.NoError(t, err)

	*now = start.Add(2 * time.Hour)

	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("10.00")})
	require.ErrorIs(t, err, ledger.ErrCreditExpired)

	got, err := e.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, got.Status)
	assert.True(t, got.Balance.Equal(usd("30.00")), "expiration freezes the balance")

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxExpire, txs[1].Type)
	rem, err := decimal.NewFromString(txs[1].Metadata[ledger.MetaRemainingValue])
	require.NoError(t, err)
	assert.True(t, rem.Equal(decimal.NewFromInt(30)))
}

func TestLazyExpiration_SecondAttemptDoesNotDuplicateExpire(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, now := newClockedEngine(start)
	ctx := context.Background()

	exp := start.Add(time.Hour)
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("30.00"), ExpiresAt: &exp})
	require.NoError(t, err)

	*now = start.Add(2 * time.Hour)

	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("10.00")})
	require.ErrorIs(t, err, ledger.ErrCreditExpired)
	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("10.00")})
	require.ErrorIs(t, err, ledger.ErrCreditExpired)

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2, "exactly one EXPIRE record")
}

func TestLazyExpiration_NonExpiredRejectionRollsBackExpire(t *testing.T) {
	// GIVEN: A stale ACTIVE credit
	// WHEN: An administrative Update fails for its own reason (flipping
	//       the now-terminal status) after the lazy EXPIRE was staged
	// THEN: The whole unit rolls back - only a CreditExpired rejection
	//       commits the EXPIRE; the next mutating read redoes it

	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, now := newClockedEngine(start)
	ctx := context.Background()

	exp := start.Add(time.Hour)
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("30.00"), ExpiresAt: &exp})
	require.NoError(t, err)

	*now = start.Add(2 * time.Hour)

	active := ledger.StatusActive
	_, err = e.Update(ctx, c.ID, ledger.UpdateRequest{Status: &active})
	require.ErrorIs(t, err, ledger.ErrImmutableTerminalState)

	got, err := e.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, got.Status, "rolled back, not half-expired")

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "no EXPIRE record committed")

	// Any later mutating read performs the expiration for real.
	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("1.00")})
	require.ErrorIs(t, err, ledger.ErrCreditExpired)
	got, err = e.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, got.Status)
}

func TestLazyExpiration_ExactBoundaryExpires(t *testing.T) {
	// A credit expires AT its expiration instant, not strictly after it.
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, now := newClockedEngine(start)
	ctx := context.Background()

	exp := start.Add(time.Hour)
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("30.00"), ExpiresAt: &exp})
	require.NoError(t, err)

	*now = exp

	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("10.00")})
	assert.ErrorIs(t, err, ledger.ErrCreditExpired)
}

// =============================================================================
// UPDATE (administrative)
// =============================================================================

func TestUpdate_TerminalStatusIsImmutable(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "10.00")
	_, err := e.Cancel(ctx, c.ID, ledger.CancelRequest{})
	require.NoError(t, err)

	active := ledger.StatusActive
	_, err = e.Update(ctx, c.ID, ledger.UpdateRequest{Status: &active})
	assert.ErrorIs(t, err, ledger.ErrImmutableTerminalState)
}

func TestUpdate_ActiveToCancelledWritesAuditRecord(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "10.00")

	cancelled := ledger.StatusCancelled
	updated, err := e.Update(ctx, c.ID, ledger.UpdateRequest{Status: &cancelled, StaffID: "staff-9"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, updated.Status)

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, ledger.TxCancel, last.Type)
	assert.Equal(t, string(ledger.StatusActive), last.Metadata[ledger.MetaPrevStatus])
}

func TestUpdate_ActiveToRedeemedRejected(t *testing.T) {
	// REDEEMED is earned by draining the balance, never assigned.
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "10.00")

	redeemed := ledger.StatusRedeemed
	_, err := e.Update(ctx, c.ID, ledger.UpdateRequest{Status: &redeemed})
	assert.ErrorIs(t, err, ledger.ErrIllegalStateTransition)
}

func TestUpdate_MetadataFieldsOnly(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "10.00")

	owner := "cust-7"
	note := "transferred"
	updated, err := e.Update(ctx, c.ID, ledger.UpdateRequest{OwnerID: &owner, Note: &note})
	require.NoError(t, err)
	assert.Equal(t, "cust-7", updated.OwnerID)
	assert.Equal(t, "transferred", updated.Note)
	assert.True(t, updated.Balance.Equal(usd("10.00")), "update never touches money")

	// Pure metadata edits leave the monetary log alone.
	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestUpdate_ClearExpiration(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e, now := newClockedEngine(start)
	ctx := context.Background()

	exp := start.Add(time.Hour)
	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("10.00"), ExpiresAt: &exp})
	require.NoError(t, err)

	updated, err := e.Update(ctx, c.ID, ledger.UpdateRequest{SetExpiresAt: true, ExpiresAt: nil})
	require.NoError(t, err)
	assert.Nil(t, updated.ExpiresAt)

	// The credit no longer expires.
	*now = start.Add(48 * time.Hour)
	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("5.00")})
	assert.NoError(t, err)
}

// =============================================================================
// CONFLICT RETRY
// =============================================================================

// conflictStore wraps a TxStore and makes the first N UpdateCredit calls
// fail with ErrConcurrencyConflict, simulating a competing writer moving
// the version token between read and write.
type conflictStore struct {
	ledger.TxStore
	conflicts int
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.TxStore.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&conflictTx{Tx: tx, store: s})
	})
}

type conflictTx struct {
	ledger.Tx
	store *conflictStore
}

func (t *conflictTx) UpdateCredit(ctx context.Context, c *ledger.Credit) error {
	if t.store.conflicts > 0 {
		t.store.conflicts--
		return ledger.ErrConcurrencyConflict
	}
	return t.Tx.UpdateCredit(ctx, c)
}

func TestRedeem_RetriesVersionConflictsBounded(t *testing.T) {
	// GIVEN: A store that rejects the first three writes with a version
	//        conflict
	// WHEN: Redeeming the full balance
	// THEN: The engine retries through the conflicts and the redemption
	//       lands exactly once

	cs := &conflictStore{TxStore: store.NewMemory()}
	e := ledger.NewEngine(cs)
	ctx := context.Background()

	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("100.00")})
	require.NoError(t, err)

	cs.conflicts = 3
	redeemed, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("100.00")})
	require.NoError(t, err, "three conflicts are within the retry budget")
	assert.Equal(t, ledger.StatusRedeemed, redeemed.Status)
	assert.Equal(t, 0, cs.conflicts, "every retry re-ran the unit of work")

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2, "retries must not duplicate the REDEEM record")
}

func TestRedeem_SurfacesConflictBeyondRetryBudget(t *testing.T) {
	// GIVEN: A store that keeps conflicting past the retry budget
	// WHEN: Redeeming
	// THEN: ErrConcurrencyConflict reaches the caller and no write lands

	cs := &conflictStore{TxStore: store.NewMemory()}
	e := ledger.NewEngine(cs)
	ctx := context.Background()

	c, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("100.00")})
	require.NoError(t, err)

	cs.conflicts = 10
	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("100.00")})
	require.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.Equal(t, 6, cs.conflicts, "one initial attempt plus three retries")

	got, err := e.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(usd("100.00")), "failed attempts roll back")
	assert.Equal(t, ledger.StatusActive, got.Status)

	txs, err := e.Transactions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "only the ISSUE record survives")
}

// =============================================================================
// LOOKUPS
// =============================================================================

func TestGetByCode_ValidatesBeforeLookup(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "10.00")

	got, err := e.GetByCode(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = e.GetByCode(ctx, "not-a-code")
	assert.ErrorIs(t, err, ledger.ErrInvalidCodeFormat)

	_, err = e.GetByCode(ctx, "SC-ZZZZZZZZ-00")
	assert.ErrorIs(t, err, ledger.ErrInvalidCodeFormat, "bad checksum is a format error, not a miss")
}

func TestList_FilterAndSort(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_, err := e.Issue(ctx, ledger.IssueRequest{Amount: usd("10.00"), OwnerID: "a"})
	require.NoError(t, err)
	_, err = e.Issue(ctx, ledger.IssueRequest{Amount: usd("30.00"), OwnerID: "a"})
	require.NoError(t, err)
	_, err = e.Issue(ctx, ledger.IssueRequest{Amount: usd("20.00"), OwnerID: "b"})
	require.NoError(t, err)

	credits, err := e.List(ctx, ledger.ListFilter{OwnerID: "a", SortBy: "amount", SortDesc: true})
	require.NoError(t, err)
	require.Len(t, credits, 2)
	assert.True(t, credits[0].Amount.Equal(usd("30.00")))
	assert.True(t, credits[1].Amount.Equal(usd("10.00")))

	_, err = e.List(ctx, ledger.ListFilter{SortBy: "code; DROP TABLE credits"})
	assert.Error(t, err, "non-whitelisted sort field rejected")
}

// =============================================================================
// AUDIT / REPLAY
// =============================================================================

func TestAudit_LogReplayAgreesWithStoredBalance(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	c := issueUSD(t, e, "100.00")

	_, err := e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("30.00")})
	require.NoError(t, err)
	_, err = e.Adjust(ctx, c.ID, ledger.AdjustRequest{Delta: usd("15.00")})
	require.NoError(t, err)
	_, err = e.Redeem(ctx, c.ID, ledger.RedeemRequest{Amount: usd("5.50")})
	require.NoError(t, err)

	report, err := e.Audit(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "stored %s/%s vs replayed %s/%s",
		report.StoredAmount, report.StoredBalance, report.ReplayedAmount, report.ReplayedBalance)
	assert.True(t, report.ReplayedBalance.Equal(usd("79.50")))
	assert.Equal(t, 4, report.Transactions)
}

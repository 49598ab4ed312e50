package issuance

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"icreserve/core/events"
	"icreserve/crypto"
	"icreserve/native/common"
	"icreserve/native/emergency"
	"icreserve/native/fixed"
	"icreserve/native/kyc"
	"icreserve/native/oracle"
	"icreserve/native/reserve"
	"icreserve/storage"
)

const (
	feeder = "feeder"
	ctl    = "issuance-controller"
	alice  = "alice"
	bob    = "bob"
)

type harness struct {
	ctrl     *Controller
	feed     *oracle.Feed
	approved map[string]bool
	recorder *events.Recorder
	now      time.Time
}

func (h *harness) setPrices(t *testing.T, a, b string) {
	t.Helper()
	require.NoError(t, h.feed.UpdateDecimal(feeder, "WBTC", a, 8, h.now))
	require.NoError(t, h.feed.UpdateDecimal(feeder, "WETH", b, 8, h.now))
}

func testConfig() Config {
	return Config{
		AssetA:    "WBTC",
		AssetB:    "WETH",
		RatioABps: 4000,
		RatioBBps: 6000,
		Emergency: emergency.Config{Signers: []string{"s1", "s2", "s3"}, TTL: time.Hour},
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		feed:     oracle.NewFeed(feeder),
		approved: map[string]bool{alice: true, bob: true},
		recorder: &events.Recorder{},
		now:      time.Unix(1_700_000_000, 0),
	}
	gate := kyc.GateFunc(func(account string) bool { return h.approved[account] })
	guard := oracle.NewGuard(h.feed, time.Minute)
	guard.SetClock(func() time.Time { return h.now })
	opts = append([]Option{WithEmitter(h.recorder), WithClock(func() time.Time { return h.now })}, opts...)
	ctrl, err := New(cfg, guard, gate, opts...)
	require.NoError(t, err)
	h.ctrl = ctrl
	h.setPrices(t, "60000.00000000", "2000.00000000")
	return h
}

func units(n uint64) fixed.Amount { return fixed.FromUnits(n) }

func TestNewRejectsBadRatio(t *testing.T) {
	cfg := testConfig()
	cfg.RatioBBps = 5000
	_, err := New(cfg, oracle.NewFeed(), kyc.DenyAll)
	require.Error(t, err)

	cfg = testConfig()
	cfg.AssetB = "wbtc"
	_, err = New(cfg, oracle.NewFeed(), kyc.DenyAll)
	require.Error(t, err)
}

func TestMintScenarioFourtySixty(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))

	info := h.ctrl.GetReserveInfo()
	require.Equal(t, "0.000666666666666666", info.AllocatedA.String())
	require.Equal(t, "0.03", info.AllocatedB.String())
	require.Equal(t, "100", info.TotalIssued.String())

	acct, err := h.ctrl.GetAccount(alice)
	require.NoError(t, err)
	require.Equal(t, "100", acct.Balance.String())

	avail, err := h.ctrl.GetAvailableReserves()
	require.NoError(t, err)
	require.True(t, avail.A.IsZero())
	require.True(t, avail.B.IsZero())

	recorded := h.recorder.Events()
	require.Len(t, recorded, 1)
	minted, ok := recorded[0].(events.IssuanceMinted)
	require.True(t, ok)
	require.Equal(t, "0.000666666666666666", minted.NewSupplyA.String())
	require.Equal(t, "0.03", minted.QtyB.String())
	require.Equal(t, "100", minted.Event().Attributes["totalIssued"])
}

func TestMintDrawsPreMintedStock(t *testing.T) {
	h := newHarness(t, testConfig())
	h.setPrices(t, "80.00000000", "2000.00000000")
	require.NoError(t, h.ctrl.PreMintReserves(context.Background(), ctl, units(1), units(1)))

	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))

	avail, err := h.ctrl.GetAvailableReserves()
	require.NoError(t, err)
	require.Equal(t, "0.5", avail.A.String())
	require.Equal(t, "0.97", avail.B.String())

	supply := h.ctrl.GetSupply()
	require.Equal(t, "1", supply.AssetA.String(), "stock covered the mint, no new reserve supply")
	require.Equal(t, "1", supply.AssetB.String())

	minted := h.recorder.Events()[1].(events.IssuanceMinted)
	require.True(t, minted.NewSupplyA.IsZero())
}

func TestMintTopsUpPartialStock(t *testing.T) {
	h := newHarness(t, testConfig())
	h.setPrices(t, "80.00000000", "2000.00000000")
	require.NoError(t, h.ctrl.PreMintReserves(context.Background(), ctl, fixed.MustParse("0.2"), fixed.Zero()))
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))

	supply := h.ctrl.GetSupply()
	require.Equal(t, "0.5", supply.AssetA.String())
	require.Equal(t, "0.03", supply.AssetB.String())
	avail, err := h.ctrl.GetAvailableReserves()
	require.NoError(t, err)
	require.True(t, avail.A.IsZero())
}

func TestPreMintRequiresController(t *testing.T) {
	h := newHarness(t, testConfig())
	err := h.ctrl.PreMintReserves(context.Background(), alice, units(1), units(1))
	require.ErrorIs(t, err, common.ErrUnauthorized)
	err = h.ctrl.PreMintReserves(context.Background(), ctl, fixed.Zero(), fixed.Zero())
	require.ErrorIs(t, err, common.ErrInvalidAmount)
}

func TestMintRejectsUnapprovedAccountWithoutMutation(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(10)))
	before := h.ctrl.ledger.Snapshot()

	err := h.ctrl.MintBacked(context.Background(), "mallory", units(100))
	require.ErrorIs(t, err, common.ErrKycNotApproved)
	require.Equal(t, before, h.ctrl.ledger.Snapshot())
	acct, err := h.ctrl.GetAccount("mallory")
	require.NoError(t, err)
	require.True(t, acct.Balance.IsZero())
}

func TestMintFailureAfterAllocationRollsBack(t *testing.T) {
	db := storage.NewMemDB()
	h := newHarness(t, testConfig(), WithStore(db))
	require.NoError(t, h.ctrl.PreMintReserves(context.Background(), ctl, units(1), units(1)))
	before := h.ctrl.ledger.Snapshot()
	supplyBefore := h.ctrl.GetSupply()

	boom := errors.New("disk full")
	db.FailWrites(boom)
	err := h.ctrl.MintBacked(context.Background(), alice, units(100))
	require.ErrorIs(t, err, boom)
	require.True(t, common.IsRecoverable(err))

	require.Equal(t, before, h.ctrl.ledger.Snapshot())
	require.Equal(t, supplyBefore, h.ctrl.GetSupply())
	acct, err := h.ctrl.GetAccount(alice)
	require.NoError(t, err)
	require.True(t, acct.Balance.IsZero())
	require.Len(t, h.recorder.Events(), 1, "failed mint must not emit")

	db.FailWrites(nil)
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))
}

func TestOracleFailuresRejectMint(t *testing.T) {
	h := newHarness(t, testConfig())
	h.now = h.now.Add(2 * time.Minute)
	err := h.ctrl.MintBacked(context.Background(), alice, units(1))
	require.ErrorIs(t, err, common.ErrOracleStale)

	h.setPrices(t, "0", "2000")
	err = h.ctrl.MintBacked(context.Background(), alice, units(1))
	require.ErrorIs(t, err, common.ErrOracleZeroPrice)

	_, err = h.ctrl.GetCurrentValue()
	require.NoError(t, err, "nothing issued yet, prices are not read")
}

func TestMintRejectsZeroAmount(t *testing.T) {
	h := newHarness(t, testConfig())
	require.ErrorIs(t, h.ctrl.MintBacked(context.Background(), alice, fixed.Zero()), common.ErrInvalidAmount)
}

func TestRedeemRoundTripRestoresLedger(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.PreMintReserves(context.Background(), ctl, units(1), units(1)))
	before := h.ctrl.ledger.Snapshot()

	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))
	require.NoError(t, h.ctrl.Burn(context.Background(), alice, units(100)))

	require.Equal(t, before, h.ctrl.ledger.Snapshot())
	acct, err := h.ctrl.GetAccount(alice)
	require.NoError(t, err)
	require.True(t, acct.Balance.IsZero())
	require.True(t, acct.ReserveA.IsZero(), "reserves stay in the vault by default")

	redeemed := h.recorder.Events()[2].(events.IssuanceRedeemed)
	require.Equal(t, "0.000666666666666666", redeemed.QtyA.String())
	require.False(t, redeemed.Delivered)
}

func TestRedeemBurnsReservesMintedOnDemand(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	require.NoError(t, h.ctrl.MintBacked(ctx, alice, units(100)))
	supply := h.ctrl.GetSupply()
	require.Equal(t, "0.000666666666666666", supply.AssetA.String())
	require.Equal(t, "0.03", supply.AssetB.String())

	require.NoError(t, h.ctrl.Burn(ctx, alice, units(100)))

	require.Equal(t, reserve.Snapshot{}, h.ctrl.ledger.Snapshot())
	avail, err := h.ctrl.GetAvailableReserves()
	require.NoError(t, err)
	require.True(t, avail.A.IsZero())
	require.True(t, avail.B.IsZero())
	supply = h.ctrl.GetSupply()
	require.True(t, supply.AssetA.IsZero())
	require.True(t, supply.AssetB.IsZero())

	redeemed := h.recorder.Events()[1].(events.IssuanceRedeemed)
	require.Equal(t, "0.000666666666666666", redeemed.BurnedA.String())
	require.Equal(t, "0.03", redeemed.BurnedB.String())
}

func TestRedeemKeepsPreMintedStock(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.ctrl.PreMintReserves(ctx, ctl, fixed.MustParse("0.0005"), units(1)))

	// A is short by 0.000166666666666666 and minted on demand, B is covered
	require.NoError(t, h.ctrl.MintBacked(ctx, alice, units(100)))
	require.NoError(t, h.ctrl.Burn(ctx, alice, units(100)))

	snap := h.ctrl.ledger.Snapshot()
	require.Equal(t, "0.0005", snap.PreMintedA.String())
	require.Equal(t, "1", snap.PreMintedB.String())
	require.True(t, snap.OnDemandA.IsZero())
	require.True(t, snap.AllocatedA.IsZero())
	require.Equal(t, "0.0005", h.ctrl.GetSupply().AssetA.String())
}

func TestRedeemDeliversReservesWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.DeliverReserves = true
	h := newHarness(t, cfg)
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))
	require.NoError(t, h.ctrl.Burn(context.Background(), alice, units(50)))

	acct, err := h.ctrl.GetAccount(alice)
	require.NoError(t, err)
	require.Equal(t, "50", acct.Balance.String())
	require.Equal(t, "0.000333333333333333", acct.ReserveA.String())
	require.Equal(t, "0.015", acct.ReserveB.String())

	info := h.ctrl.GetReserveInfo()
	require.Equal(t, "0.000333333333333333", info.AllocatedA.String())
	require.Equal(t, "0.015", info.AllocatedB.String())
	avail, err := h.ctrl.GetAvailableReserves()
	require.NoError(t, err)
	require.True(t, avail.A.IsZero())
	require.True(t, avail.B.IsZero())
	require.Equal(t, "0.000666666666666666", h.ctrl.GetSupply().AssetA.String(), "delivery moves, never burns, reserves")
}

func TestRedeemUsesCurrentPrices(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))

	h.setPrices(t, "30000.00000000", "2000.00000000")
	err := h.ctrl.Burn(context.Background(), alice, units(100))
	require.ErrorIs(t, err, common.ErrInsufficientReserve)
	require.Equal(t, "100", h.ctrl.GetReserveInfo().TotalIssued.String())

	h.setPrices(t, "120000.00000000", "4000.00000000")
	require.NoError(t, h.ctrl.Burn(context.Background(), alice, units(100)))
	info := h.ctrl.GetReserveInfo()
	require.Equal(t, "0.000333333333333333", info.AllocatedA.String())
	require.Equal(t, "0.015", info.AllocatedB.String())
	require.True(t, info.TotalIssued.IsZero())
}

func TestBurnLimits(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(10)))
	require.ErrorIs(t, h.ctrl.Burn(context.Background(), alice, units(11)), common.ErrInsufficientBalance)
	require.ErrorIs(t, h.ctrl.Burn(context.Background(), bob, units(1)), common.ErrInsufficientBalance)

	delete(h.approved, alice)
	require.ErrorIs(t, h.ctrl.Burn(context.Background(), alice, units(1)), common.ErrKycNotApproved)
}

func TestCurrentValue(t *testing.T) {
	h := newHarness(t, testConfig())
	value, err := h.ctrl.GetCurrentValue()
	require.NoError(t, err)
	require.True(t, value.IsZero())

	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))
	value, err = h.ctrl.GetCurrentValue()
	require.NoError(t, err)
	require.Equal(t, "0.9999999999999996", value.String())

	h.setPrices(t, "120000.00000000", "4000.00000000")
	value, err = h.ctrl.GetCurrentValue()
	require.NoError(t, err)
	require.Equal(t, "1.9999999999999992", value.String())
}

func signPair(t *testing.T, h *harness, action emergency.Action, nonce uint64) emergency.ActionState {
	t.Helper()
	_, err := h.ctrl.SignEmergencyAction(context.Background(), action, nonce, "s1")
	require.NoError(t, err)
	state, err := h.ctrl.SignEmergencyAction(context.Background(), action, nonce, "s2")
	require.NoError(t, err)
	require.Equal(t, emergency.StatusExecuted, state.Status)
	return state
}

func TestPauseQuorumAndReplay(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(10)))

	state, err := h.ctrl.SignEmergencyAction(context.Background(), emergency.Pause{}, 1, "s1")
	require.NoError(t, err)
	require.Equal(t, emergency.StatusProposed, state.Status)
	_, err = h.ctrl.SignEmergencyAction(context.Background(), emergency.Pause{}, 1, "s1")
	require.ErrorIs(t, err, common.ErrDuplicateSigner)
	require.False(t, h.ctrl.GetEmergencyState().Paused)

	state, err = h.ctrl.SignEmergencyAction(context.Background(), emergency.Pause{}, 1, "s2")
	require.NoError(t, err)
	require.Equal(t, emergency.StatusExecuted, state.Status)
	require.True(t, h.ctrl.GetEmergencyState().Paused)

	_, err = h.ctrl.SignEmergencyAction(context.Background(), emergency.Pause{}, 1, "s3")
	require.ErrorIs(t, err, common.ErrInvalidNonce)

	require.ErrorIs(t, h.ctrl.MintBacked(context.Background(), alice, units(1)), common.ErrSystemPaused)
	require.ErrorIs(t, h.ctrl.Burn(context.Background(), alice, units(1)), common.ErrSystemPaused)
	require.ErrorIs(t, h.ctrl.Transfer(context.Background(), alice, bob, units(1)), common.ErrSystemPaused)
	require.NoError(t, h.ctrl.PreMintReserves(context.Background(), ctl, units(1), units(1)))

	signPair(t, h, emergency.Unpause{}, 2)
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(1)))

	require.Contains(t, h.recorder.Types(), events.TypeSystemPaused)
	require.Contains(t, h.recorder.Types(), events.TypeSystemUnpaused)
	require.Contains(t, h.recorder.Types(), events.TypeEmergencyExecuted)
}

func TestFreezeBlocksOnlyMinting(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(10)))
	signPair(t, h, emergency.FreezeMinting{}, 5)

	require.ErrorIs(t, h.ctrl.MintBacked(context.Background(), alice, units(1)), common.ErrMintingFrozen)
	require.NoError(t, h.ctrl.Burn(context.Background(), alice, units(1)))
	require.NoError(t, h.ctrl.Transfer(context.Background(), alice, bob, units(1)))

	signPair(t, h, emergency.UnfreezeMinting{}, 6)
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(1)))
}

func TestForcedBurnLeavesReserves(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(100)))
	signPair(t, h, emergency.Pause{}, 1)
	delete(h.approved, alice)
	reserves := h.ctrl.GetReserveInfo()

	burn := emergency.ForcedBurn{Target: alice, Amount: units(40)}
	signPair(t, h, burn, 2)

	info := h.ctrl.GetReserveInfo()
	require.Equal(t, "60", info.TotalIssued.String())
	require.Equal(t, reserves.AllocatedA, info.AllocatedA)
	require.Equal(t, reserves.AllocatedB, info.AllocatedB)
	acct, err := h.ctrl.GetAccount(alice)
	require.NoError(t, err)
	require.Equal(t, "60", acct.Balance.String())
	require.Contains(t, h.recorder.Types(), events.TypeForcedBurn)
}

func TestForcedBurnFailureKeepsProposal(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(10)))
	burn := emergency.ForcedBurn{Target: alice, Amount: units(20)}
	_, err := h.ctrl.SignEmergencyAction(context.Background(), burn, 3, "s1")
	require.NoError(t, err)
	_, err = h.ctrl.SignEmergencyAction(context.Background(), burn, 3, "s2")
	require.ErrorIs(t, err, common.ErrInsufficientBalance)

	state := h.ctrl.GetEmergencyState()
	require.Len(t, state.Pending, 1)
	require.Equal(t, []string{"s1"}, state.Pending[0].Signers)
	require.NotContains(t, state.Consumed, uint64(3))
	require.Equal(t, "10", h.ctrl.GetReserveInfo().TotalIssued.String())
}

func TestSignWithRecoveredSignature(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.ctrl.SignEmergencyActionWithSignature(context.Background(), emergency.Pause{}, 1, make([]byte, 65))
	require.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestExpireEmergencyActions(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.ctrl.SignEmergencyAction(context.Background(), emergency.Pause{}, 9, "s1")
	require.NoError(t, err)
	h.now = h.now.Add(2 * time.Hour)
	expired, err := h.ctrl.ExpireEmergencyActions(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	_, err = h.ctrl.SignEmergencyAction(context.Background(), emergency.Pause{}, 9, "s2")
	require.ErrorIs(t, err, common.ErrInvalidNonce)
}

func TestTransferHookReentrancyRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(10)))

	var reentry error
	require.NoError(t, h.ctrl.OnTransfer(func(ctx context.Context, from, to string, amount fixed.Amount) error {
		reentry = h.ctrl.MintBacked(ctx, to, units(1000))
		return nil
	}))
	require.NoError(t, h.ctrl.Transfer(context.Background(), alice, bob, units(4)))
	require.ErrorIs(t, reentry, common.ErrReentrantCall)

	acct, err := h.ctrl.GetAccount(bob)
	require.NoError(t, err)
	require.Equal(t, "4", acct.Balance.String())
	require.Equal(t, "10", h.ctrl.GetReserveInfo().TotalIssued.String())
}

func TestTransferHookDetachedContextRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(10)))

	var (
		mintErr, burnErr, preMintErr, signErr, quoteErr error
		issued                                          string
	)
	require.NoError(t, h.ctrl.OnTransfer(func(_ context.Context, from, to string, amount fixed.Amount) error {
		ctx := context.Background()
		mintErr = h.ctrl.MintBacked(ctx, to, units(1000))
		burnErr = h.ctrl.Burn(ctx, from, units(1))
		preMintErr = h.ctrl.PreMintReserves(ctx, ctl, units(1), units(1))
		_, signErr = h.ctrl.SignEmergencyAction(ctx, emergency.Pause{}, 1, "s1")
		_, quoteErr = h.ctrl.Quote(units(1))
		issued = h.ctrl.GetReserveInfo().TotalIssued.String()
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Transfer(context.Background(), alice, bob, units(4)) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not return while its hook re-entered the controller")
	}

	for _, err := range []error{mintErr, burnErr, preMintErr, signErr, quoteErr} {
		require.ErrorIs(t, err, common.ErrReentrantCall)
	}
	require.Equal(t, "10", issued, "committed reads stay available inside hooks")
	require.False(t, h.ctrl.GetEmergencyState().Paused)
	require.Equal(t, "10", h.ctrl.GetReserveInfo().TotalIssued.String())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(1)), "controller stays usable afterwards")
}

func TestAccountsAreCanonicalised(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	holder := key.PubKey().Address().String()
	upper := strings.ToUpper(holder)

	allow, err := kyc.NewAllowlist(kyc.Config{Approved: []string{holder}})
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Emergency.Required = 2
	feed := oracle.NewFeed(feeder)
	now := time.Unix(1_700_000_000, 0)
	guard := oracle.NewGuard(feed, time.Minute)
	guard.SetClock(func() time.Time { return now })
	ctrl, err := New(cfg, guard, allow, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, feed.UpdateDecimal(feeder, "WBTC", "60000.00000000", 8, now))
	require.NoError(t, feed.UpdateDecimal(feeder, "WETH", "2000.00000000", 8, now))
	ctx := context.Background()

	require.NoError(t, ctrl.MintBacked(ctx, " "+upper+" ", units(100)))
	acct, err := ctrl.GetAccount(holder)
	require.NoError(t, err)
	require.Equal(t, "100", acct.Balance.String())
	acct, err = ctrl.GetAccount(upper)
	require.NoError(t, err)
	require.Equal(t, holder, acct.Account)

	require.NoError(t, ctrl.Burn(ctx, holder, units(40)))

	action, err := emergency.NewAction(emergency.KindForcedBurn, upper, units(60))
	require.NoError(t, err)
	_, err = ctrl.SignEmergencyAction(ctx, action, 1, "s1")
	require.NoError(t, err)
	state, err := ctrl.SignEmergencyAction(ctx, action, 1, "s2")
	require.NoError(t, err)
	require.Equal(t, emergency.StatusExecuted, state.Status)

	acct, err = ctrl.GetAccount(holder)
	require.NoError(t, err)
	require.True(t, acct.Balance.IsZero(), "forced burn reaches funds minted under any casing")
	require.True(t, ctrl.GetReserveInfo().TotalIssued.IsZero())
}

func TestTransferHookErrorRollsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.ctrl.MintBacked(context.Background(), alice, units(10)))
	refused := errors.New("compliance hold")
	require.NoError(t, h.ctrl.OnTransfer(func(context.Context, string, string, fixed.Amount) error { return refused }))

	require.ErrorIs(t, h.ctrl.Transfer(context.Background(), alice, bob, units(4)), refused)
	acct, err := h.ctrl.GetAccount(alice)
	require.NoError(t, err)
	require.Equal(t, "10", acct.Balance.String())
}

func TestInvariantViolationHaltsController(t *testing.T) {
	h := newHarness(t, testConfig())
	require.ErrorIs(t, h.ctrl.ledger.Restore(reserve.Snapshot{AllocatedA: units(1)}), common.ErrInvariantViolation)

	_, err := h.ctrl.GetAvailableReserves()
	require.ErrorIs(t, err, common.ErrInvariantViolation)
	require.False(t, common.IsRecoverable(err))
	require.Error(t, h.ctrl.Halted())

	err = h.ctrl.PreMintReserves(context.Background(), ctl, units(5), units(5))
	require.ErrorIs(t, err, common.ErrInvariantViolation)
	require.ErrorIs(t, h.ctrl.MintBacked(context.Background(), alice, units(1)), common.ErrInvariantViolation)
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.DeliverReserves = true
	h := newHarness(t, cfg, WithStore(db))
	ctx := context.Background()
	require.NoError(t, h.ctrl.PreMintReserves(ctx, ctl, units(1), units(1)))
	require.NoError(t, h.ctrl.MintBacked(ctx, alice, units(100)))
	require.NoError(t, h.ctrl.Transfer(ctx, alice, bob, units(30)))
	require.NoError(t, h.ctrl.Burn(ctx, bob, units(10)))
	signPair(t, h, emergency.FreezeMinting{}, 4)
	_, err = h.ctrl.SignEmergencyAction(ctx, emergency.ForcedBurn{Target: alice, Amount: units(5)}, 8, "s3")
	require.NoError(t, err)

	wantLedger := h.ctrl.ledger.Snapshot()
	wantSupply := h.ctrl.GetSupply()
	wantBob, err := h.ctrl.GetAccount(bob)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	restored := newHarness(t, cfg, WithStore(db))

	require.Equal(t, wantLedger, restored.ctrl.ledger.Snapshot())
	require.Equal(t, wantSupply, restored.ctrl.GetSupply())
	gotBob, err := restored.ctrl.GetAccount(bob)
	require.NoError(t, err)
	require.Equal(t, wantBob, gotBob)

	state := restored.ctrl.GetEmergencyState()
	require.True(t, state.MintingFrozen)
	require.Contains(t, state.Consumed, uint64(4))
	require.Len(t, state.Pending, 1)

	_, err = restored.ctrl.SignEmergencyAction(ctx, emergency.FreezeMinting{}, 4, "s3")
	require.ErrorIs(t, err, common.ErrInvalidNonce)
	done, err := restored.ctrl.SignEmergencyAction(ctx, emergency.ForcedBurn{Target: alice, Amount: units(5)}, 8, "s1")
	require.NoError(t, err)
	require.Equal(t, emergency.StatusExecuted, done.Status)
}

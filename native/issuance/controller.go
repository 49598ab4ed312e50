package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"icreserve/core/events"
	"icreserve/native/common"
	"icreserve/native/currency"
	"icreserve/native/emergency"
	"icreserve/native/fixed"
	"icreserve/native/kyc"
	"icreserve/native/oracle"
	"icreserve/native/reserve"
	"icreserve/observability"
	"icreserve/storage"
)

const (
	// BasisPoints is the denominator of the reserve ratio.
	BasisPoints = 10_000

	defaultController = "issuance-controller"
	defaultVault      = "icvault"
)

// Config fixes the identities, assets and reserve ratio of a controller.
type Config struct {
	// Controller is the identity the minters and the currency accept for
	// supply changes.
	Controller string
	// Vault holds reserve stock on the minters' books.
	Vault     string
	Currency  string
	AssetA    string
	AssetB    string
	RatioABps uint64
	RatioBBps uint64
	// DeliverReserves transfers the redeemed reserve share from the vault to
	// the redeemer. When false the share returns to available stock.
	DeliverReserves bool
	Emergency       emergency.Config
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.Controller) == "" {
		cfg.Controller = defaultController
	}
	if strings.TrimSpace(cfg.Vault) == "" {
		cfg.Vault = defaultVault
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "IC"
	}
	cfg.AssetA = strings.ToUpper(strings.TrimSpace(cfg.AssetA))
	cfg.AssetB = strings.ToUpper(strings.TrimSpace(cfg.AssetB))
}

func (cfg Config) validate() error {
	if cfg.AssetA == "" || cfg.AssetB == "" {
		return fmt.Errorf("issuance: both reserve assets required")
	}
	if cfg.AssetA == cfg.AssetB {
		return fmt.Errorf("issuance: reserve assets must differ")
	}
	if cfg.RatioABps+cfg.RatioBBps != BasisPoints {
		return fmt.Errorf("issuance: reserve ratio %d+%d bps must equal %d", cfg.RatioABps, cfg.RatioBBps, BasisPoints)
	}
	if cfg.Vault == cfg.Controller {
		return fmt.Errorf("issuance: vault and controller identities must differ")
	}
	return nil
}

// Option customises a controller.
type Option func(*Controller)

// WithEmitter routes events to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Controller) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// WithStore persists every committed operation to db and restores state from
// it on construction.
func WithStore(db storage.Database) Option {
	return func(c *Controller) { c.store = db }
}

// WithClock overrides the clock used for emergency action expiry.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records operation metrics into m.
func WithMetrics(m *observability.IssuanceMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller owns the reserve ledger, both reserve minters, the issued
// currency and the emergency control. Every mutating entry point runs under a
// single lock and either applies completely or not at all.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	prices oracle.Source
	kyc    kyc.Gate

	journal common.Journal
	ledger  *reserve.Ledger
	minterA *reserve.Minter
	minterB *reserve.Minter
	token   *currency.Token
	control *emergency.Control

	store     storage.Database
	persisted persistedKeys

	// hookDepth is non-zero while transfer hooks run on the goroutine that
	// holds mu. Entry points refuse to wait on mu while it is set.
	hookDepth atomic.Int32
	halted    atomic.Pointer[haltReason]
	view      atomic.Pointer[committedView]

	emitter events.Emitter
	metrics *observability.IssuanceMetrics
	tracer  trace.Tracer
	logger  *slog.Logger
	clock   func() time.Time
}

// New wires a controller. prices must already enforce freshness; gate is
// consulted on every call.
func New(cfg Config, prices oracle.Source, gate kyc.Gate, opts ...Option) (*Controller, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if prices == nil {
		return nil, fmt.Errorf("issuance: price source required")
	}
	if gate == nil {
		return nil, fmt.Errorf("issuance: kyc gate required")
	}
	c := &Controller{
		cfg:     cfg,
		prices:  prices,
		kyc:     gate,
		emitter: events.NoopEmitter{},
		tracer:  otel.Tracer("icreserve/issuance"),
		logger:  slog.Default(),
		clock:   time.Now,
	}
	control, err := emergency.NewControl(cfg.Emergency, &c.journal)
	if err != nil {
		return nil, err
	}
	c.control = control
	c.ledger = reserve.NewLedger(&c.journal)
	c.minterA = reserve.NewMinter(cfg.AssetA, cfg.Controller, &c.journal)
	c.minterB = reserve.NewMinter(cfg.AssetB, cfg.Controller, &c.journal)
	c.token = currency.NewToken(cfg.Currency, cfg.Controller, gate, control, &c.journal)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.store != nil {
		if err := c.load(); err != nil {
			return nil, err
		}
	}
	c.publish()
	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// OnTransfer registers a currency transfer hook. Hooks run inside the
// transfer operation. While any hook runs, every controller entry point that
// would need the operation lock fails with common.ErrReentrantCall, whatever
// context it is called with; GetReserveInfo, GetSupply, GetEmergencyState and
// Halted read the last committed state and stay available.
func (c *Controller) OnTransfer(hook currency.TransferHook) error {
	if hook == nil {
		return nil
	}
	if err := c.lock(context.Background(), "on_transfer"); err != nil {
		return err
	}
	defer c.mu.Unlock()
	c.token.OnTransfer(func(ctx context.Context, from, to string, amount fixed.Amount) error {
		c.hookDepth.Add(1)
		defer c.hookDepth.Add(-1)
		return hook(ctx, from, to, amount)
	})
	return nil
}

type haltReason struct{ err error }

// Halted returns the invariant violation that stopped the controller, if any.
func (c *Controller) Halted() error {
	if r := c.halted.Load(); r != nil {
		return r.err
	}
	return nil
}

// halt latches the first invariant violation.
func (c *Controller) halt(op string, err error) {
	if !c.halted.CompareAndSwap(nil, &haltReason{err: err}) {
		return
	}
	c.metrics.SetHalted(true)
	c.logger.Error("issuance controller halted", "operation", op, "error", err)
}

type operationKey struct{}

func inOperation(ctx context.Context) bool {
	return ctx != nil && ctx.Value(operationKey{}) != nil
}

// lock takes the operation lock unless the caller is running inside an
// operation, either through its context or because transfer hooks are
// executing. Waiting in that case would deadlock on mu.
func (c *Controller) lock(ctx context.Context, op string) error {
	if inOperation(ctx) || c.hookDepth.Load() > 0 {
		return fmt.Errorf("issuance: %s: %w", op, common.ErrReentrantCall)
	}
	c.mu.Lock()
	return nil
}

// txn collects what an operation touched so it can be persisted and
// announced once it commits.
type txn struct {
	ctx      context.Context
	accounts map[string]struct{}
	holdersA map[string]struct{}
	holdersB map[string]struct{}
	events   []events.Event
}

func (tx *txn) touchAccount(account string) { tx.accounts[account] = struct{}{} }

func (tx *txn) touchReserve(side reserve.Side, holder string) {
	if side == reserve.SideA {
		tx.holdersA[holder] = struct{}{}
	} else {
		tx.holdersB[holder] = struct{}{}
	}
}

func (tx *txn) emit(e events.Event) { tx.events = append(tx.events, e) }

// mutate runs fn as one atomic operation. On error every change recorded in
// the journal is reverted; an invariant violation additionally halts the
// controller.
func (c *Controller) mutate(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(tx *txn) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "issuance."+op, trace.WithAttributes(attrs...))
	defer span.End()

	if err := c.lock(ctx, op); err != nil {
		c.metrics.Observe(op, time.Since(start), errorReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	tx := &txn{
		ctx:      context.WithValue(ctx, operationKey{}, op),
		accounts: make(map[string]struct{}),
		holdersA: make(map[string]struct{}),
		holdersB: make(map[string]struct{}),
	}
	err := c.apply(op, tx, fn)
	c.mu.Unlock()

	c.metrics.Observe(op, time.Since(start), errorReason(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	for _, e := range tx.events {
		c.emitter.Emit(e)
	}
	span.SetStatus(codes.Ok, op+" committed")
	return nil
}

func (c *Controller) apply(op string, tx *txn, fn func(tx *txn) error) error {
	if halted := c.Halted(); halted != nil {
		return fmt.Errorf("issuance: %s refused, controller halted: %w", op, halted)
	}
	err := fn(tx)
	if err == nil {
		err = c.checkInvariants()
	}
	if err == nil {
		err = c.persist(tx)
	}
	if err != nil {
		c.journal.Revert()
		if errors.Is(err, common.ErrInvariantViolation) {
			c.halt(op, err)
		}
		return err
	}
	c.journal.Commit()
	c.publish()
	return nil
}

// committedView is the state as of the last commit. Readers load it without
// taking the operation lock.
type committedView struct {
	info      reserve.Info
	supply    Supply
	emergency EmergencyState
}

// publish refreshes the committed view and the gauges. Callers hold mu or
// are still constructing the controller.
func (c *Controller) publish() {
	c.view.Store(&committedView{
		info:   c.ledger.Info(),
		supply: Supply{Currency: c.token.TotalSupply(), AssetA: c.minterA.TotalSupply(), AssetB: c.minterB.TotalSupply()},
		emergency: EmergencyState{
			Paused:        c.control.Paused(),
			MintingFrozen: c.control.MintingFrozen(),
			Required:      c.control.Required(),
			Signers:       c.control.Signers(),
			Pending:       c.control.Pending(),
			Consumed:      c.control.Consumed(),
		},
	})
	c.publishGauges()
}

// checkInvariants verifies the cross-component invariants after every
// mutation: stock covers allocations, the vault's minter balances equal the
// recorded stock and the currency supply equals total issuance.
func (c *Controller) checkInvariants() error {
	if err := c.ledger.CheckInvariant(); err != nil {
		return err
	}
	snap := c.ledger.Snapshot()
	if c.minterA.BalanceOf(c.cfg.Vault).Cmp(snap.PreMintedA) != 0 {
		return fmt.Errorf("issuance: vault %s balance %s differs from stock %s: %w",
			c.cfg.AssetA, c.minterA.BalanceOf(c.cfg.Vault), snap.PreMintedA, common.ErrInvariantViolation)
	}
	if c.minterB.BalanceOf(c.cfg.Vault).Cmp(snap.PreMintedB) != 0 {
		return fmt.Errorf("issuance: vault %s balance %s differs from stock %s: %w",
			c.cfg.AssetB, c.minterB.BalanceOf(c.cfg.Vault), snap.PreMintedB, common.ErrInvariantViolation)
	}
	if c.token.TotalSupply().Cmp(snap.TotalIssued) != 0 {
		return fmt.Errorf("issuance: currency supply %s differs from total issued %s: %w",
			c.token.TotalSupply(), snap.TotalIssued, common.ErrInvariantViolation)
	}
	return nil
}

func (c *Controller) publishGauges() {
	if c.metrics == nil {
		return
	}
	snap := c.ledger.Snapshot()
	c.metrics.RecordReserves(c.cfg.AssetA, snap.AllocatedA.Big(), snap.PreMintedA.Big(), fixed.Decimals)
	c.metrics.RecordReserves(c.cfg.AssetB, snap.AllocatedB.Big(), snap.PreMintedB.Big(), fixed.Decimals)
	c.metrics.RecordIssued(snap.TotalIssued.Big(), fixed.Decimals)
	c.metrics.SetGates(c.control.Paused(), c.control.MintingFrozen())
}

var reasonKinds = []struct {
	err    error
	reason string
}{
	{common.ErrOracleStale, "oracle_stale"},
	{common.ErrOracleZeroPrice, "oracle_zero_price"},
	{common.ErrInsufficientReserve, "insufficient_reserve"},
	{common.ErrUnauthorized, "unauthorized"},
	{common.ErrKycNotApproved, "kyc_not_approved"},
	{common.ErrSystemPaused, "system_paused"},
	{common.ErrMintingFrozen, "minting_frozen"},
	{common.ErrInvalidNonce, "invalid_nonce"},
	{common.ErrDuplicateSigner, "duplicate_signer"},
	{common.ErrAmountOverflow, "amount_overflow"},
	{common.ErrInvariantViolation, "invariant_violation"},
	{common.ErrInsufficientBalance, "insufficient_balance"},
	{common.ErrInvalidAmount, "invalid_amount"},
	{common.ErrReentrantCall, "reentrant_call"},
	{common.ErrConflictingAction, "conflicting_action"},
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	for _, kind := range reasonKinds {
		if errors.Is(err, kind.err) {
			return kind.reason
		}
	}
	return "other"
}

package issuance

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"icreserve/core/events"
	"icreserve/crypto"
	"icreserve/native/common"
	"icreserve/native/fixed"
	"icreserve/native/oracle"
	"icreserve/native/reserve"
)

// Quote is the reserve requirement for an amount of currency at the prices
// read at the start of an operation.
type Quote struct {
	Amount fixed.Amount
	ValueA fixed.Amount
	ValueB fixed.Amount
	QtyA   fixed.Amount
	QtyB   fixed.Amount
	PriceA oracle.PricePoint
	PriceB oracle.PricePoint
}

// quote splits q by the reserve ratio and converts each value leg into an
// asset quantity rounded down. Mint and redeem share this computation so an
// immediate round trip at unchanged prices moves identical quantities.
func (c *Controller) quote(q fixed.Amount) (Quote, error) {
	if q.IsZero() {
		return Quote{}, fmt.Errorf("issuance: amount must be positive: %w", common.ErrInvalidAmount)
	}
	priceA, err := c.readPrice(c.cfg.AssetA)
	if err != nil {
		return Quote{}, err
	}
	priceB, err := c.readPrice(c.cfg.AssetB)
	if err != nil {
		return Quote{}, err
	}
	valueA, err := q.MulBps(c.cfg.RatioABps)
	if err != nil {
		return Quote{}, overflow("value A", err)
	}
	valueB, err := q.MulBps(c.cfg.RatioBBps)
	if err != nil {
		return Quote{}, overflow("value B", err)
	}
	qtyA, err := priceA.Price.Quantity(valueA)
	if err != nil {
		return Quote{}, overflow("quantity A", err)
	}
	qtyB, err := priceB.Price.Quantity(valueB)
	if err != nil {
		return Quote{}, overflow("quantity B", err)
	}
	return Quote{Amount: q, ValueA: valueA, ValueB: valueB, QtyA: qtyA, QtyB: qtyB, PriceA: priceA, PriceB: priceB}, nil
}

func (c *Controller) readPrice(asset string) (oracle.PricePoint, error) {
	point, err := c.prices.GetPrice(asset)
	if err != nil {
		return oracle.PricePoint{}, fmt.Errorf("issuance: price %s: %w", asset, err)
	}
	if point.Price.IsZero() {
		return oracle.PricePoint{}, fmt.Errorf("issuance: price %s: %w", asset, common.ErrOracleZeroPrice)
	}
	return point, nil
}

func overflow(what string, err error) error {
	return fmt.Errorf("issuance: %s: %v: %w", what, err, common.ErrAmountOverflow)
}

// Quote returns the reserve quantities a mint or redemption of q would move
// at current prices without changing state.
func (c *Controller) Quote(q fixed.Amount) (Quote, error) {
	if err := c.lock(context.Background(), "quote"); err != nil {
		return Quote{}, err
	}
	defer c.mu.Unlock()
	return c.quote(q)
}

// MintBacked issues q units of currency to account against freshly allocated
// reserves. Allocation draws on available pre-minted stock first and mints
// only the shortfall into the vault.
func (c *Controller) MintBacked(ctx context.Context, account string, q fixed.Amount) error {
	account = crypto.NormalizeAccount(account)
	attrs := []attribute.KeyValue{attribute.String("account", account), attribute.String("amount", q.String())}
	return c.mutate(ctx, "mint", attrs, func(tx *txn) error {
		if err := common.MintGuard(c.control); err != nil {
			return fmt.Errorf("issuance: mint: %w", err)
		}
		if !c.kyc.IsApproved(account) {
			return fmt.Errorf("issuance: mint to %s: %w", account, common.ErrKycNotApproved)
		}
		qt, err := c.quote(q)
		if err != nil {
			return err
		}
		newA, err := c.allocate(tx, reserve.SideA, qt.QtyA)
		if err != nil {
			return err
		}
		newB, err := c.allocate(tx, reserve.SideB, qt.QtyB)
		if err != nil {
			return err
		}
		if err := c.checkBacking(qt); err != nil {
			return err
		}
		if err := c.token.Mint(c.cfg.Controller, account, q); err != nil {
			return err
		}
		tx.touchAccount(account)
		if err := c.ledger.Issue(q); err != nil {
			return err
		}
		tx.emit(events.IssuanceMinted{
			Account:     account,
			Amount:      q,
			QtyA:        qt.QtyA,
			QtyB:        qt.QtyB,
			NewSupplyA:  newA,
			NewSupplyB:  newB,
			PriceA:      qt.PriceA.Price,
			PriceB:      qt.PriceB.Price,
			TotalIssued: c.ledger.Info().TotalIssued,
		})
		return nil
	})
}

// allocate dedicates qty of one reserve asset to backing, minting whatever
// available stock cannot cover. It returns the newly minted quantity.
func (c *Controller) allocate(tx *txn, side reserve.Side, qty fixed.Amount) (fixed.Amount, error) {
	avail, err := c.ledger.AvailableOf(side)
	if err != nil {
		return fixed.Amount{}, err
	}
	shortfall := fixed.Zero()
	if avail.Cmp(qty) < 0 {
		shortfall, err = qty.Sub(avail)
		if err != nil {
			return fixed.Amount{}, fmt.Errorf("issuance: shortfall: %w", common.ErrInvariantViolation)
		}
		if err := c.minter(side).Mint(c.cfg.Controller, c.cfg.Vault, shortfall); err != nil {
			return fixed.Amount{}, err
		}
		tx.touchReserve(side, c.cfg.Vault)
		if err := c.ledger.AddOnDemandStock(side, shortfall); err != nil {
			return fixed.Amount{}, err
		}
	}
	if err := c.ledger.Allocate(side, qty); err != nil {
		return fixed.Amount{}, err
	}
	return shortfall, nil
}

// checkBacking asserts that each allocated leg is worth at least its required
// value once the single unit lost to rounding down is added back.
func (c *Controller) checkBacking(qt Quote) error {
	legs := []struct {
		asset string
		qty   fixed.Amount
		value fixed.Amount
		price fixed.Price
	}{
		{c.cfg.AssetA, qt.QtyA, qt.ValueA, qt.PriceA.Price},
		{c.cfg.AssetB, qt.QtyB, qt.ValueB, qt.PriceB.Price},
	}
	for _, leg := range legs {
		padded, err := leg.qty.Add(fixed.FromRaw(1))
		if err != nil {
			return overflow("backing", err)
		}
		worth, err := leg.price.Value(padded)
		if err != nil {
			return overflow("backing", err)
		}
		if worth.Cmp(leg.value) < 0 {
			return fmt.Errorf("issuance: %s leg worth %s below required %s: %w", leg.asset, worth, leg.value, common.ErrInvariantViolation)
		}
	}
	return nil
}

// Burn redeems q units held by account for the proportional reserve share at
// current prices. The share is released from backing; with DeliverReserves it
// is also paid out of the vault to account. Otherwise the part of the share
// that was minted on demand is burned from the vault.
func (c *Controller) Burn(ctx context.Context, account string, q fixed.Amount) error {
	account = crypto.NormalizeAccount(account)
	attrs := []attribute.KeyValue{attribute.String("account", account), attribute.String("amount", q.String())}
	return c.mutate(ctx, "burn", attrs, func(tx *txn) error {
		if err := common.Guard(c.control); err != nil {
			return fmt.Errorf("issuance: burn: %w", err)
		}
		if !c.kyc.IsApproved(account) {
			return fmt.Errorf("issuance: burn from %s: %w", account, common.ErrKycNotApproved)
		}
		if bal := c.token.BalanceOf(account); bal.Cmp(q) < 0 {
			return fmt.Errorf("issuance: burn %s above balance %s: %w", q, bal, common.ErrInsufficientBalance)
		}
		if issued := c.ledger.Info().TotalIssued; issued.Cmp(q) < 0 {
			return fmt.Errorf("issuance: burn %s above total issued %s: %w", q, issued, common.ErrInsufficientBalance)
		}
		qt, err := c.quote(q)
		if err != nil {
			return err
		}
		burnedA, err := c.release(tx, reserve.SideA, account, qt.QtyA)
		if err != nil {
			return err
		}
		burnedB, err := c.release(tx, reserve.SideB, account, qt.QtyB)
		if err != nil {
			return err
		}
		if err := c.token.Burn(c.cfg.Controller, account, q); err != nil {
			return err
		}
		tx.touchAccount(account)
		if err := c.ledger.Retire(q); err != nil {
			return err
		}
		tx.emit(events.IssuanceRedeemed{
			Account:     account,
			Amount:      q,
			QtyA:        qt.QtyA,
			QtyB:        qt.QtyB,
			PriceA:      qt.PriceA.Price,
			PriceB:      qt.PriceB.Price,
			BurnedA:     burnedA,
			BurnedB:     burnedB,
			TotalIssued: c.ledger.Info().TotalIssued,
			Delivered:   c.cfg.DeliverReserves,
		})
		return nil
	})
}

// release frees qty of one reserve asset from backing and reports how much of
// it was burned.
func (c *Controller) release(tx *txn, side reserve.Side, account string, qty fixed.Amount) (fixed.Amount, error) {
	burned := fixed.Zero()
	if err := c.ledger.Release(side, qty); err != nil {
		return burned, err
	}
	if qty.IsZero() {
		return burned, nil
	}
	if !c.cfg.DeliverReserves {
		burned, err := c.ledger.Reclaim(side, qty)
		if err != nil || burned.IsZero() {
			return burned, err
		}
		if err := c.minter(side).Burn(c.cfg.Controller, c.cfg.Vault, burned); err != nil {
			return fixed.Zero(), err
		}
		tx.touchReserve(side, c.cfg.Vault)
		return burned, nil
	}
	if err := c.ledger.RemoveStock(side, qty); err != nil {
		return burned, err
	}
	if err := c.minter(side).Transfer(c.cfg.Controller, c.cfg.Vault, account, qty); err != nil {
		return burned, err
	}
	tx.touchReserve(side, c.cfg.Vault)
	tx.touchReserve(side, account)
	return burned, nil
}

// PreMintReserves mints reserve stock into the vault ahead of demand. It is
// restricted to the controller identity, skips KYC and ignores the pause
// gates since no currency moves.
func (c *Controller) PreMintReserves(ctx context.Context, caller string, qtyA, qtyB fixed.Amount) error {
	attrs := []attribute.KeyValue{attribute.String("qtyA", qtyA.String()), attribute.String("qtyB", qtyB.String())}
	return c.mutate(ctx, "premint", attrs, func(tx *txn) error {
		if strings.TrimSpace(caller) != c.cfg.Controller {
			return fmt.Errorf("issuance: premint caller %q: %w", caller, common.ErrUnauthorized)
		}
		if qtyA.IsZero() && qtyB.IsZero() {
			return fmt.Errorf("issuance: premint quantities must not both be zero: %w", common.ErrInvalidAmount)
		}
		for _, leg := range []struct {
			side reserve.Side
			qty  fixed.Amount
		}{{reserve.SideA, qtyA}, {reserve.SideB, qtyB}} {
			if leg.qty.IsZero() {
				continue
			}
			if err := c.minter(leg.side).Mint(c.cfg.Controller, c.cfg.Vault, leg.qty); err != nil {
				return err
			}
			tx.touchReserve(leg.side, c.cfg.Vault)
			if err := c.ledger.AddStock(leg.side, leg.qty); err != nil {
				return err
			}
		}
		avail, err := c.ledger.Available()
		if err != nil {
			return err
		}
		tx.emit(events.ReservesPreMinted{QtyA: qtyA, QtyB: qtyB, AvailableA: avail.A, AvailableB: avail.B})
		return nil
	})
}

func (c *Controller) minter(side reserve.Side) *reserve.Minter {
	if side == reserve.SideA {
		return c.minterA
	}
	return c.minterB
}

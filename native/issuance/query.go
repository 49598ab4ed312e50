package issuance

import (
	"context"
	"fmt"

	"icreserve/crypto"
	"icreserve/native/common"
	"icreserve/native/fixed"
	"icreserve/native/reserve"
)

// GetReserveInfo returns allocated reserves and total issuance as of the last
// committed operation.
func (c *Controller) GetReserveInfo() reserve.Info {
	return c.view.Load().info
}

// GetAvailableReserves returns pre-minted stock not backing issuance. A
// negative balance is reported as an invariant violation and halts the
// controller.
func (c *Controller) GetAvailableReserves() (reserve.Available, error) {
	if err := c.lock(context.Background(), "available"); err != nil {
		return reserve.Available{}, err
	}
	defer c.mu.Unlock()
	avail, err := c.ledger.Available()
	if err != nil {
		c.halt("available", err)
	}
	return avail, err
}

// GetCurrentValue returns the USD value of one unit of currency:
// (allocatedA*priceA + allocatedB*priceB) / totalIssued, rounded down. It is
// zero while nothing is issued.
func (c *Controller) GetCurrentValue() (fixed.Amount, error) {
	if err := c.lock(context.Background(), "value"); err != nil {
		return fixed.Amount{}, err
	}
	defer c.mu.Unlock()
	info := c.ledger.Info()
	if info.TotalIssued.IsZero() {
		return fixed.Zero(), nil
	}
	priceA, err := c.readPrice(c.cfg.AssetA)
	if err != nil {
		return fixed.Amount{}, err
	}
	priceB, err := c.readPrice(c.cfg.AssetB)
	if err != nil {
		return fixed.Amount{}, err
	}
	worthA, err := priceA.Price.Value(info.AllocatedA)
	if err != nil {
		return fixed.Amount{}, overflow("value A", err)
	}
	worthB, err := priceB.Price.Value(info.AllocatedB)
	if err != nil {
		return fixed.Amount{}, overflow("value B", err)
	}
	total, err := worthA.Add(worthB)
	if err != nil {
		return fixed.Amount{}, overflow("reserve value", err)
	}
	perUnit, err := total.MulDiv(fixed.FromUnits(1), info.TotalIssued)
	if err != nil {
		return fixed.Amount{}, overflow("value per unit", err)
	}
	return perUnit, nil
}

// Account is a holder's view across the currency and both reserve assets.
type Account struct {
	Account  string       `json:"account"`
	Balance  fixed.Amount `json:"balance"`
	ReserveA fixed.Amount `json:"reserveA"`
	ReserveB fixed.Amount `json:"reserveB"`
	Approved bool         `json:"kycApproved"`
}

// GetAccount returns balances held by account.
func (c *Controller) GetAccount(account string) (Account, error) {
	account = crypto.NormalizeAccount(account)
	if account == "" {
		return Account{}, fmt.Errorf("issuance: account required: %w", common.ErrInvalidAmount)
	}
	if err := c.lock(context.Background(), "account"); err != nil {
		return Account{}, err
	}
	defer c.mu.Unlock()
	return Account{
		Account:  account,
		Balance:  c.token.BalanceOf(account),
		ReserveA: c.minterA.BalanceOf(account),
		ReserveB: c.minterB.BalanceOf(account),
		Approved: c.kyc.IsApproved(account),
	}, nil
}

// Supply reports the outstanding supply of the currency and both reserve
// assets.
type Supply struct {
	Currency fixed.Amount `json:"currency"`
	AssetA   fixed.Amount `json:"assetA"`
	AssetB   fixed.Amount `json:"assetB"`
}

// GetSupply returns supplies as of the last committed operation.
func (c *Controller) GetSupply() Supply {
	return c.view.Load().supply
}

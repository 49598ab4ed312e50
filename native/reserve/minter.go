package reserve

import (
	"fmt"
	"sort"
	"strings"

	"icreserve/native/common"
	"icreserve/native/fixed"
)

// Minter issues and retires one reserve asset. Every mutation must be made by
// the controller identity the minter was built with.
type Minter struct {
	asset      string
	controller string
	journal    *common.Journal
	supply     fixed.Amount
	balances   map[string]fixed.Amount
}

// NewMinter constructs a minter for asset. Undo steps are recorded in journal
// so a failed multi-step operation can be rolled back by its owner.
func NewMinter(asset, controller string, journal *common.Journal) *Minter {
	return &Minter{
		asset:      strings.ToUpper(strings.TrimSpace(asset)),
		controller: strings.TrimSpace(controller),
		journal:    journal,
		balances:   make(map[string]fixed.Amount),
	}
}

// Asset returns the asset symbol.
func (m *Minter) Asset() string { return m.asset }

// TotalSupply returns the outstanding supply of the asset.
func (m *Minter) TotalSupply() fixed.Amount { return m.supply }

// BalanceOf returns the balance held by holder.
func (m *Minter) BalanceOf(holder string) fixed.Amount { return m.balances[holder] }

// Holders returns every holder with a non-zero balance, sorted.
func (m *Minter) Holders() []string {
	out := make([]string, 0, len(m.balances))
	for holder, bal := range m.balances {
		if !bal.IsZero() {
			out = append(out, holder)
		}
	}
	sort.Strings(out)
	return out
}

// Mint creates qty new units for holder.
func (m *Minter) Mint(caller, holder string, qty fixed.Amount) error {
	if err := m.authorise(caller); err != nil {
		return err
	}
	supply, err := m.supply.Add(qty)
	if err != nil {
		return fmt.Errorf("reserve: mint %s supply: %w", m.asset, common.ErrAmountOverflow)
	}
	balance, err := m.balances[holder].Add(qty)
	if err != nil {
		return fmt.Errorf("reserve: mint %s balance: %w", m.asset, common.ErrAmountOverflow)
	}
	m.setSupply(supply)
	m.setBalance(holder, balance)
	return nil
}

// Burn retires qty units held by holder.
func (m *Minter) Burn(caller, holder string, qty fixed.Amount) error {
	if err := m.authorise(caller); err != nil {
		return err
	}
	balance, err := m.balances[holder].Sub(qty)
	if err != nil {
		return fmt.Errorf("reserve: burn %s from %s: %w", m.asset, holder, common.ErrInsufficientBalance)
	}
	supply, err := m.supply.Sub(qty)
	if err != nil {
		return fmt.Errorf("reserve: burn %s supply: %w", m.asset, common.ErrInvariantViolation)
	}
	m.setSupply(supply)
	m.setBalance(holder, balance)
	return nil
}

// Transfer moves qty units between holders without changing supply.
func (m *Minter) Transfer(caller, from, to string, qty fixed.Amount) error {
	if err := m.authorise(caller); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	fromBal, err := m.balances[from].Sub(qty)
	if err != nil {
		return fmt.Errorf("reserve: transfer %s from %s: %w", m.asset, from, common.ErrInsufficientBalance)
	}
	toBal, err := m.balances[to].Add(qty)
	if err != nil {
		return fmt.Errorf("reserve: transfer %s to %s: %w", m.asset, to, common.ErrAmountOverflow)
	}
	m.setBalance(from, fromBal)
	m.setBalance(to, toBal)
	return nil
}

// Restore replaces the minter state with persisted values. It bypasses the
// journal and is only used while loading.
func (m *Minter) Restore(supply fixed.Amount, balances map[string]fixed.Amount) {
	m.supply = supply
	m.balances = make(map[string]fixed.Amount, len(balances))
	for holder, bal := range balances {
		m.balances[holder] = bal
	}
}

func (m *Minter) authorise(caller string) error {
	if m.controller == "" || strings.TrimSpace(caller) != m.controller {
		return fmt.Errorf("reserve: %s minter caller %q: %w", m.asset, caller, common.ErrUnauthorized)
	}
	return nil
}

func (m *Minter) setSupply(v fixed.Amount) {
	prev := m.supply
	m.journal.Record(func() { m.supply = prev })
	m.supply = v
}

func (m *Minter) setBalance(holder string, v fixed.Amount) {
	prev, existed := m.balances[holder]
	m.journal.Record(func() {
		if existed {
			m.balances[holder] = prev
		} else {
			delete(m.balances, holder)
		}
	})
	m.balances[holder] = v
}

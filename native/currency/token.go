package currency

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"icreserve/native/common"
	"icreserve/native/fixed"
	"icreserve/native/kyc"
)

// TransferHook observes a completed balance move. A hook error aborts the
// transfer; the caller owning the journal reverts it.
type TransferHook func(ctx context.Context, from, to string, amount fixed.Amount) error

// Token is the issued currency. Supply changes are restricted to the
// controller; KYC status is looked up on every call and never cached.
type Token struct {
	symbol     string
	controller string
	kyc        kyc.Gate
	pause      common.PauseView
	journal    *common.Journal

	supply   fixed.Amount
	balances map[string]fixed.Amount
	hooks    []TransferHook
}

// NewToken constructs the currency ledger.
func NewToken(symbol, controller string, gate kyc.Gate, pause common.PauseView, journal *common.Journal) *Token {
	if gate == nil {
		gate = kyc.DenyAll
	}
	return &Token{
		symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		controller: strings.TrimSpace(controller),
		kyc:        gate,
		pause:      pause,
		journal:    journal,
		balances:   make(map[string]fixed.Amount),
	}
}

// Symbol returns the currency symbol.
func (t *Token) Symbol() string { return t.symbol }

// TotalSupply returns the sum of every balance.
func (t *Token) TotalSupply() fixed.Amount { return t.supply }

// BalanceOf returns the balance held by account.
func (t *Token) BalanceOf(account string) fixed.Amount { return t.balances[account] }

// IsApproved proxies the KYC gate.
func (t *Token) IsApproved(account string) bool { return t.kyc.IsApproved(account) }

// Holders returns accounts with a non-zero balance, sorted.
func (t *Token) Holders() []string {
	out := make([]string, 0, len(t.balances))
	for account, bal := range t.balances {
		if !bal.IsZero() {
			out = append(out, account)
		}
	}
	sort.Strings(out)
	return out
}

// OnTransfer registers a hook invoked after each successful transfer.
func (t *Token) OnTransfer(hook TransferHook) {
	if hook != nil {
		t.hooks = append(t.hooks, hook)
	}
}

// Mint credits amount to account.
func (t *Token) Mint(caller, account string, amount fixed.Amount) error {
	if err := t.authorise(caller); err != nil {
		return err
	}
	if err := common.Guard(t.pause); err != nil {
		return err
	}
	if !t.kyc.IsApproved(account) {
		return fmt.Errorf("currency: mint to %s: %w", account, common.ErrKycNotApproved)
	}
	return t.credit(account, amount)
}

// Burn debits amount from account.
func (t *Token) Burn(caller, account string, amount fixed.Amount) error {
	if err := t.authorise(caller); err != nil {
		return err
	}
	if err := common.Guard(t.pause); err != nil {
		return err
	}
	if !t.kyc.IsApproved(account) {
		return fmt.Errorf("currency: burn from %s: %w", account, common.ErrKycNotApproved)
	}
	return t.debit(account, amount)
}

// ForceBurn debits amount from account regardless of KYC status or pause
// state. It is reserved for executed emergency actions.
func (t *Token) ForceBurn(caller, account string, amount fixed.Amount) error {
	if err := t.authorise(caller); err != nil {
		return err
	}
	return t.debit(account, amount)
}

// Transfer moves amount between two approved accounts and then runs the
// registered hooks with ctx.
func (t *Token) Transfer(ctx context.Context, from, to string, amount fixed.Amount) error {
	if err := common.Guard(t.pause); err != nil {
		return err
	}
	if amount.IsZero() {
		return fmt.Errorf("currency: transfer amount: %w", common.ErrInvalidAmount)
	}
	if !t.kyc.IsApproved(from) {
		return fmt.Errorf("currency: transfer sender %s: %w", from, common.ErrKycNotApproved)
	}
	if !t.kyc.IsApproved(to) {
		return fmt.Errorf("currency: transfer recipient %s: %w", to, common.ErrKycNotApproved)
	}
	if from != to {
		fromBal, err := t.balances[from].Sub(amount)
		if err != nil {
			return fmt.Errorf("currency: transfer from %s: %w", from, common.ErrInsufficientBalance)
		}
		toBal, err := t.balances[to].Add(amount)
		if err != nil {
			return fmt.Errorf("currency: transfer to %s: %w", to, common.ErrAmountOverflow)
		}
		t.setBalance(from, fromBal)
		t.setBalance(to, toBal)
	}
	for _, hook := range t.hooks {
		if err := hook(ctx, from, to, amount); err != nil {
			return fmt.Errorf("currency: transfer hook: %w", err)
		}
	}
	return nil
}

// Restore replaces balances and supply with persisted values without
// journaling.
func (t *Token) Restore(balances map[string]fixed.Amount) error {
	supply := fixed.Zero()
	restored := make(map[string]fixed.Amount, len(balances))
	for account, bal := range balances {
		next, err := supply.Add(bal)
		if err != nil {
			return fmt.Errorf("currency: restore supply: %w", common.ErrAmountOverflow)
		}
		supply = next
		restored[account] = bal
	}
	t.balances = restored
	t.supply = supply
	return nil
}

func (t *Token) credit(account string, amount fixed.Amount) error {
	supply, err := t.supply.Add(amount)
	if err != nil {
		return fmt.Errorf("currency: supply: %w", common.ErrAmountOverflow)
	}
	bal, err := t.balances[account].Add(amount)
	if err != nil {
		return fmt.Errorf("currency: balance of %s: %w", account, common.ErrAmountOverflow)
	}
	t.setSupply(supply)
	t.setBalance(account, bal)
	return nil
}

func (t *Token) debit(account string, amount fixed.Amount) error {
	bal, err := t.balances[account].Sub(amount)
	if err != nil {
		return fmt.Errorf("currency: balance of %s below %s: %w", account, amount, common.ErrInsufficientBalance)
	}
	supply, err := t.supply.Sub(amount)
	if err != nil {
		return fmt.Errorf("currency: supply below balance: %w", common.ErrInvariantViolation)
	}
	t.setSupply(supply)
	t.setBalance(account, bal)
	return nil
}

func (t *Token) authorise(caller string) error {
	if t.controller == "" || strings.TrimSpace(caller) != t.controller {
		return fmt.Errorf("currency: caller %q: %w", caller, common.ErrUnauthorized)
	}
	return nil
}

func (t *Token) setSupply(v fixed.Amount) {
	prev := t.supply
	t.journal.Record(func() { t.supply = prev })
	t.supply = v
}

func (t *Token) setBalance(account string, v fixed.Amount) {
	prev, existed := t.balances[account]
	t.journal.Record(func() {
		if existed {
			t.balances[account] = prev
		} else {
			delete(t.balances, account)
		}
	})
	t.balances[account] = v
}

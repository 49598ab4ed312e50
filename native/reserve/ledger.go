package reserve

import (
	"fmt"

	"icreserve/native/common"
	"icreserve/native/fixed"
)

// Side selects one of the two reserve assets.
type Side int

const (
	SideA Side = iota
	SideB
)

func (s Side) String() string {
	if s == SideA {
		return "A"
	}
	return "B"
}

// Info is the public view of what backs the issued currency.
type Info struct {
	AllocatedA  fixed.Amount `json:"allocatedA"`
	AllocatedB  fixed.Amount `json:"allocatedB"`
	TotalIssued fixed.Amount `json:"totalIssued"`
}

// Available is the pre-minted stock not yet backing any issuance.
type Available struct {
	A fixed.Amount `json:"availableA"`
	B fixed.Amount `json:"availableB"`
}

// Snapshot is the full ledger state, used for persistence.
type Snapshot struct {
	AllocatedA  fixed.Amount
	AllocatedB  fixed.Amount
	PreMintedA  fixed.Amount
	PreMintedB  fixed.Amount
	TotalIssued fixed.Amount
	// OnDemandA and OnDemandB are the part of preMinted that was minted to
	// cover an issuance shortfall rather than ahead of demand.
	OnDemandA fixed.Amount
	OnDemandB fixed.Amount
}

// Ledger tracks allocated and pre-minted reserve quantities and the currency
// issued against them. preMinted is the vault's total holding of each asset;
// allocated is the part of it backing issued currency. The ledger has a single
// writer and no internal locking.
type Ledger struct {
	journal *common.Journal
	state   Snapshot
}

// NewLedger returns a ledger with zero balances.
func NewLedger(journal *common.Journal) *Ledger {
	return &Ledger{journal: journal}
}

// Info returns allocated balances and total issuance.
func (l *Ledger) Info() Info {
	return Info{AllocatedA: l.state.AllocatedA, AllocatedB: l.state.AllocatedB, TotalIssued: l.state.TotalIssued}
}

// Snapshot returns a copy of the full ledger state.
func (l *Ledger) Snapshot() Snapshot { return l.state }

// Restore replaces the ledger state without journaling. The restored state is
// checked so a corrupted store cannot be loaded silently.
func (l *Ledger) Restore(s Snapshot) error {
	l.state = s
	return l.CheckInvariant()
}

// Available returns preMinted - allocated per asset. A negative intermediate
// result is reported as an invariant violation, never clamped.
func (l *Ledger) Available() (Available, error) {
	a, err := l.state.PreMintedA.Sub(l.state.AllocatedA)
	if err != nil {
		return Available{}, fmt.Errorf("reserve: available A below zero: %w", common.ErrInvariantViolation)
	}
	b, err := l.state.PreMintedB.Sub(l.state.AllocatedB)
	if err != nil {
		return Available{}, fmt.Errorf("reserve: available B below zero: %w", common.ErrInvariantViolation)
	}
	return Available{A: a, B: b}, nil
}

// CheckInvariant verifies preMinted >= allocated and preMinted >= onDemand
// for both assets.
func (l *Ledger) CheckInvariant() error {
	if _, err := l.Available(); err != nil {
		return err
	}
	if l.state.OnDemandA.Cmp(l.state.PreMintedA) > 0 || l.state.OnDemandB.Cmp(l.state.PreMintedB) > 0 {
		return fmt.Errorf("reserve: on-demand stock above vault holding: %w", common.ErrInvariantViolation)
	}
	return nil
}

// AvailableOf returns the unallocated stock of one asset.
func (l *Ledger) AvailableOf(side Side) (fixed.Amount, error) {
	avail, err := l.Available()
	if err != nil {
		return fixed.Amount{}, err
	}
	if side == SideA {
		return avail.A, nil
	}
	return avail.B, nil
}

// AddStock records qty newly minted into the vault.
func (l *Ledger) AddStock(side Side, qty fixed.Amount) error {
	field := l.preMinted(side)
	next, err := field.Add(qty)
	if err != nil {
		return fmt.Errorf("reserve: stock %s: %w", side, common.ErrAmountOverflow)
	}
	l.set(field, next)
	return nil
}

// AddOnDemandStock records qty minted into the vault to cover a shortfall.
// Redemptions burn it again through Reclaim.
func (l *Ledger) AddOnDemandStock(side Side, qty fixed.Amount) error {
	if err := l.AddStock(side, qty); err != nil {
		return err
	}
	field := l.onDemand(side)
	next, err := field.Add(qty)
	if err != nil {
		return fmt.Errorf("reserve: on-demand %s: %w", side, common.ErrAmountOverflow)
	}
	l.set(field, next)
	return nil
}

// Reclaim removes up to qty of unallocated on-demand stock from the vault and
// returns the quantity removed, which the caller burns.
func (l *Ledger) Reclaim(side Side, qty fixed.Amount) (fixed.Amount, error) {
	field := l.onDemand(side)
	take := qty
	if field.Cmp(qty) < 0 {
		take = *field
	}
	if take.IsZero() {
		return take, nil
	}
	if err := l.RemoveStock(side, take); err != nil {
		return fixed.Zero(), err
	}
	next, err := field.Sub(take)
	if err != nil {
		// RemoveStock already clamped on-demand stock below the removal
		next = fixed.Zero()
	}
	l.set(field, next)
	return take, nil
}

// RemoveStock records qty leaving the vault. Only unallocated stock may leave.
// Pre-minted stock leaves first; on-demand stock is drawn down only once the
// vault holds less than it.
func (l *Ledger) RemoveStock(side Side, qty fixed.Amount) error {
	avail, err := l.AvailableOf(side)
	if err != nil {
		return err
	}
	if avail.Cmp(qty) < 0 {
		return fmt.Errorf("reserve: remove %s stock %s above available %s: %w", side, qty, avail, common.ErrInsufficientReserve)
	}
	field := l.preMinted(side)
	next, err := field.Sub(qty)
	if err != nil {
		return fmt.Errorf("reserve: stock %s: %w", side, common.ErrInvariantViolation)
	}
	l.set(field, next)
	if od := l.onDemand(side); od.Cmp(next) > 0 {
		l.set(od, next)
	}
	return nil
}

// Allocate dedicates qty of unallocated stock to backing issuance.
func (l *Ledger) Allocate(side Side, qty fixed.Amount) error {
	avail, err := l.AvailableOf(side)
	if err != nil {
		return err
	}
	if avail.Cmp(qty) < 0 {
		return fmt.Errorf("reserve: allocate %s %s above available %s: %w", side, qty, avail, common.ErrInsufficientReserve)
	}
	field := l.allocated(side)
	next, err := field.Add(qty)
	if err != nil {
		return fmt.Errorf("reserve: allocate %s: %w", side, common.ErrAmountOverflow)
	}
	l.set(field, next)
	return nil
}

// Release returns qty of allocated reserve to unallocated stock.
func (l *Ledger) Release(side Side, qty fixed.Amount) error {
	field := l.allocated(side)
	next, err := field.Sub(qty)
	if err != nil {
		return fmt.Errorf("reserve: release %s %s above allocated %s: %w", side, qty, *field, common.ErrInsufficientReserve)
	}
	l.set(field, next)
	return nil
}

// Issue increases total issuance.
func (l *Ledger) Issue(q fixed.Amount) error {
	next, err := l.state.TotalIssued.Add(q)
	if err != nil {
		return fmt.Errorf("reserve: total issued: %w", common.ErrAmountOverflow)
	}
	l.set(&l.state.TotalIssued, next)
	return nil
}

// Retire decreases total issuance.
func (l *Ledger) Retire(q fixed.Amount) error {
	next, err := l.state.TotalIssued.Sub(q)
	if err != nil {
		return fmt.Errorf("reserve: retire %s above total issued %s: %w", q, l.state.TotalIssued, common.ErrInsufficientBalance)
	}
	l.set(&l.state.TotalIssued, next)
	return nil
}

func (l *Ledger) allocated(side Side) *fixed.Amount {
	if side == SideA {
		return &l.state.AllocatedA
	}
	return &l.state.AllocatedB
}

func (l *Ledger) preMinted(side Side) *fixed.Amount {
	if side == SideA {
		return &l.state.PreMintedA
	}
	return &l.state.PreMintedB
}

func (l *Ledger) onDemand(side Side) *fixed.Amount {
	if side == SideA {
		return &l.state.OnDemandA
	}
	return &l.state.OnDemandB
}

func (l *Ledger) set(field *fixed.Amount, v fixed.Amount) {
	prev := *field
	l.journal.Record(func() { *field = prev })
	*field = v
}

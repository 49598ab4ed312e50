package events

import (
	"strconv"
	"strings"

	"icreserve/core/types"
	"icreserve/native/fixed"
)

const (
	// TypeIssuanceMinted is emitted when currency is minted against reserves.
	TypeIssuanceMinted = "issuance.minted"
	// TypeIssuanceRedeemed is emitted when currency is burned for reserves.
	TypeIssuanceRedeemed = "issuance.redeemed"
	// TypeReservesPreMinted is emitted when reserve stock is minted ahead of demand.
	TypeReservesPreMinted = "reserves.preminted"
)

// IssuanceMinted captures a backed mint.
type IssuanceMinted struct {
	Account     string
	Amount      fixed.Amount
	QtyA        fixed.Amount
	QtyB        fixed.Amount
	NewSupplyA  fixed.Amount
	NewSupplyB  fixed.Amount
	PriceA      fixed.Price
	PriceB      fixed.Price
	TotalIssued fixed.Amount
}

func (IssuanceMinted) EventType() string { return TypeIssuanceMinted }

func (e IssuanceMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeIssuanceMinted,
		Attributes: map[string]string{
			"account":     strings.TrimSpace(e.Account),
			"amount":      e.Amount.String(),
			"qtyA":        e.QtyA.String(),
			"qtyB":        e.QtyB.String(),
			"newSupplyA":  e.NewSupplyA.String(),
			"newSupplyB":  e.NewSupplyB.String(),
			"priceA":      e.PriceA.String(),
			"priceB":      e.PriceB.String(),
			"totalIssued": e.TotalIssued.String(),
		},
	}
}

// IssuanceRedeemed captures a redemption burn.
type IssuanceRedeemed struct {
	Account     string
	Amount      fixed.Amount
	QtyA        fixed.Amount
	QtyB        fixed.Amount
	PriceA      fixed.Price
	PriceB      fixed.Price
	// BurnedA and BurnedB are the on-demand reserves burned from the vault.
	BurnedA     fixed.Amount
	BurnedB     fixed.Amount
	TotalIssued fixed.Amount
	// Delivered reports whether the reserve share left the vault.
	Delivered bool
}

func (IssuanceRedeemed) EventType() string { return TypeIssuanceRedeemed }

func (e IssuanceRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeIssuanceRedeemed,
		Attributes: map[string]string{
			"account":     strings.TrimSpace(e.Account),
			"amount":      e.Amount.String(),
			"qtyA":        e.QtyA.String(),
			"qtyB":        e.QtyB.String(),
			"priceA":      e.PriceA.String(),
			"priceB":      e.PriceB.String(),
			"burnedA":     e.BurnedA.String(),
			"burnedB":     e.BurnedB.String(),
			"totalIssued": e.TotalIssued.String(),
			"delivered":   strconv.FormatBool(e.Delivered),
		},
	}
}

// ReservesPreMinted captures reserve stock minted without issuance.
type ReservesPreMinted struct {
	QtyA       fixed.Amount
	QtyB       fixed.Amount
	AvailableA fixed.Amount
	AvailableB fixed.Amount
}

func (ReservesPreMinted) EventType() string { return TypeReservesPreMinted }

func (e ReservesPreMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeReservesPreMinted,
		Attributes: map[string]string{
			"qtyA":       e.QtyA.String(),
			"qtyB":       e.QtyB.String(),
			"availableA": e.AvailableA.String(),
			"availableB": e.AvailableB.String(),
		},
	}
}

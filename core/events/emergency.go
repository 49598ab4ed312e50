package events

import (
	"strconv"
	"strings"

	"icreserve/core/types"
	"icreserve/native/fixed"
)

const (
	TypeEmergencySigned   = "emergency.signed"
	TypeEmergencyExecuted = "emergency.executed"
	TypeSystemPaused      = "emergency.paused"
	TypeSystemUnpaused    = "emergency.unpaused"
	TypeMintingFrozen     = "emergency.minting_frozen"
	TypeMintingUnfrozen   = "emergency.minting_unfrozen"
	TypeForcedBurn        = "emergency.forced_burn"
)

// EmergencySigned is emitted for every accepted signature.
type EmergencySigned struct {
	Kind       string
	Nonce      uint64
	Signer     string
	Signatures int
	Required   int
	Status     string
}

func (EmergencySigned) EventType() string { return TypeEmergencySigned }

func (e EmergencySigned) Event() *types.Event {
	return &types.Event{
		Type: TypeEmergencySigned,
		Attributes: map[string]string{
			"kind":       e.Kind,
			"nonce":      strconv.FormatUint(e.Nonce, 10),
			"signer":     strings.TrimSpace(e.Signer),
			"signatures": strconv.Itoa(e.Signatures),
			"required":   strconv.Itoa(e.Required),
			"status":     e.Status,
		},
	}
}

// EmergencyExecuted is emitted once an action reaches quorum and applies.
type EmergencyExecuted struct {
	Kind    string
	Nonce   uint64
	Signers []string
}

func (EmergencyExecuted) EventType() string { return TypeEmergencyExecuted }

func (e EmergencyExecuted) Event() *types.Event {
	return &types.Event{
		Type: TypeEmergencyExecuted,
		Attributes: map[string]string{
			"kind":    e.Kind,
			"nonce":   strconv.FormatUint(e.Nonce, 10),
			"signers": strings.Join(e.Signers, ","),
		},
	}
}

// GateChanged reports a pause or minting-freeze toggle.
type GateChanged struct {
	Type  string
	Nonce uint64
}

func (e GateChanged) EventType() string { return e.Type }

func (e GateChanged) Event() *types.Event {
	return &types.Event{
		Type: e.Type,
		Attributes: map[string]string{
			"nonce": strconv.FormatUint(e.Nonce, 10),
		},
	}
}

// ForcedBurn reports a penalty burn. Reserves are deliberately left untouched.
type ForcedBurn struct {
	Nonce       uint64
	Target      string
	Amount      fixed.Amount
	TotalIssued fixed.Amount
}

func (ForcedBurn) EventType() string { return TypeForcedBurn }

func (e ForcedBurn) Event() *types.Event {
	return &types.Event{
		Type: TypeForcedBurn,
		Attributes: map[string]string{
			"nonce":       strconv.FormatUint(e.Nonce, 10),
			"target":      strings.TrimSpace(e.Target),
			"amount":      e.Amount.String(),
			"totalIssued": e.TotalIssued.String(),
		},
	}
}

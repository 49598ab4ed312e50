package emergency

import (
	"fmt"
	"strings"

	"icreserve/crypto"
	"icreserve/native/common"
	"icreserve/native/fixed"
)

// Kind enumerates the emergency actions the signer quorum can execute.
type Kind uint8

const (
	KindPause Kind = iota + 1
	KindUnpause
	KindFreezeMinting
	KindUnfreezeMinting
	KindForcedBurn
)

var kindNames = map[Kind]string{
	KindPause:           "pause",
	KindUnpause:         "unpause",
	KindFreezeMinting:   "freeze_minting",
	KindUnfreezeMinting: "unfreeze_minting",
	KindForcedBurn:      "forced_burn",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a kind name such as "pause" or "forced_burn".
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for kind, name := range kindNames {
		if name == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("emergency: unknown action kind %q", s)
}

// Action is one of Pause, Unpause, FreezeMinting, UnfreezeMinting or
// ForcedBurn. Only ForcedBurn carries a payload.
type Action interface {
	Kind() Kind
	validate() error
}

type Pause struct{}
type Unpause struct{}
type FreezeMinting struct{}
type UnfreezeMinting struct{}

// ForcedBurn removes Amount from Target without returning reserves.
type ForcedBurn struct {
	Target string
	Amount fixed.Amount
}

func (Pause) Kind() Kind           { return KindPause }
func (Unpause) Kind() Kind         { return KindUnpause }
func (FreezeMinting) Kind() Kind   { return KindFreezeMinting }
func (UnfreezeMinting) Kind() Kind { return KindUnfreezeMinting }
func (ForcedBurn) Kind() Kind      { return KindForcedBurn }

func (Pause) validate() error           { return nil }
func (Unpause) validate() error         { return nil }
func (FreezeMinting) validate() error   { return nil }
func (UnfreezeMinting) validate() error { return nil }

func (b ForcedBurn) validate() error {
	if strings.TrimSpace(b.Target) == "" {
		return fmt.Errorf("emergency: forced burn target required: %w", common.ErrInvalidAmount)
	}
	if b.Amount.IsZero() {
		return fmt.Errorf("emergency: forced burn amount must be positive: %w", common.ErrInvalidAmount)
	}
	return nil
}

// NewAction builds the action for kind. target and amount are only read for
// KindForcedBurn.
func NewAction(kind Kind, target string, amount fixed.Amount) (Action, error) {
	var action Action
	switch kind {
	case KindPause:
		action = Pause{}
	case KindUnpause:
		action = Unpause{}
	case KindFreezeMinting:
		action = FreezeMinting{}
	case KindUnfreezeMinting:
		action = UnfreezeMinting{}
	case KindForcedBurn:
		action = ForcedBurn{Target: crypto.NormalizeAccount(target), Amount: amount}
	default:
		return nil, fmt.Errorf("emergency: unknown action kind %d", kind)
	}
	if err := action.validate(); err != nil {
		return nil, err
	}
	return action, nil
}

// samePayload reports whether two actions of the same kind are identical.
func samePayload(a, b Action) bool {
	fa, okA := a.(ForcedBurn)
	fb, okB := b.(ForcedBurn)
	if okA != okB {
		return false
	}
	if !okA {
		return a.Kind() == b.Kind()
	}
	return crypto.NormalizeAccount(fa.Target) == crypto.NormalizeAccount(fb.Target) && fa.Amount.Cmp(fb.Amount) == 0
}

// Status is the lifecycle position of an action.
type Status uint8

const (
	StatusProposed Status = iota + 1
	StatusPartiallySigned
	StatusExecuted
	StatusExpired
	StatusSuperseded
)

func (s Status) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusPartiallySigned:
		return "partially_signed"
	case StatusExecuted:
		return "executed"
	case StatusExpired:
		return "expired"
	case StatusSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

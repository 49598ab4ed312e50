package issuance

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"icreserve/core/events"
	"icreserve/crypto"
	"icreserve/native/emergency"
)

// SignEmergencyAction applies signer's approval of action under nonce. The
// approval that completes the quorum executes the action within the same
// operation.
func (c *Controller) SignEmergencyAction(ctx context.Context, action emergency.Action, nonce uint64, signer string) (emergency.ActionState, error) {
	var state emergency.ActionState
	if action == nil {
		return state, fmt.Errorf("issuance: emergency action required")
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", action.Kind().String()),
		attribute.String("nonce", strconv.FormatUint(nonce, 10)),
		attribute.String("signer", signer),
	}
	err := c.mutate(ctx, "emergency_sign", attrs, func(tx *txn) error {
		var err error
		state, err = c.control.Sign(action, nonce, signer, c.clock(), c.executor(tx))
		if err != nil {
			return err
		}
		tx.emit(events.EmergencySigned{
			Kind:       state.Kind.String(),
			Nonce:      nonce,
			Signer:     state.Signers[len(state.Signers)-1],
			Signatures: len(state.Signers),
			Required:   state.Required,
			Status:     state.Status.String(),
		})
		if state.Status == emergency.StatusExecuted {
			tx.emit(events.EmergencyExecuted{Kind: state.Kind.String(), Nonce: nonce, Signers: state.Signers})
		}
		return nil
	})
	if err != nil {
		return emergency.ActionState{}, err
	}
	c.metrics.RecordEmergency(state.Kind.String(), state.Status.String())
	for _, dropped := range state.Superseded {
		c.metrics.RecordEmergency(dropped.Kind.String(), dropped.Status.String())
	}
	return state, nil
}

// SignEmergencyActionWithSignature recovers the signer from a secp256k1
// signature over emergency.Digest(action, nonce) and applies it.
func (c *Controller) SignEmergencyActionWithSignature(ctx context.Context, action emergency.Action, nonce uint64, sig []byte) (emergency.ActionState, error) {
	if action == nil {
		return emergency.ActionState{}, fmt.Errorf("issuance: emergency action required")
	}
	signer, err := emergency.RecoverSigner(action, nonce, sig)
	if err != nil {
		return emergency.ActionState{}, err
	}
	return c.SignEmergencyAction(ctx, action, nonce, signer)
}

// ExpireEmergencyActions retires proposals older than the configured TTL.
// Their nonces are consumed.
func (c *Controller) ExpireEmergencyActions(ctx context.Context) ([]emergency.ActionState, error) {
	var expired []emergency.ActionState
	err := c.mutate(ctx, "emergency_expire", nil, func(tx *txn) error {
		expired = c.control.Expire(c.clock())
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, st := range expired {
		c.metrics.RecordEmergency(st.Kind.String(), st.Status.String())
	}
	return expired, nil
}

// EmergencyState summarises the gates and in-flight proposals.
type EmergencyState struct {
	Paused        bool
	MintingFrozen bool
	Required      int
	Signers       []string
	Pending       []emergency.ActionState
	Consumed      map[uint64]emergency.Status
}

// GetEmergencyState returns the emergency control state as of the last
// committed operation.
func (c *Controller) GetEmergencyState() EmergencyState {
	st := c.view.Load().emergency
	st.Signers = append([]string(nil), st.Signers...)
	st.Pending = append([]emergency.ActionState(nil), st.Pending...)
	consumed := make(map[uint64]emergency.Status, len(st.Consumed))
	for nonce, status := range st.Consumed {
		consumed[nonce] = status
	}
	st.Consumed = consumed
	return st
}

// executor applies the effects of an executed action. Gates are already
// toggled by the control; a forced burn removes currency and issuance
// without touching reserves, so the remaining reserves over-collateralise
// the smaller supply.
func (c *Controller) executor(tx *txn) emergency.Executor {
	return func(action emergency.Action, nonce uint64) error {
		switch a := action.(type) {
		case emergency.Pause:
			tx.emit(events.GateChanged{Type: events.TypeSystemPaused, Nonce: nonce})
		case emergency.Unpause:
			tx.emit(events.GateChanged{Type: events.TypeSystemUnpaused, Nonce: nonce})
		case emergency.FreezeMinting:
			tx.emit(events.GateChanged{Type: events.TypeMintingFrozen, Nonce: nonce})
		case emergency.UnfreezeMinting:
			tx.emit(events.GateChanged{Type: events.TypeMintingUnfrozen, Nonce: nonce})
		case emergency.ForcedBurn:
			target := crypto.NormalizeAccount(a.Target)
			if err := c.token.ForceBurn(c.cfg.Controller, target, a.Amount); err != nil {
				return err
			}
			tx.touchAccount(target)
			if err := c.ledger.Retire(a.Amount); err != nil {
				return err
			}
			tx.emit(events.ForcedBurn{Nonce: nonce, Target: target, Amount: a.Amount, TotalIssued: c.ledger.Info().TotalIssued})
		default:
			return fmt.Errorf("issuance: unsupported emergency action %T", action)
		}
		return nil
	}
}

package emergency

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"icreserve/native/common"
)

// MinRequiredSigners is the lowest quorum the control accepts.
const MinRequiredSigners = 2

// Config describes the authorised signer set.
type Config struct {
	Signers  []string
	Required int
	// TTL bounds how long a proposal may collect signatures. Zero disables
	// expiry.
	TTL time.Duration
}

// ActionState describes an action after a signature was applied.
type ActionState struct {
	Kind       Kind
	Nonce      uint64
	Action     Action
	Signers    []string
	Required   int
	Status     Status
	ProposedAt time.Time
	// Superseded lists other proposals that shared the nonce of an executed
	// action and were retired with it.
	Superseded []ActionState
}

// Executor applies the side effects of an action once it reaches quorum. Gate
// toggles are applied by the control itself before the executor runs.
type Executor func(action Action, nonce uint64) error

type actionKey struct {
	kind  Kind
	nonce uint64
}

type pending struct {
	action     Action
	nonce      uint64
	signers    []string
	proposedAt time.Time
}

// Control is the multisig state machine gating pause, minting freeze and
// forced burns. It is not safe for concurrent use; the owner serialises
// calls and supplies the journal used to roll back a failed operation.
type Control struct {
	signers  map[string]struct{}
	required int
	ttl      time.Duration

	journal    *common.Journal
	ownJournal bool

	paused   bool
	frozen   bool
	consumed map[uint64]Status
	pending  map[actionKey]*pending
}

// NewControl validates cfg and returns a control with open gates. When
// journal is nil every Sign call commits or reverts on its own.
func NewControl(cfg Config, journal *common.Journal) (*Control, error) {
	required := cfg.Required
	if required == 0 {
		required = MinRequiredSigners
	}
	if required < MinRequiredSigners {
		return nil, fmt.Errorf("emergency: required signers %d below minimum %d", required, MinRequiredSigners)
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("emergency: ttl must not be negative")
	}
	set := make(map[string]struct{}, len(cfg.Signers))
	for _, raw := range cfg.Signers {
		id := normaliseSigner(raw)
		if id == "" {
			continue
		}
		if _, dup := set[id]; dup {
			return nil, fmt.Errorf("emergency: signer %s listed twice", id)
		}
		set[id] = struct{}{}
	}
	if len(set) < required {
		return nil, fmt.Errorf("emergency: %d signers cannot reach quorum of %d", len(set), required)
	}
	c := &Control{
		signers:  set,
		required: required,
		ttl:      cfg.TTL,
		journal:  journal,
		consumed: make(map[uint64]Status),
		pending:  make(map[actionKey]*pending),
	}
	if c.journal == nil {
		c.journal = &common.Journal{}
		c.ownJournal = true
	}
	return c, nil
}

// Paused implements common.PauseView.
func (c *Control) Paused() bool { return c.paused }

// MintingFrozen implements common.PauseView.
func (c *Control) MintingFrozen() bool { return c.frozen }

// Required returns the quorum size.
func (c *Control) Required() int { return c.required }

// IsSigner reports whether id belongs to the authorised set.
func (c *Control) IsSigner(id string) bool {
	_, ok := c.signers[normaliseSigner(id)]
	return ok
}

// Signers returns the authorised set, sorted.
func (c *Control) Signers() []string {
	out := make([]string, 0, len(c.signers))
	for id := range c.signers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sign records signer's approval of action under nonce. When the approval
// completes the quorum the action executes immediately: its gate toggle is
// applied, exec runs, then the nonce is consumed and any other pending action
// sharing it is dropped as superseded. Any error leaves the control unchanged
// once the owner reverts the journal.
func (c *Control) Sign(action Action, nonce uint64, signer string, now time.Time, exec Executor) (ActionState, error) {
	state, err := c.sign(action, nonce, signer, now, exec)
	if c.ownJournal {
		if err != nil {
			c.journal.Revert()
		} else {
			c.journal.Commit()
		}
	}
	return state, err
}

func (c *Control) sign(action Action, nonce uint64, signer string, now time.Time, exec Executor) (ActionState, error) {
	if action == nil {
		return ActionState{}, fmt.Errorf("emergency: action required")
	}
	if err := action.validate(); err != nil {
		return ActionState{}, err
	}
	if nonce == 0 {
		return ActionState{}, fmt.Errorf("emergency: nonce 0: %w", common.ErrInvalidNonce)
	}
	id := normaliseSigner(signer)
	if _, ok := c.signers[id]; !ok {
		return ActionState{}, fmt.Errorf("emergency: signer %q: %w", signer, common.ErrUnauthorized)
	}
	c.expire(now)
	if status, used := c.consumed[nonce]; used {
		return ActionState{}, fmt.Errorf("emergency: nonce %d already %s: %w", nonce, status, common.ErrInvalidNonce)
	}

	key := actionKey{kind: action.Kind(), nonce: nonce}
	p, exists := c.pending[key]
	if exists {
		if !samePayload(p.action, action) {
			return ActionState{}, fmt.Errorf("emergency: %s nonce %d payload differs from proposal: %w", key.kind, nonce, common.ErrConflictingAction)
		}
		for _, existing := range p.signers {
			if existing == id {
				return ActionState{}, fmt.Errorf("emergency: %s already signed %s nonce %d: %w", id, key.kind, nonce, common.ErrDuplicateSigner)
			}
		}
	} else {
		p = &pending{action: action, nonce: nonce, proposedAt: now}
	}
	signers := append(append([]string(nil), p.signers...), id)

	if len(signers) < c.required {
		c.putPending(key, &pending{action: p.action, nonce: nonce, signers: signers, proposedAt: p.proposedAt})
		status := StatusPartiallySigned
		if len(signers) == 1 {
			status = StatusProposed
		}
		return c.stateOf(key, p.action, signers, p.proposedAt, status), nil
	}

	c.applyGate(p.action)
	if exec != nil {
		if err := exec(p.action, nonce); err != nil {
			return ActionState{}, fmt.Errorf("emergency: execute %s nonce %d: %w", key.kind, nonce, err)
		}
	}
	state := c.stateOf(key, p.action, signers, p.proposedAt, StatusExecuted)
	for _, dropped := range c.consume(nonce, StatusExecuted) {
		if dropped.Kind != key.kind {
			dropped.Status = StatusSuperseded
			state.Superseded = append(state.Superseded, dropped)
		}
	}
	return state, nil
}

// Expire retires every proposal older than the TTL and returns them.
func (c *Control) Expire(now time.Time) []ActionState {
	expired := c.expire(now)
	if c.ownJournal {
		c.journal.Commit()
	}
	return expired
}

func (c *Control) expire(now time.Time) []ActionState {
	if c.ttl <= 0 {
		return nil
	}
	var out []ActionState
	for key, p := range c.pending {
		if now.Sub(p.proposedAt) >= c.ttl {
			out = append(out, c.stateOf(key, p.action, p.signers, p.proposedAt, StatusExpired))
		}
	}
	for _, st := range out {
		if _, used := c.consumed[st.Nonce]; !used {
			c.consume(st.Nonce, StatusExpired)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nonce != out[j].Nonce {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Pending returns every proposal still collecting signatures.
func (c *Control) Pending() []ActionState {
	out := make([]ActionState, 0, len(c.pending))
	for key, p := range c.pending {
		status := StatusPartiallySigned
		if len(p.signers) == 1 {
			status = StatusProposed
		}
		out = append(out, c.stateOf(key, p.action, p.signers, p.proposedAt, status))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Nonce != out[j].Nonce {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Consumed returns the used nonces and how each was retired.
func (c *Control) Consumed() map[uint64]Status {
	out := make(map[uint64]Status, len(c.consumed))
	for nonce, status := range c.consumed {
		out[nonce] = status
	}
	return out
}

// Snapshot is the persisted form of the control state.
type Snapshot struct {
	Paused   bool
	Frozen   bool
	Consumed map[uint64]Status
	Pending  []ActionState
}

// Snapshot captures the full control state.
func (c *Control) Snapshot() Snapshot {
	return Snapshot{Paused: c.paused, Frozen: c.frozen, Consumed: c.Consumed(), Pending: c.Pending()}
}

// Restore replaces the control state without journaling.
func (c *Control) Restore(s Snapshot) error {
	c.paused = s.Paused
	c.frozen = s.Frozen
	c.consumed = make(map[uint64]Status, len(s.Consumed))
	for nonce, status := range s.Consumed {
		c.consumed[nonce] = status
	}
	c.pending = make(map[actionKey]*pending, len(s.Pending))
	for _, st := range s.Pending {
		if st.Action == nil || st.Action.Kind() != st.Kind {
			return fmt.Errorf("emergency: restore %s nonce %d: action mismatch", st.Kind, st.Nonce)
		}
		c.pending[actionKey{kind: st.Kind, nonce: st.Nonce}] = &pending{
			action:     st.Action,
			nonce:      st.Nonce,
			signers:    append([]string(nil), st.Signers...),
			proposedAt: st.ProposedAt,
		}
	}
	return nil
}

func (c *Control) applyGate(action Action) {
	switch action.(type) {
	case Pause:
		c.setGate(&c.paused, true)
	case Unpause:
		c.setGate(&c.paused, false)
	case FreezeMinting:
		c.setGate(&c.frozen, true)
	case UnfreezeMinting:
		c.setGate(&c.frozen, false)
	}
}

func (c *Control) setGate(gate *bool, v bool) {
	prev := *gate
	c.journal.Record(func() { *gate = prev })
	*gate = v
}

// consume retires nonce and drops every proposal still using it.
func (c *Control) consume(nonce uint64, status Status) []ActionState {
	c.journal.Record(func() { delete(c.consumed, nonce) })
	c.consumed[nonce] = status
	var dropped []ActionState
	for key, p := range c.pending {
		if key.nonce == nonce {
			dropped = append(dropped, c.stateOf(key, p.action, p.signers, p.proposedAt, status))
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Kind < dropped[j].Kind })
	for _, st := range dropped {
		c.dropPending(actionKey{kind: st.Kind, nonce: nonce})
	}
	return dropped
}

func (c *Control) putPending(key actionKey, p *pending) {
	prev, existed := c.pending[key]
	c.journal.Record(func() {
		if existed {
			c.pending[key] = prev
		} else {
			delete(c.pending, key)
		}
	})
	c.pending[key] = p
}

func (c *Control) dropPending(key actionKey) {
	prev, existed := c.pending[key]
	if !existed {
		return
	}
	c.journal.Record(func() { c.pending[key] = prev })
	delete(c.pending, key)
}

func (c *Control) stateOf(key actionKey, action Action, signers []string, proposedAt time.Time, status Status) ActionState {
	return ActionState{
		Kind:       key.kind,
		Nonce:      key.nonce,
		Action:     action,
		Signers:    append([]string(nil), signers...),
		Required:   c.required,
		Status:     status,
		ProposedAt: proposedAt,
	}
}

func normaliseSigner(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

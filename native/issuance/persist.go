package issuance

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"icreserve/native/emergency"
	"icreserve/native/fixed"
	"icreserve/native/reserve"
	"icreserve/storage"
)

var (
	ledgerKey        = []byte("issuance/ledger")
	gatesKey         = []byte("issuance/gates")
	noncePrefix      = []byte("issuance/nonce/")
	pendingPrefix    = []byte("issuance/pending/")
	currencyPrefix   = []byte("issuance/balance/ic/")
	reserveAPrefix   = []byte("issuance/balance/a/")
	reserveBPrefix   = []byte("issuance/balance/b/")
	errCorruptRecord = errors.New("issuance: corrupt state record")
)

type ledgerRecord struct {
	AllocatedA  []byte
	AllocatedB  []byte
	PreMintedA  []byte
	PreMintedB  []byte
	TotalIssued []byte
	OnDemandA   []byte `rlp:"optional"`
	OnDemandB   []byte `rlp:"optional"`
}

type gatesRecord struct {
	Paused bool
	Frozen bool
}

type pendingRecord struct {
	Kind       uint8
	Nonce      uint64
	Target     string
	Amount     []byte
	Signers    []string
	ProposedAt uint64
}

// persistedKeys remembers which nonce and pending records are already on disk
// so each commit writes only what changed.
type persistedKeys struct {
	nonces  map[uint64]struct{}
	pending map[string]struct{}
}

func nonceKey(nonce uint64) []byte {
	key := make([]byte, len(noncePrefix)+8)
	copy(key, noncePrefix)
	binary.BigEndian.PutUint64(key[len(noncePrefix):], nonce)
	return key
}

func pendingKey(kind emergency.Kind, nonce uint64) []byte {
	key := make([]byte, len(pendingPrefix)+9)
	copy(key, pendingPrefix)
	binary.BigEndian.PutUint64(key[len(pendingPrefix):], nonce)
	key[len(key)-1] = byte(kind)
	return key
}

func balanceKey(prefix []byte, holder string) []byte {
	return append(append([]byte(nil), prefix...), holder...)
}

// persist writes everything tx touched in one batch. It runs before the
// journal is committed so a failed write leaves memory and disk unchanged.
func (c *Controller) persist(tx *txn) error {
	if c.store == nil {
		return nil
	}
	batch := new(storage.Batch)

	snap := c.ledger.Snapshot()
	ledgerBytes, err := rlp.EncodeToBytes(ledgerRecord{
		AllocatedA:  snap.AllocatedA.Bytes(),
		AllocatedB:  snap.AllocatedB.Bytes(),
		PreMintedA:  snap.PreMintedA.Bytes(),
		PreMintedB:  snap.PreMintedB.Bytes(),
		TotalIssued: snap.TotalIssued.Bytes(),
		OnDemandA:   snap.OnDemandA.Bytes(),
		OnDemandB:   snap.OnDemandB.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("issuance: encode ledger: %w", err)
	}
	batch.Put(ledgerKey, ledgerBytes)

	gateBytes, err := rlp.EncodeToBytes(gatesRecord{Paused: c.control.Paused(), Frozen: c.control.MintingFrozen()})
	if err != nil {
		return fmt.Errorf("issuance: encode gates: %w", err)
	}
	batch.Put(gatesKey, gateBytes)

	consumed := c.control.Consumed()
	newNonces := make([]uint64, 0)
	for nonce, status := range consumed {
		if _, ok := c.persisted.nonces[nonce]; ok {
			continue
		}
		batch.Put(nonceKey(nonce), []byte{byte(status)})
		newNonces = append(newNonces, nonce)
	}

	current := make(map[string]struct{})
	for _, st := range c.control.Pending() {
		key := pendingKey(st.Kind, st.Nonce)
		record := pendingRecord{
			Kind:       uint8(st.Kind),
			Nonce:      st.Nonce,
			Signers:    st.Signers,
			ProposedAt: uint64(st.ProposedAt.UnixNano()),
		}
		if burn, ok := st.Action.(emergency.ForcedBurn); ok {
			record.Target = burn.Target
			record.Amount = burn.Amount.Bytes()
		}
		encoded, err := rlp.EncodeToBytes(record)
		if err != nil {
			return fmt.Errorf("issuance: encode pending action: %w", err)
		}
		batch.Put(key, encoded)
		current[string(key)] = struct{}{}
	}
	for key := range c.persisted.pending {
		if _, still := current[key]; !still {
			batch.Delete([]byte(key))
		}
	}

	for account := range tx.accounts {
		putBalance(batch, currencyPrefix, account, c.token.BalanceOf(account))
	}
	for holder := range tx.holdersA {
		putBalance(batch, reserveAPrefix, holder, c.minterA.BalanceOf(holder))
	}
	for holder := range tx.holdersB {
		putBalance(batch, reserveBPrefix, holder, c.minterB.BalanceOf(holder))
	}

	if err := c.store.Write(batch); err != nil {
		c.logger.Error("issuance state commit failed", "error", err)
		return fmt.Errorf("issuance: commit state: %w", err)
	}
	if c.persisted.nonces == nil {
		c.persisted.nonces = make(map[uint64]struct{})
	}
	for _, nonce := range newNonces {
		c.persisted.nonces[nonce] = struct{}{}
	}
	c.persisted.pending = current
	return nil
}

func putBalance(batch *storage.Batch, prefix []byte, holder string, bal fixed.Amount) {
	key := balanceKey(prefix, holder)
	if bal.IsZero() {
		batch.Delete(key)
		return
	}
	batch.Put(key, bal.Bytes())
}

// load restores every component from the store. An empty store leaves the
// genesis state in place.
func (c *Controller) load() error {
	raw, err := c.store.Get(ledgerKey)
	if errors.Is(err, storage.ErrNotFound) {
		c.persisted = persistedKeys{nonces: make(map[uint64]struct{}), pending: make(map[string]struct{})}
		return nil
	}
	if err != nil {
		return fmt.Errorf("issuance: load ledger: %w", err)
	}
	var lr ledgerRecord
	if err := rlp.DecodeBytes(raw, &lr); err != nil {
		return fmt.Errorf("%w: ledger: %v", errCorruptRecord, err)
	}
	var snap reserve.Snapshot
	for _, field := range []struct {
		dst *fixed.Amount
		src []byte
	}{
		{&snap.AllocatedA, lr.AllocatedA},
		{&snap.AllocatedB, lr.AllocatedB},
		{&snap.PreMintedA, lr.PreMintedA},
		{&snap.PreMintedB, lr.PreMintedB},
		{&snap.TotalIssued, lr.TotalIssued},
		{&snap.OnDemandA, lr.OnDemandA},
		{&snap.OnDemandB, lr.OnDemandB},
	} {
		v, err := fixed.FromBytes(field.src)
		if err != nil {
			return fmt.Errorf("%w: ledger amount: %v", errCorruptRecord, err)
		}
		*field.dst = v
	}
	if err := c.ledger.Restore(snap); err != nil {
		return err
	}

	control := emergency.Snapshot{Consumed: make(map[uint64]emergency.Status)}
	if raw, err := c.store.Get(gatesKey); err == nil {
		var gr gatesRecord
		if err := rlp.DecodeBytes(raw, &gr); err != nil {
			return fmt.Errorf("%w: gates: %v", errCorruptRecord, err)
		}
		control.Paused, control.Frozen = gr.Paused, gr.Frozen
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("issuance: load gates: %w", err)
	}
	persisted := persistedKeys{nonces: make(map[uint64]struct{}), pending: make(map[string]struct{})}
	err = c.store.Iterate(noncePrefix, func(key, value []byte) error {
		if len(key) != len(noncePrefix)+8 || len(value) != 1 {
			return fmt.Errorf("%w: nonce %x", errCorruptRecord, key)
		}
		nonce := binary.BigEndian.Uint64(key[len(noncePrefix):])
		control.Consumed[nonce] = emergency.Status(value[0])
		persisted.nonces[nonce] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}
	err = c.store.Iterate(pendingPrefix, func(key, value []byte) error {
		var pr pendingRecord
		if err := rlp.DecodeBytes(value, &pr); err != nil {
			return fmt.Errorf("%w: pending: %v", errCorruptRecord, err)
		}
		amount, err := fixed.FromBytes(pr.Amount)
		if err != nil {
			return fmt.Errorf("%w: pending amount: %v", errCorruptRecord, err)
		}
		action, err := emergency.NewAction(emergency.Kind(pr.Kind), pr.Target, amount)
		if err != nil {
			return fmt.Errorf("%w: pending action: %v", errCorruptRecord, err)
		}
		control.Pending = append(control.Pending, emergency.ActionState{
			Kind:       emergency.Kind(pr.Kind),
			Nonce:      pr.Nonce,
			Action:     action,
			Signers:    pr.Signers,
			ProposedAt: time.Unix(0, int64(pr.ProposedAt)),
		})
		persisted.pending[string(key)] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.control.Restore(control); err != nil {
		return err
	}

	balances, err := c.loadBalances(currencyPrefix)
	if err != nil {
		return err
	}
	if err := c.token.Restore(balances); err != nil {
		return err
	}
	for _, m := range []struct {
		minter *reserve.Minter
		prefix []byte
	}{{c.minterA, reserveAPrefix}, {c.minterB, reserveBPrefix}} {
		holdings, err := c.loadBalances(m.prefix)
		if err != nil {
			return err
		}
		supply := fixed.Zero()
		for _, bal := range holdings {
			if supply, err = supply.Add(bal); err != nil {
				return fmt.Errorf("%w: %s supply overflow", errCorruptRecord, m.minter.Asset())
			}
		}
		m.minter.Restore(supply, holdings)
	}
	c.persisted = persisted
	if err := c.checkInvariants(); err != nil {
		return fmt.Errorf("issuance: restored state inconsistent: %w", err)
	}
	return nil
}

func (c *Controller) loadBalances(prefix []byte) (map[string]fixed.Amount, error) {
	out := make(map[string]fixed.Amount)
	err := c.store.Iterate(prefix, func(key, value []byte) error {
		bal, err := fixed.FromBytes(value)
		if err != nil {
			return fmt.Errorf("%w: balance %s: %v", errCorruptRecord, key, err)
		}
		out[string(key[len(prefix):])] = bal
		return nil
	})
	return out, err
}

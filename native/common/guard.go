package common

// PauseView exposes the emergency gates consulted by state-mutating entry
// points.
type PauseView interface {
	Paused() bool
	MintingFrozen() bool
}

// Guard rejects any currency movement while the system is paused.
func Guard(p PauseView) error {
	if p == nil {
		return nil
	}
	if p.Paused() {
		return ErrSystemPaused
	}
	return nil
}

// MintGuard additionally rejects new issuance while minting is frozen.
func MintGuard(p PauseView) error {
	if err := Guard(p); err != nil {
		return err
	}
	if p != nil && p.MintingFrozen() {
		return ErrMintingFrozen
	}
	return nil
}

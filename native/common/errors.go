package common

import "errors"

// Error kinds shared by the issuance core. Every rejection returned by a core
// operation wraps exactly one of these so callers can branch with errors.Is.
var (
	ErrOracleStale         = errors.New("oracle price stale")
	ErrOracleZeroPrice     = errors.New("oracle price zero or negative")
	ErrInsufficientReserve = errors.New("insufficient reserve")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrKycNotApproved      = errors.New("kyc not approved")
	ErrSystemPaused        = errors.New("system paused")
	ErrMintingFrozen       = errors.New("minting frozen")
	ErrInvalidNonce        = errors.New("invalid nonce")
	ErrDuplicateSigner     = errors.New("duplicate signer")
	ErrAmountOverflow      = errors.New("amount overflow")
	// ErrInvariantViolation is fatal. A ledger that reports it refuses every
	// further mutation until it is restored from persisted state.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrReentrantCall       = errors.New("reentrant call")
	ErrConflictingAction   = errors.New("conflicting emergency action")
)

// IsRecoverable reports whether err leaves the ledger usable. Only invariant
// violations are not recoverable.
func IsRecoverable(err error) bool {
	return err != nil && !errors.Is(err, ErrInvariantViolation)
}

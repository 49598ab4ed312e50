package emergency

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"icreserve/crypto"
	"icreserve/native/common"
)

const digestDomain = "icreserve/emergency/v1"

type digestPayload struct {
	Domain string
	Kind   uint8
	Nonce  uint64
	Target string
	Amount []byte
}

// Digest returns the keccak256 hash signers sign to authorise action under
// nonce.
func Digest(action Action, nonce uint64) ([]byte, error) {
	if action == nil {
		return nil, fmt.Errorf("emergency: nil action")
	}
	payload := digestPayload{Domain: digestDomain, Kind: uint8(action.Kind()), Nonce: nonce}
	if burn, ok := action.(ForcedBurn); ok {
		payload.Target = burn.Target
		payload.Amount = burn.Amount.Bytes()
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("emergency: encode digest: %w", err)
	}
	return ethcrypto.Keccak256(encoded), nil
}

// RecoverSigner returns the bech32 account that produced sig for action.
func RecoverSigner(action Action, nonce uint64, sig []byte) (string, error) {
	digest, err := Digest(action, nonce)
	if err != nil {
		return "", err
	}
	addr, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return "", fmt.Errorf("emergency: recover signer: %v: %w", err, common.ErrUnauthorized)
	}
	return addr.String(), nil
}

// SignAction signs the digest of action with key.
func SignAction(key *crypto.PrivateKey, action Action, nonce uint64) ([]byte, error) {
	digest, err := Digest(action, nonce)
	if err != nil {
		return nil, err
	}
	return key.Sign(digest)
}

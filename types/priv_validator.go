package types

import (
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivValidator signs consensus payloads and block headers with the
// validator key.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)
	SignBytes(bz []byte) (Signature, error)
}

// MockPV keeps the key in memory. Only use it for testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{ed25519.GenPrivKey()}
}

// NewMockPVWithSecret derives the key from secret, runs are reproducible.
func NewMockPVWithSecret(secret []byte) MockPV {
	return MockPV{ed25519.GenPrivKeyFromSecret(secret)}
}

func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

func (pv MockPV) SignBytes(bz []byte) (Signature, error) {
	sig, err := pv.PrivKey.Sign(bz)
	if err != nil {
		return ZeroSignature, err
	}
	return SignatureFromBytes(sig)
}

func (pv MockPV) String() string {
	return fmt.Sprintf("MockPV{%v}", pv.PrivKey.PubKey().Address())
}

// ErroringMockPV refuses to sign.
type ErroringMockPV struct {
	MockPV
}

var ErroringMockPVErr = fmt.Errorf("erroringMockPV always returns an error")

func NewErroringMockPV() *ErroringMockPV {
	return &ErroringMockPV{MockPV{ed25519.GenPrivKey()}}
}

func (pv *ErroringMockPV) SignBytes(bz []byte) (Signature, error) {
	return ZeroSignature, ErroringMockPVErr
}

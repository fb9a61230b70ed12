package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/tendermint/tendermint/crypto/tmhash"
)

const (
	HashSize      = tmhash.Size
	SignatureSize = 64
)

// Hash is a sha256 digest compared by value.
type Hash [HashSize]byte

var ZeroHash Hash

func HashFromBytes(bz []byte) (Hash, error) {
	var h Hash
	if len(bz) != HashSize {
		return h, fmt.Errorf("expected %d bytes for hash, got %d", HashSize, len(bz))
	}
	copy(h[:], bz)
	return h, nil
}

// Sum hashes bz with tmhash.
func Sum(bz []byte) Hash {
	var h Hash
	copy(h[:], tmhash.Sum(bz))
	return h
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) Equal(other Hash) bool {
	return h == other
}

func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

func (h Hash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(h.String())), nil
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	text, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	bz, err := hex.DecodeString(text)
	if err != nil {
		return err
	}
	parsed, err := HashFromBytes(bz)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Signature is a fixed length ed25519 signature compared by value.
type Signature [SignatureSize]byte

var ZeroSignature Signature

func SignatureFromBytes(bz []byte) (Signature, error) {
	var s Signature
	if len(bz) != SignatureSize {
		return s, fmt.Errorf("expected %d bytes for signature, got %d", SignatureSize, len(bz))
	}
	copy(s[:], bz)
	return s, nil
}

func (s Signature) Bytes() []byte {
	return s[:]
}

func (s Signature) IsZero() bool {
	return s == ZeroSignature
}

func (s Signature) Equal(other Signature) bool {
	return s == other
}

func (s Signature) String() string {
	return strings.ToUpper(hex.EncodeToString(s[:]))
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	text, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	bz, err := hex.DecodeString(text)
	if err != nil {
		return err
	}
	parsed, err := SignatureFromBytes(bz)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

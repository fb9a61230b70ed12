package types

import (
	"errors"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// ErrTxRejectedByPolicy is wrapped by validators refusing a transaction for
// node policy rather than validity.
var ErrTxRejectedByPolicy = errors.New("transaction rejected by policy")

// Tx is an opaque transaction body. Consensus only orders transactions, the
// contents are checked by the external validator.
type Tx []byte

func (tx Tx) Hash() Hash {
	return Sum(tx)
}

func (tx Tx) Size() int64 {
	return int64(len(tx))
}

type Txs []Tx

func (txs Txs) Hashes() []Hash {
	hashes := make([]Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes
}

func (txs Txs) Size() int64 {
	var size int64
	for _, tx := range txs {
		size += tx.Size()
	}
	return size
}

// MerkleRoot returns the root of the merkle tree built over the ordered hashes.
func MerkleRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return ZeroHash
	}
	bzs := make([][]byte, len(hashes))
	for i := range hashes {
		bzs[i] = hashes[i].Bytes()
	}
	var root Hash
	copy(root[:], merkle.HashFromByteSlices(bzs))
	return root
}

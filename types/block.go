package types

import (
	"errors"
	"fmt"
	"time"
)

const BlockVersion uint32 = 0

// Header is the part of a block the committee signs.
type Header struct {
	Version       uint32 `json:"version"`
	PrevHash      Hash   `json:"prev_hash"`
	MerkleRoot    Hash   `json:"merkle_root"`
	Timestamp     uint64 `json:"timestamp"` // unix milliseconds
	Nonce         uint64 `json:"nonce"`
	Index         uint32 `json:"index"`
	PrimaryIndex  uint8  `json:"primary_index"`
	NextConsensus Hash   `json:"next_consensus"`
}

// SignBytes is the canonical encoding commit signatures are computed over.
func (h *Header) SignBytes() []byte {
	w := &binWriter{}
	h.writeTo(w)
	return w.Bytes()
}

func (h *Header) Hash() Hash {
	return Sum(h.SignBytes())
}

func (h *Header) Time() time.Time {
	return time.Unix(0, int64(h.Timestamp)*int64(time.Millisecond)).UTC()
}

func (h *Header) writeTo(w *binWriter) {
	w.writeU32(h.Version)
	w.writeHash(h.PrevHash)
	w.writeHash(h.MerkleRoot)
	w.writeU64(h.Timestamp)
	w.writeU64(h.Nonce)
	w.writeU32(h.Index)
	w.writeU8(h.PrimaryIndex)
	w.writeHash(h.NextConsensus)
}

func (h *Header) readFrom(r *binReader) {
	h.Version = r.readU32()
	h.PrevHash = r.readHash()
	h.MerkleRoot = r.readHash()
	h.Timestamp = r.readU64()
	h.Nonce = r.readU64()
	h.Index = r.readU32()
	h.PrimaryIndex = r.readU8()
	h.NextConsensus = r.readHash()
}

// CommitSig is one validator's signature over a header.
type CommitSig struct {
	ValidatorIndex uint16    `json:"validator_index"`
	Signature      Signature `json:"signature"`
}

// Block is a finalised header, the M commit signatures proving it, and the
// ordered transactions.
type Block struct {
	Header  `json:"header"`
	Witness []CommitSig `json:"witness"`
	Txs     Txs         `json:"txs"`
}

// MakeGenesisBlock returns block 0. It carries no witness.
func MakeGenesisBlock(genesisTime time.Time, vals *ValidatorSet) *Block {
	return &Block{
		Header: Header{
			Version:       BlockVersion,
			Timestamp:     uint64(genesisTime.UnixNano() / int64(time.Millisecond)),
			Index:         0,
			NextConsensus: vals.Hash(),
		},
	}
}

func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// ValidateBasic checks the block is internally consistent.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.Version != BlockVersion {
		return fmt.Errorf("unsupported block version %d", b.Version)
	}
	if root := MerkleRoot(b.Txs.Hashes()); root != b.MerkleRoot {
		return fmt.Errorf("merkle root mismatch: header %v, txs %v", b.MerkleRoot, root)
	}
	return nil
}

// VerifyWitness checks that at least M distinct validators of vals signed the
// header.
func (b *Block) VerifyWitness(vals *ValidatorSet) error {
	signBytes := b.Header.SignBytes()
	seen := make(map[uint16]struct{}, len(b.Witness))
	for _, cs := range b.Witness {
		if _, ok := seen[cs.ValidatorIndex]; ok {
			return fmt.Errorf("duplicate signature from validator %d", cs.ValidatorIndex)
		}
		_, val := vals.GetByIndex(int32(cs.ValidatorIndex))
		if val == nil {
			return fmt.Errorf("unknown validator index %d", cs.ValidatorIndex)
		}
		if !val.VerifySignature(signBytes, cs.Signature) {
			return fmt.Errorf("invalid signature from validator %d", cs.ValidatorIndex)
		}
		seen[cs.ValidatorIndex] = struct{}{}
	}
	if len(seen) < vals.M() {
		return fmt.Errorf("not enough signatures: got %d, need %d", len(seen), vals.M())
	}
	return nil
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{#%d %v txs:%d sigs:%d}", b.Index, b.Hash(), len(b.Txs), len(b.Witness))
}

func (b *Block) MarshalBinary() ([]byte, error) {
	w := &binWriter{}
	b.Header.writeTo(w)
	w.writeVarUint(uint64(len(b.Witness)))
	for _, cs := range b.Witness {
		w.writeU16(cs.ValidatorIndex)
		w.writeSignature(cs.Signature)
	}
	w.writeVarUint(uint64(len(b.Txs)))
	for _, tx := range b.Txs {
		w.writeVarBytes(tx)
	}
	return w.Bytes(), nil
}

func (b *Block) UnmarshalBinary(bz []byte) error {
	r := newBinReader(bz)
	b.Header.readFrom(r)
	if n := r.readVarUint(MaxArrayLength); n > 0 && r.err == nil {
		b.Witness = make([]CommitSig, n)
		for i := range b.Witness {
			b.Witness[i].ValidatorIndex = r.readU16()
			b.Witness[i].Signature = r.readSignature()
		}
	}
	if n := r.readVarUint(MaxArrayLength); n > 0 && r.err == nil {
		b.Txs = make(Txs, n)
		for i := range b.Txs {
			b.Txs[i] = r.readVarBytes(MaxTxBytes)
		}
	}
	if err := r.done(); err != nil {
		return fmt.Errorf("decoding block: %w", err)
	}
	return nil
}

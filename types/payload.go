package types

import (
	"errors"
	"fmt"
)

// PayloadVersion is the envelope version this node speaks.
const PayloadVersion uint32 = 0

// ConsensusPayload is the signed network envelope around a consensus
// message. Timestamp is sender-local relay metadata and is not covered by the
// witness.
type ConsensusPayload struct {
	Version        uint32
	PrevHash       Hash
	BlockIndex     uint32
	ValidatorIndex uint16
	Timestamp      uint64
	Data           []byte
	Witness        Signature

	msg ConsensusMessage
}

// NewConsensusPayload encodes msg into an unsigned envelope.
func NewConsensusPayload(prevHash Hash, blockIndex uint32, validatorIndex uint16, timestamp uint64, msg ConsensusMessage) *ConsensusPayload {
	return &ConsensusPayload{
		Version:        PayloadVersion,
		PrevHash:       prevHash,
		BlockIndex:     blockIndex,
		ValidatorIndex: validatorIndex,
		Timestamp:      timestamp,
		Data:           EncodeMessage(msg),
		msg:            msg,
	}
}

// SignBytes is what the witness signs: every envelope field except the
// timestamp and the witness.
func (p *ConsensusPayload) SignBytes() []byte {
	w := &binWriter{}
	w.writeU32(p.Version)
	w.writeHash(p.PrevHash)
	w.writeU32(p.BlockIndex)
	w.writeU16(p.ValidatorIndex)
	w.writeVarBytes(p.Data)
	return w.Bytes()
}

// Hash identifies the payload independently of its witness.
func (p *ConsensusPayload) Hash() Hash {
	return Sum(p.SignBytes())
}

// Message decodes Data once and caches the result.
func (p *ConsensusPayload) Message() (ConsensusMessage, error) {
	if p.msg != nil {
		return p.msg, nil
	}
	msg, err := DecodeMessage(p.Data)
	if err != nil {
		return nil, err
	}
	p.msg = msg
	return msg, nil
}

// Sign fills the witness with pv's signature over SignBytes.
func (p *ConsensusPayload) Sign(pv PrivValidator) error {
	sig, err := pv.SignBytes(p.SignBytes())
	if err != nil {
		return err
	}
	p.Witness = sig
	return nil
}

// Verify checks the witness against val.
func (p *ConsensusPayload) Verify(val *Validator) bool {
	return val.VerifySignature(p.SignBytes(), p.Witness)
}

func (p *ConsensusPayload) ValidateBasic() error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("unsupported payload version %d", p.Version)
	}
	if len(p.Data) == 0 {
		return errors.New("empty payload data")
	}
	return nil
}

func (p *ConsensusPayload) String() string {
	if p == nil {
		return "nil-ConsensusPayload"
	}
	t := "?"
	if msg, err := p.Message(); err == nil {
		t = msg.Type().String()
	}
	return fmt.Sprintf("ConsensusPayload{%s #%d val:%d %X}", t, p.BlockIndex, p.ValidatorIndex, p.Hash().Bytes()[:6])
}

// MarshalBinary is the wire form of the full envelope.
func (p *ConsensusPayload) MarshalBinary() ([]byte, error) {
	w := &binWriter{}
	p.writeTo(w)
	return w.Bytes(), nil
}

func (p *ConsensusPayload) UnmarshalBinary(bz []byte) error {
	r := newBinReader(bz)
	p.readFrom(r)
	if err := r.done(); err != nil {
		return fmt.Errorf("decoding consensus payload: %w", err)
	}
	p.msg = nil
	return nil
}

func (p *ConsensusPayload) writeTo(w *binWriter) {
	w.writeU32(p.Version)
	w.writeHash(p.PrevHash)
	w.writeU32(p.BlockIndex)
	w.writeU16(p.ValidatorIndex)
	w.writeU64(p.Timestamp)
	w.writeVarBytes(p.Data)
	w.writeSignature(p.Witness)
}

func (p *ConsensusPayload) readFrom(r *binReader) {
	p.Version = r.readU32()
	p.PrevHash = r.readHash()
	p.BlockIndex = r.readU32()
	p.ValidatorIndex = r.readU16()
	p.Timestamp = r.readU64()
	p.Data = r.readVarBytes(MaxTxBytes * 2)
	p.Witness = r.readSignature()
}

// DecodePayload parses a wire envelope.
func DecodePayload(bz []byte) (*ConsensusPayload, error) {
	p := &ConsensusPayload{}
	if err := p.UnmarshalBinary(bz); err != nil {
		return nil, err
	}
	return p, nil
}

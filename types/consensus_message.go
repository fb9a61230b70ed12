package types

import (
	"errors"
	"fmt"
)

// MessageType is the first byte of every encoded consensus message.
type MessageType uint8

const (
	ChangeViewType      MessageType = 0x00
	PrepareRequestType  MessageType = 0x20
	PrepareResponseType MessageType = 0x21
	CommitType          MessageType = 0x30
	RecoveryRequestType MessageType = 0x40
	RecoveryMessageType MessageType = 0x41
)

func (t MessageType) String() string {
	switch t {
	case ChangeViewType:
		return "ChangeView"
	case PrepareRequestType:
		return "PrepareRequest"
	case PrepareResponseType:
		return "PrepareResponse"
	case CommitType:
		return "Commit"
	case RecoveryRequestType:
		return "RecoveryRequest"
	case RecoveryMessageType:
		return "RecoveryMessage"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint8(t))
	}
}

// ChangeViewReason says why a validator gave up on a view.
type ChangeViewReason uint8

const (
	CVTimeout ChangeViewReason = iota
	CVChangeAgreement
	CVTxNotFound
	CVTxRejectedByPolicy
	CVTxInvalid
	CVBlockRejectedByPolicy
)

func (r ChangeViewReason) String() string {
	switch r {
	case CVTimeout:
		return "Timeout"
	case CVChangeAgreement:
		return "ChangeAgreement"
	case CVTxNotFound:
		return "TxNotFound"
	case CVTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case CVTxInvalid:
		return "TxInvalid"
	case CVBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(r))
	}
}

var (
	ErrUnknownMessageType = errors.New("unknown consensus message type")
	ErrDuplicateTxHash    = errors.New("duplicate transaction hash")
)

// ConsensusMessage is the closed set of dBFT messages. Only types in this
// package implement it.
type ConsensusMessage interface {
	Type() MessageType
	View() uint8
	ValidateBasic() error

	writeBody(w *binWriter)
	readBody(r *binReader)
}

// ChangeView asks the committee to move to NewViewNumber.
type ChangeView struct {
	ViewNumber    uint8
	NewViewNumber uint8
	Timestamp     uint64
	Reason        ChangeViewReason
}

func (m *ChangeView) Type() MessageType { return ChangeViewType }
func (m *ChangeView) View() uint8       { return m.ViewNumber }

func (m *ChangeView) ValidateBasic() error {
	if m.NewViewNumber == 0 {
		return errors.New("new view must be positive")
	}
	if m.NewViewNumber <= m.ViewNumber {
		return fmt.Errorf("new view %d is not above view %d", m.NewViewNumber, m.ViewNumber)
	}
	if m.Reason > CVBlockRejectedByPolicy {
		return fmt.Errorf("unknown change view reason %d", m.Reason)
	}
	return nil
}

func (m *ChangeView) writeBody(w *binWriter) {
	w.writeU8(m.NewViewNumber)
	w.writeU64(m.Timestamp)
	w.writeU8(uint8(m.Reason))
}

func (m *ChangeView) readBody(r *binReader) {
	m.NewViewNumber = r.readU8()
	m.Timestamp = r.readU64()
	m.Reason = ChangeViewReason(r.readU8())
}

// PrepareRequest is the primary's block proposal. Timestamp is in unix
// milliseconds. FirstTransaction carries the body of TransactionHashes[0].
type PrepareRequest struct {
	ViewNumber        uint8
	Timestamp         uint64
	Nonce             uint64
	NextConsensus     Hash
	TransactionHashes []Hash
	FirstTransaction  Tx
}

func (m *PrepareRequest) Type() MessageType { return PrepareRequestType }
func (m *PrepareRequest) View() uint8       { return m.ViewNumber }

func (m *PrepareRequest) ValidateBasic() error {
	if len(m.TransactionHashes) > MaxArrayLength {
		return fmt.Errorf("too many transaction hashes: %d", len(m.TransactionHashes))
	}
	seen := make(map[Hash]struct{}, len(m.TransactionHashes))
	for _, h := range m.TransactionHashes {
		if _, ok := seen[h]; ok {
			return fmt.Errorf("%w: %v", ErrDuplicateTxHash, h)
		}
		seen[h] = struct{}{}
	}
	if len(m.TransactionHashes) == 0 {
		if len(m.FirstTransaction) != 0 {
			return errors.New("first transaction set on an empty proposal")
		}
		return nil
	}
	if len(m.FirstTransaction) == 0 {
		return errors.New("missing first transaction body")
	}
	if m.FirstTransaction.Hash() != m.TransactionHashes[0] {
		return errors.New("first transaction does not match the first hash")
	}
	return nil
}

func (m *PrepareRequest) writeBody(w *binWriter) {
	w.writeU64(m.Timestamp)
	w.writeU64(m.Nonce)
	w.writeHash(m.NextConsensus)
	w.writeVarUint(uint64(len(m.TransactionHashes)))
	for _, h := range m.TransactionHashes {
		w.writeHash(h)
	}
	w.writeVarBytes(m.FirstTransaction)
}

func (m *PrepareRequest) readBody(r *binReader) {
	m.Timestamp = r.readU64()
	m.Nonce = r.readU64()
	m.NextConsensus = r.readHash()
	n := r.readVarUint(MaxArrayLength)
	if n > 0 && r.err == nil {
		m.TransactionHashes = make([]Hash, n)
		for i := range m.TransactionHashes {
			m.TransactionHashes[i] = r.readHash()
		}
	}
	m.FirstTransaction = r.readVarBytes(MaxTxBytes)
}

// PrepareResponse acknowledges the prepare request whose payload hash is
// PreparationHash. The response signature is the payload witness.
type PrepareResponse struct {
	ViewNumber      uint8
	PreparationHash Hash
}

func (m *PrepareResponse) Type() MessageType { return PrepareResponseType }
func (m *PrepareResponse) View() uint8       { return m.ViewNumber }

func (m *PrepareResponse) ValidateBasic() error {
	if m.PreparationHash.IsZero() {
		return errors.New("empty preparation hash")
	}
	return nil
}

func (m *PrepareResponse) writeBody(w *binWriter) {
	w.writeHash(m.PreparationHash)
}

func (m *PrepareResponse) readBody(r *binReader) {
	m.PreparationHash = r.readHash()
}

// Commit carries the sender's signature over the proposed header.
type Commit struct {
	ViewNumber uint8
	Signature  Signature
}

func (m *Commit) Type() MessageType { return CommitType }
func (m *Commit) View() uint8       { return m.ViewNumber }

func (m *Commit) ValidateBasic() error {
	if m.Signature.IsZero() {
		return errors.New("empty commit signature")
	}
	return nil
}

func (m *Commit) writeBody(w *binWriter) {
	w.writeSignature(m.Signature)
}

func (m *Commit) readBody(r *binReader) {
	m.Signature = r.readSignature()
}

// RecoveryRequest asks peers for their evidence of the current round.
type RecoveryRequest struct {
	ViewNumber uint8
	Timestamp  uint64
}

func (m *RecoveryRequest) Type() MessageType { return RecoveryRequestType }
func (m *RecoveryRequest) View() uint8       { return m.ViewNumber }

func (m *RecoveryRequest) ValidateBasic() error {
	if m.Timestamp == 0 {
		return errors.New("empty timestamp")
	}
	return nil
}

func (m *RecoveryRequest) writeBody(w *binWriter) {
	w.writeU64(m.Timestamp)
}

func (m *RecoveryRequest) readBody(r *binReader) {
	m.Timestamp = r.readU64()
}

func newMessage(t MessageType) (ConsensusMessage, error) {
	switch t {
	case ChangeViewType:
		return &ChangeView{}, nil
	case PrepareRequestType:
		return &PrepareRequest{}, nil
	case PrepareResponseType:
		return &PrepareResponse{}, nil
	case CommitType:
		return &Commit{}, nil
	case RecoveryRequestType:
		return &RecoveryRequest{}, nil
	case RecoveryMessageType:
		return &RecoveryMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownMessageType, uint8(t))
	}
}

func setView(msg ConsensusMessage, view uint8) {
	switch m := msg.(type) {
	case *ChangeView:
		m.ViewNumber = view
	case *PrepareRequest:
		m.ViewNumber = view
	case *PrepareResponse:
		m.ViewNumber = view
	case *Commit:
		m.ViewNumber = view
	case *RecoveryRequest:
		m.ViewNumber = view
	case *RecoveryMessage:
		m.ViewNumber = view
	}
}

// EncodeMessage returns the deterministic encoding of msg: type byte, view
// byte, then the type specific fields.
func EncodeMessage(msg ConsensusMessage) []byte {
	w := &binWriter{}
	w.writeU8(uint8(msg.Type()))
	w.writeU8(msg.View())
	msg.writeBody(w)
	return w.Bytes()
}

// DecodeMessage parses bz and runs ValidateBasic on the result.
func DecodeMessage(bz []byte) (ConsensusMessage, error) {
	if len(bz) < 2 {
		return nil, errors.New("consensus message too short")
	}
	r := newBinReader(bz)
	msg, err := newMessage(MessageType(r.readU8()))
	if err != nil {
		return nil, err
	}
	setView(msg, r.readU8())
	msg.readBody(r)
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("decoding %v: %w", msg.Type(), err)
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid %v: %w", msg.Type(), err)
	}
	return msg, nil
}

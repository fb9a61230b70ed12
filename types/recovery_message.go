package types

import (
	"errors"
	"fmt"
)

// ChangeViewCompact is a ChangeView payload stripped to what is needed to
// rebuild and re-verify it.
type ChangeViewCompact struct {
	ValidatorIndex     uint16
	OriginalViewNumber uint8
	NewViewNumber      uint8
	Timestamp          uint64
	Reason             ChangeViewReason
	Witness            Signature
}

// PreparationCompact is a PrepareRequest or PrepareResponse witness.
type PreparationCompact struct {
	ValidatorIndex uint16
	Witness        Signature
}

// CommitCompact keeps the commit signature over the header and the payload
// witness.
type CommitCompact struct {
	ValidatorIndex uint16
	ViewNumber     uint8
	Signature      Signature
	Witness        Signature
}

// RecoveryMessage bundles the evidence a validator holds for the current
// round. PreparationHash is only set when the prepare request itself is
// unknown to the sender.
type RecoveryMessage struct {
	ViewNumber            uint8
	ChangeViewMessages    []ChangeViewCompact
	PrepareRequestMessage *PrepareRequest
	PreparationHash       *Hash
	PreparationMessages   []PreparationCompact
	CommitMessages        []CommitCompact
}

func (m *RecoveryMessage) Type() MessageType { return RecoveryMessageType }
func (m *RecoveryMessage) View() uint8       { return m.ViewNumber }

func (m *RecoveryMessage) ValidateBasic() error {
	if m.PrepareRequestMessage != nil && m.PreparationHash != nil {
		return errors.New("both prepare request and preparation hash set")
	}
	if m.PrepareRequestMessage != nil {
		if m.PrepareRequestMessage.ViewNumber != m.ViewNumber {
			return errors.New("embedded prepare request has a different view")
		}
		if err := m.PrepareRequestMessage.ValidateBasic(); err != nil {
			return fmt.Errorf("embedded prepare request: %w", err)
		}
	}
	seen := make(map[uint16]struct{})
	for _, cv := range m.ChangeViewMessages {
		if _, ok := seen[cv.ValidatorIndex]; ok {
			return fmt.Errorf("duplicate change view from %d", cv.ValidatorIndex)
		}
		if cv.NewViewNumber <= cv.OriginalViewNumber {
			return fmt.Errorf("change view from %d does not move forward", cv.ValidatorIndex)
		}
		seen[cv.ValidatorIndex] = struct{}{}
	}
	seen = make(map[uint16]struct{})
	for _, p := range m.PreparationMessages {
		if _, ok := seen[p.ValidatorIndex]; ok {
			return fmt.Errorf("duplicate preparation from %d", p.ValidatorIndex)
		}
		seen[p.ValidatorIndex] = struct{}{}
	}
	seen = make(map[uint16]struct{})
	for _, c := range m.CommitMessages {
		if _, ok := seen[c.ValidatorIndex]; ok {
			return fmt.Errorf("duplicate commit from %d", c.ValidatorIndex)
		}
		seen[c.ValidatorIndex] = struct{}{}
	}
	return nil
}

func (m *RecoveryMessage) writeBody(w *binWriter) {
	w.writeVarUint(uint64(len(m.ChangeViewMessages)))
	for _, cv := range m.ChangeViewMessages {
		w.writeU16(cv.ValidatorIndex)
		w.writeU8(cv.OriginalViewNumber)
		w.writeU8(cv.NewViewNumber)
		w.writeU64(cv.Timestamp)
		w.writeU8(uint8(cv.Reason))
		w.writeSignature(cv.Witness)
	}
	w.writeBool(m.PrepareRequestMessage != nil)
	if m.PrepareRequestMessage != nil {
		m.PrepareRequestMessage.writeBody(w)
	} else {
		w.writeBool(m.PreparationHash != nil)
		if m.PreparationHash != nil {
			w.writeHash(*m.PreparationHash)
		}
	}
	w.writeVarUint(uint64(len(m.PreparationMessages)))
	for _, p := range m.PreparationMessages {
		w.writeU16(p.ValidatorIndex)
		w.writeSignature(p.Witness)
	}
	w.writeVarUint(uint64(len(m.CommitMessages)))
	for _, c := range m.CommitMessages {
		w.writeU16(c.ValidatorIndex)
		w.writeU8(c.ViewNumber)
		w.writeSignature(c.Signature)
		w.writeSignature(c.Witness)
	}
}

func (m *RecoveryMessage) readBody(r *binReader) {
	if n := r.readVarUint(MaxArrayLength); n > 0 && r.err == nil {
		m.ChangeViewMessages = make([]ChangeViewCompact, n)
		for i := range m.ChangeViewMessages {
			cv := &m.ChangeViewMessages[i]
			cv.ValidatorIndex = r.readU16()
			cv.OriginalViewNumber = r.readU8()
			cv.NewViewNumber = r.readU8()
			cv.Timestamp = r.readU64()
			cv.Reason = ChangeViewReason(r.readU8())
			cv.Witness = r.readSignature()
		}
	}
	if r.readBool() {
		req := &PrepareRequest{ViewNumber: m.ViewNumber}
		req.readBody(r)
		m.PrepareRequestMessage = req
	} else if r.readBool() {
		h := r.readHash()
		m.PreparationHash = &h
	}
	if n := r.readVarUint(MaxArrayLength); n > 0 && r.err == nil {
		m.PreparationMessages = make([]PreparationCompact, n)
		for i := range m.PreparationMessages {
			m.PreparationMessages[i].ValidatorIndex = r.readU16()
			m.PreparationMessages[i].Witness = r.readSignature()
		}
	}
	if n := r.readVarUint(MaxArrayLength); n > 0 && r.err == nil {
		m.CommitMessages = make([]CommitCompact, n)
		for i := range m.CommitMessages {
			c := &m.CommitMessages[i]
			c.ValidatorIndex = r.readU16()
			c.ViewNumber = r.readU8()
			c.Signature = r.readSignature()
			c.Witness = r.readSignature()
		}
	}
}

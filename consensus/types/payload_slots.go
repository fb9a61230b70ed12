package types

import (
	"errors"

	"github.com/bits-and-blooms/bitset"

	"dbft_demo/types"
)

var (
	ErrDuplicatePayload = errors.New("duplicate payload")
	ErrSlotOutOfRange   = errors.New("validator index out of range")
)

// PayloadSlots keeps at most one payload per validator index.
type PayloadSlots struct {
	payloads []*types.ConsensusPayload
	present  *bitset.BitSet
}

func NewPayloadSlots(size int) *PayloadSlots {
	return &PayloadSlots{
		payloads: make([]*types.ConsensusPayload, size),
		present:  bitset.New(uint(size)),
	}
}

func (s *PayloadSlots) Size() int {
	return len(s.payloads)
}

func (s *PayloadSlots) inRange(i int) bool {
	return i >= 0 && i < len(s.payloads)
}

func (s *PayloadSlots) Get(i int) *types.ConsensusPayload {
	if !s.inRange(i) {
		return nil
	}
	return s.payloads[i]
}

func (s *PayloadSlots) Has(i int) bool {
	return s.inRange(i) && s.present.Test(uint(i))
}

// Add fills an empty slot. A filled slot is never overwritten.
func (s *PayloadSlots) Add(i int, p *types.ConsensusPayload) error {
	if !s.inRange(i) {
		return ErrSlotOutOfRange
	}
	if s.present.Test(uint(i)) {
		return ErrDuplicatePayload
	}
	s.Set(i, p)
	return nil
}

// Set overwrites slot i, nil clears it.
func (s *PayloadSlots) Set(i int, p *types.ConsensusPayload) {
	if !s.inRange(i) {
		return
	}
	s.payloads[i] = p
	if p == nil {
		s.present.Clear(uint(i))
		return
	}
	s.present.Set(uint(i))
}

func (s *PayloadSlots) Count() int {
	return int(s.present.Count())
}

// BitSet returns a copy of the presence set.
func (s *PayloadSlots) BitSet() *bitset.BitSet {
	return s.present.Clone()
}

func (s *PayloadSlots) Clear() {
	for i := range s.payloads {
		s.payloads[i] = nil
	}
	s.present.ClearAll()
}

// Iterate calls fn for every filled slot in index order until fn returns
// true.
func (s *PayloadSlots) Iterate(fn func(i int, p *types.ConsensusPayload) bool) {
	for i, e := s.present.NextSet(0); e; i, e = s.present.NextSet(i + 1) {
		if fn(int(i), s.payloads[i]) {
			return
		}
	}
}

func (s *PayloadSlots) Copy() *PayloadSlots {
	c := NewPayloadSlots(len(s.payloads))
	copy(c.payloads, s.payloads)
	c.present = s.present.Clone()
	return c
}

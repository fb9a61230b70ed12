package types

import (
	"dbft_demo/types"
)

// MakeRecoveryMessage compacts the evidence this node holds for the current
// round. Commits are only shared once this node committed itself.
func (rc *RoundContext) MakeRecoveryMessage() *types.RecoveryMessage {
	msg := &types.RecoveryMessage{ViewNumber: rc.ViewNumber}

	rc.LastChangeViewPayloads.Iterate(func(i int, p *types.ConsensusPayload) bool {
		cv := changeViewOf(p)
		if cv == nil {
			return false
		}
		msg.ChangeViewMessages = append(msg.ChangeViewMessages, types.ChangeViewCompact{
			ValidatorIndex:     uint16(i),
			OriginalViewNumber: cv.ViewNumber,
			NewViewNumber:      cv.NewViewNumber,
			Timestamp:          cv.Timestamp,
			Reason:             cv.Reason,
			Witness:            p.Witness,
		})
		return len(msg.ChangeViewMessages) >= rc.M()
	})

	if req := rc.PrepareRequestMessage(); req != nil {
		msg.PrepareRequestMessage = req
	} else if h, ok := rc.mostCommonPreparationHash(); ok {
		msg.PreparationHash = &h
	}

	rc.PreparationPayloads.Iterate(func(i int, p *types.ConsensusPayload) bool {
		msg.PreparationMessages = append(msg.PreparationMessages, types.PreparationCompact{
			ValidatorIndex: uint16(i),
			Witness:        p.Witness,
		})
		return false
	})

	if rc.CommitSent() {
		rc.CommitPayloads.Iterate(func(i int, p *types.ConsensusPayload) bool {
			m, err := p.Message()
			if err != nil {
				return false
			}
			if commit, ok := m.(*types.Commit); ok {
				msg.CommitMessages = append(msg.CommitMessages, types.CommitCompact{
					ValidatorIndex: uint16(i),
					ViewNumber:     commit.ViewNumber,
					Signature:      commit.Signature,
					Witness:        p.Witness,
				})
			}
			return false
		})
	}
	return msg
}

// PrepareRequestMessage returns the accepted proposal of this view, if any.
func (rc *RoundContext) PrepareRequestMessage() *types.PrepareRequest {
	if rc.TransactionHashes == nil {
		return nil
	}
	p := rc.PreparationPayloads.Get(rc.PrimaryIndex())
	if p == nil {
		return nil
	}
	m, err := p.Message()
	if err != nil {
		return nil
	}
	req, _ := m.(*types.PrepareRequest)
	return req
}

func (rc *RoundContext) mostCommonPreparationHash() (types.Hash, bool) {
	counts := make(map[types.Hash]int)
	var (
		best  types.Hash
		count int
	)
	rc.PreparationPayloads.Iterate(func(i int, p *types.ConsensusPayload) bool {
		m, err := p.Message()
		if err != nil {
			return false
		}
		resp, ok := m.(*types.PrepareResponse)
		if !ok {
			return false
		}
		counts[resp.PreparationHash]++
		c := counts[resp.PreparationHash]
		if c > count || (c == count && resp.PreparationHash.Compare(best) < 0) {
			best, count = resp.PreparationHash, c
		}
		return false
	})
	return best, count > 0
}

//-----------------------------------------------------------------------------
// rebuilding payloads out of a recovery message

func (rc *RoundContext) rebuild(validatorIndex uint16, msg types.ConsensusMessage, witness types.Signature) *types.ConsensusPayload {
	p := types.NewConsensusPayload(rc.PrevHash, rc.Height, validatorIndex, 0, msg)
	p.Witness = witness
	return p
}

// ChangeViewPayloadsFrom rebuilds the change view payloads of msg.
func (rc *RoundContext) ChangeViewPayloadsFrom(msg *types.RecoveryMessage) []*types.ConsensusPayload {
	payloads := make([]*types.ConsensusPayload, 0, len(msg.ChangeViewMessages))
	for _, cv := range msg.ChangeViewMessages {
		payloads = append(payloads, rc.rebuild(cv.ValidatorIndex, &types.ChangeView{
			ViewNumber:    cv.OriginalViewNumber,
			NewViewNumber: cv.NewViewNumber,
			Timestamp:     cv.Timestamp,
			Reason:        cv.Reason,
		}, cv.Witness))
	}
	return payloads
}

// PrepareRequestPayloadFrom rebuilds the primary's proposal of msg, nil when
// msg does not carry it with the primary's witness.
func (rc *RoundContext) PrepareRequestPayloadFrom(msg *types.RecoveryMessage) *types.ConsensusPayload {
	if msg.PrepareRequestMessage == nil {
		return nil
	}
	primary := uint16(rc.PrimaryIndexFor(msg.ViewNumber))
	for _, c := range msg.PreparationMessages {
		if c.ValidatorIndex == primary {
			req := *msg.PrepareRequestMessage
			req.ViewNumber = msg.ViewNumber
			return rc.rebuild(primary, &req, c.Witness)
		}
	}
	return nil
}

// PrepareResponsePayloadsFrom rebuilds the backups' responses of msg.
func (rc *RoundContext) PrepareResponsePayloadsFrom(msg *types.RecoveryMessage) []*types.ConsensusPayload {
	var preparationHash types.Hash
	switch {
	case msg.PreparationHash != nil:
		preparationHash = *msg.PreparationHash
	case msg.PrepareRequestMessage != nil:
		req := rc.PrepareRequestPayloadFrom(msg)
		if req == nil {
			return nil
		}
		preparationHash = req.Hash()
	default:
		return nil
	}

	primary := uint16(rc.PrimaryIndexFor(msg.ViewNumber))
	payloads := make([]*types.ConsensusPayload, 0, len(msg.PreparationMessages))
	for _, c := range msg.PreparationMessages {
		if c.ValidatorIndex == primary {
			continue
		}
		payloads = append(payloads, rc.rebuild(c.ValidatorIndex, &types.PrepareResponse{
			ViewNumber:      msg.ViewNumber,
			PreparationHash: preparationHash,
		}, c.Witness))
	}
	return payloads
}

// CommitPayloadsFrom rebuilds the commit payloads of msg.
func (rc *RoundContext) CommitPayloadsFrom(msg *types.RecoveryMessage) []*types.ConsensusPayload {
	payloads := make([]*types.ConsensusPayload, 0, len(msg.CommitMessages))
	for _, c := range msg.CommitMessages {
		payloads = append(payloads, rc.rebuild(c.ValidatorIndex, &types.Commit{
			ViewNumber: c.ViewNumber,
			Signature:  c.Signature,
		}, c.Witness))
	}
	return payloads
}

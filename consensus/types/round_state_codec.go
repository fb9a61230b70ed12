package types

import (
	"errors"
	"fmt"

	tmjson "github.com/tendermint/tendermint/libs/json"

	"dbft_demo/types"
)

var ErrStaleRoundState = errors.New("saved round belongs to another height")

type savedRound struct {
	Height            uint32                    `json:"height"`
	PrevHash          types.Hash                `json:"prev_hash"`
	ViewNumber        uint8                     `json:"view"`
	Timestamp         uint64                    `json:"timestamp"`
	Nonce             uint64                    `json:"nonce"`
	TransactionHashes []types.Hash              `json:"transaction_hashes"`
	Transactions      []types.Tx                `json:"transactions"`
	ExpectedView      []uint8                   `json:"expected_view"`
	Preparations      []*types.ConsensusPayload `json:"preparations"`
	Commits           []*types.ConsensusPayload `json:"commits"`
	ChangeViews       []*types.ConsensusPayload `json:"change_views"`
	LastChangeViews   []*types.ConsensusPayload `json:"last_change_views"`
}

func slotsToList(s *PayloadSlots) []*types.ConsensusPayload {
	list := make([]*types.ConsensusPayload, s.Size())
	s.Iterate(func(i int, p *types.ConsensusPayload) bool {
		list[i] = p
		return false
	})
	return list
}

func listToSlots(list []*types.ConsensusPayload, s *PayloadSlots) error {
	if len(list) != s.Size() {
		return fmt.Errorf("saved %d slots for a committee of %d", len(list), s.Size())
	}
	s.Clear()
	for i, p := range list {
		s.Set(i, p)
	}
	return nil
}

// MarshalRound encodes the parts of the round needed to resume it after a
// restart.
func (rc *RoundContext) MarshalRound() ([]byte, error) {
	saved := savedRound{
		Height:            rc.Height,
		PrevHash:          rc.PrevHash,
		ViewNumber:        rc.ViewNumber,
		Timestamp:         rc.Timestamp,
		Nonce:             rc.Nonce,
		TransactionHashes: rc.TransactionHashes,
		ExpectedView:      rc.ExpectedView,
		Preparations:      slotsToList(rc.PreparationPayloads),
		Commits:           slotsToList(rc.CommitPayloads),
		ChangeViews:       slotsToList(rc.ChangeViewPayloads),
		LastChangeViews:   slotsToList(rc.LastChangeViewPayloads),
	}
	if rc.TransactionHashes != nil {
		saved.Transactions = make([]types.Tx, 0, len(rc.Transactions))
		for _, h := range rc.TransactionHashes {
			if tx, ok := rc.Transactions[h]; ok {
				saved.Transactions = append(saved.Transactions, tx)
			}
		}
	}
	return tmjson.Marshal(saved)
}

// UnmarshalRound restores a round saved by MarshalRound over a context
// already reset to the same height.
func (rc *RoundContext) UnmarshalRound(bz []byte) error {
	var saved savedRound
	if err := tmjson.Unmarshal(bz, &saved); err != nil {
		return err
	}
	if saved.Height != rc.Height || saved.PrevHash != rc.PrevHash {
		return fmt.Errorf("%w: saved %d, current %d", ErrStaleRoundState, saved.Height, rc.Height)
	}
	if len(saved.ExpectedView) != rc.N() {
		return fmt.Errorf("saved expected views for %d validators, committee has %d", len(saved.ExpectedView), rc.N())
	}

	rc.ViewNumber = saved.ViewNumber
	rc.Flags = rc.roleFlags()
	copy(rc.ExpectedView, saved.ExpectedView)
	for _, pair := range []struct {
		list  []*types.ConsensusPayload
		slots *PayloadSlots
	}{
		{saved.Preparations, rc.PreparationPayloads},
		{saved.Commits, rc.CommitPayloads},
		{saved.ChangeViews, rc.ChangeViewPayloads},
		{saved.LastChangeViews, rc.LastChangeViewPayloads},
	} {
		if err := listToSlots(pair.list, pair.slots); err != nil {
			return err
		}
	}

	rc.clearProposal()
	if saved.TransactionHashes != nil {
		rc.SetProposal(saved.Timestamp, saved.Nonce, saved.TransactionHashes)
		for _, tx := range saved.Transactions {
			rc.AddTransaction(tx)
		}
	}

	if rc.PreparationPayloads.Has(rc.PrimaryIndex()) {
		if rc.IsPrimary() {
			rc.Flags.Set(FlagRequestSent)
		} else {
			rc.Flags.Set(FlagRequestReceived)
		}
	}
	if rc.IsBackup() && rc.PreparationPayloads.Has(rc.MyIndex) {
		rc.Flags.Set(FlagResponseSent)
	}
	if rc.MyIndex >= 0 && rc.CommitPayloads.Has(rc.MyIndex) {
		rc.Flags.Set(FlagCommitSent)
	}
	return nil
}

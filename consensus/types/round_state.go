package types

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/tendermint/tendermint/crypto"

	"dbft_demo/types"
)

var (
	ErrNoValidators      = errors.New("committee has no validators")
	ErrMyIndexOutOfRange = errors.New("local validator index out of range")
)

// ChainReader is the ledger view a round is reset from.
type ChainReader interface {
	// Height of the last persisted block.
	Height() uint32
	CurrentHash() types.Hash
	CurrentHeader() *types.Header
	// NextValidators is the committee for Height()+1.
	NextValidators() *types.ValidatorSet
}

// RoundContext is the state of one height. Only the consensus routine
// mutates it.
type RoundContext struct {
	Height        uint32
	ViewNumber    uint8
	Validators    *types.ValidatorSet
	MyIndex       int
	PrevHash      types.Hash
	PrevTimestamp uint64
	NextConsensus types.Hash

	// Proposal material, set by the primary's PrepareRequest.
	Timestamp         uint64
	Nonce             uint64
	TransactionHashes []types.Hash
	Transactions      map[types.Hash]types.Tx

	ExpectedView           []uint8
	PreparationPayloads    *PayloadSlots
	CommitPayloads         *PayloadSlots
	ChangeViewPayloads     *PayloadSlots
	LastChangeViewPayloads *PayloadSlots

	// LastSeenMessage is the latest height each validator was heard at.
	LastSeenMessage map[int]uint32

	Flags StateFlags

	header *types.Header
}

func NewRoundContext() *RoundContext {
	return &RoundContext{MyIndex: -1}
}

// Reset starts a new height from the ledger. pubKey is the local signing
// identity, nil for an observer.
func (rc *RoundContext) Reset(chain ChainReader, pubKey crypto.PubKey) error {
	vals := chain.NextValidators()
	if vals.Size() < 1 {
		return ErrNoValidators
	}
	n := vals.Size()

	if rc.Validators == nil || rc.Validators.Hash() != vals.Hash() {
		rc.LastSeenMessage = rebuildLastSeen(rc.Validators, vals, rc.LastSeenMessage, chain.Height())
	}

	rc.Height = chain.Height() + 1
	rc.ViewNumber = 0
	rc.Validators = vals
	rc.PrevHash = chain.CurrentHash()
	rc.PrevTimestamp = 0
	if prev := chain.CurrentHeader(); prev != nil {
		rc.PrevTimestamp = prev.Timestamp
	}
	rc.NextConsensus = vals.Hash()
	rc.MyIndex = vals.IndexOf(pubKey)
	if rc.MyIndex >= n {
		return fmt.Errorf("%w: %d of %d", ErrMyIndexOutOfRange, rc.MyIndex, n)
	}

	rc.ExpectedView = make([]uint8, n)
	rc.PreparationPayloads = NewPayloadSlots(n)
	rc.CommitPayloads = NewPayloadSlots(n)
	rc.ChangeViewPayloads = NewPayloadSlots(n)
	rc.LastChangeViewPayloads = NewPayloadSlots(n)
	rc.clearProposal()
	if rc.MyIndex >= 0 {
		rc.LastSeenMessage[rc.MyIndex] = rc.Height
	}
	rc.Flags = rc.roleFlags()
	return nil
}

// rebuildLastSeen carries liveness over to a new committee by public key.
func rebuildLastSeen(old, next *types.ValidatorSet, seen map[int]uint32, height uint32) map[int]uint32 {
	rebuilt := make(map[int]uint32, next.Size())
	for i, val := range next.Validators {
		rebuilt[i] = height
		if old == nil {
			continue
		}
		if j := old.IndexOf(val.PubKey); j >= 0 {
			if h, ok := seen[j]; ok {
				rebuilt[i] = h
			}
		}
	}
	return rebuilt
}

// AdvanceView moves to target within the same height. It is a no-op
// returning false unless target is above the current view.
func (rc *RoundContext) AdvanceView(target uint8) bool {
	if target <= rc.ViewNumber {
		return false
	}

	rc.LastChangeViewPayloads.Clear()
	rc.ChangeViewPayloads.Iterate(func(i int, p *types.ConsensusPayload) bool {
		if cv := changeViewOf(p); cv != nil && cv.NewViewNumber >= target {
			rc.LastChangeViewPayloads.Set(i, p)
		}
		return false
	})

	rc.ViewNumber = target
	rc.PreparationPayloads.Clear()
	rc.CommitPayloads.Clear()
	rc.clearProposal()
	if rc.MyIndex >= 0 {
		rc.LastSeenMessage[rc.MyIndex] = rc.Height
	}
	rc.Flags = rc.roleFlags()
	return true
}

func (rc *RoundContext) clearProposal() {
	rc.Timestamp = 0
	rc.Nonce = 0
	rc.TransactionHashes = nil
	rc.Transactions = nil
	rc.header = nil
}

func (rc *RoundContext) roleFlags() StateFlags {
	switch {
	case rc.IsObserver():
		return 0
	case rc.IsPrimary():
		return FlagPrimary
	default:
		return FlagBackup
	}
}

func changeViewOf(p *types.ConsensusPayload) *types.ChangeView {
	if p == nil {
		return nil
	}
	msg, err := p.Message()
	if err != nil {
		return nil
	}
	cv, _ := msg.(*types.ChangeView)
	return cv
}

//-----------------------------------------------------------------------------
// derived state

func (rc *RoundContext) N() int { return rc.Validators.Size() }
func (rc *RoundContext) F() int { return rc.Validators.F() }
func (rc *RoundContext) M() int { return rc.Validators.M() }

// PrimaryIndex is recomputed from the current height and view on every call.
func (rc *RoundContext) PrimaryIndex() int {
	return rc.PrimaryIndexFor(rc.ViewNumber)
}

func (rc *RoundContext) PrimaryIndexFor(view uint8) int {
	return rc.Validators.PrimaryIndex(rc.Height, view)
}

func (rc *RoundContext) IsObserver() bool {
	return rc.MyIndex < 0
}

func (rc *RoundContext) IsPrimary() bool {
	return rc.MyIndex >= 0 && rc.MyIndex == rc.PrimaryIndex()
}

func (rc *RoundContext) IsBackup() bool {
	return rc.MyIndex >= 0 && rc.MyIndex != rc.PrimaryIndex()
}

func (rc *RoundContext) Validator(i int) *types.Validator {
	if i < 0 || i >= rc.N() {
		return nil
	}
	return rc.Validators.Validators[i]
}

func (rc *RoundContext) RequestSentOrReceived() bool {
	return rc.Flags.Has(FlagRequestSent) || rc.Flags.Has(FlagRequestReceived)
}

func (rc *RoundContext) CommitSent() bool { return rc.Flags.Has(FlagCommitSent) }
func (rc *RoundContext) BlockSent() bool  { return rc.Flags.Has(FlagBlockSent) }

// TransactionsComplete is the gate between receiving a request and
// responding to it.
func (rc *RoundContext) TransactionsComplete() bool {
	return rc.TransactionHashes != nil && len(rc.Transactions) == len(rc.TransactionHashes)
}

func (rc *RoundContext) QuorumReachedForPrepare() bool {
	return rc.PreparationPayloads.Count() >= rc.M() && rc.TransactionsComplete()
}

func (rc *RoundContext) QuorumReachedForCommit() bool {
	return rc.CommitPayloads.Count() >= rc.M()
}

func (rc *RoundContext) CountCommitted() int {
	return rc.CommitPayloads.Count()
}

// FailureCount is the number of validators not heard from since before the
// previous height.
func (rc *RoundContext) FailureCount() int {
	failed := 0
	for i := 0; i < rc.N(); i++ {
		if rc.LastSeenMessage[i] < rc.Height-1 {
			failed++
		}
	}
	return failed
}

func (rc *RoundContext) MoreThanFNodesCommittedOrLost() bool {
	return rc.CountCommitted()+rc.FailureCount() > rc.F()
}

// NotAcceptingPayloadsDueToViewChanging holds while this node asked for a new
// view and enough of the committee may still follow it.
func (rc *RoundContext) NotAcceptingPayloadsDueToViewChanging() bool {
	return rc.Flags.Has(FlagViewChanging) && !rc.MoreThanFNodesCommittedOrLost()
}

// MarkSeen records that validator i was active at height.
func (rc *RoundContext) MarkSeen(i int, height uint32) {
	if i < 0 || i >= rc.N() {
		return
	}
	if height > rc.LastSeenMessage[i] {
		rc.LastSeenMessage[i] = height
	}
}

// CountExpectedViewAtLeast counts validators announcing view or higher.
func (rc *RoundContext) CountExpectedViewAtLeast(view uint8) int {
	c := 0
	for _, v := range rc.ExpectedView {
		if v >= view {
			c++
		}
	}
	return c
}

// FailedSet has a bit per validator considered lost.
func (rc *RoundContext) FailedSet() *bitset.BitSet {
	bs := bitset.New(uint(rc.N()))
	for i := 0; i < rc.N(); i++ {
		if rc.LastSeenMessage[i] < rc.Height-1 {
			bs.Set(uint(i))
		}
	}
	return bs
}

//-----------------------------------------------------------------------------
// proposal

// SetProposal records the primary's proposal. The transaction bodies are
// collected separately through AddTransaction.
func (rc *RoundContext) SetProposal(timestamp, nonce uint64, hashes []types.Hash) {
	rc.Timestamp = timestamp
	rc.Nonce = nonce
	rc.TransactionHashes = make([]types.Hash, len(hashes))
	copy(rc.TransactionHashes, hashes)
	rc.Transactions = make(map[types.Hash]types.Tx, len(hashes))
	rc.header = nil
}

// IsProposed reports whether hash belongs to the current proposal.
func (rc *RoundContext) IsProposed(hash types.Hash) bool {
	for _, h := range rc.TransactionHashes {
		if h == hash {
			return true
		}
	}
	return false
}

// AddTransaction stores tx if it is part of the proposal and not held yet.
func (rc *RoundContext) AddTransaction(tx types.Tx) bool {
	if rc.Transactions == nil {
		return false
	}
	h := tx.Hash()
	if _, ok := rc.Transactions[h]; ok || !rc.IsProposed(h) {
		return false
	}
	rc.Transactions[h] = tx
	return true
}

// MissingTransactions returns the proposed hashes without a body.
func (rc *RoundContext) MissingTransactions() []types.Hash {
	var missing []types.Hash
	for _, h := range rc.TransactionHashes {
		if _, ok := rc.Transactions[h]; !ok {
			missing = append(missing, h)
		}
	}
	return missing
}

// OrderedTransactions returns the bodies in proposal order. It must only be
// called once TransactionsComplete holds.
func (rc *RoundContext) OrderedTransactions() types.Txs {
	txs := make(types.Txs, len(rc.TransactionHashes))
	for i, h := range rc.TransactionHashes {
		txs[i] = rc.Transactions[h]
	}
	return txs
}

// EnsureHeader builds the header of the proposal, nil before a proposal is
// known.
func (rc *RoundContext) EnsureHeader() *types.Header {
	if rc.TransactionHashes == nil {
		return nil
	}
	if rc.header == nil {
		rc.header = &types.Header{
			Version:       types.BlockVersion,
			PrevHash:      rc.PrevHash,
			MerkleRoot:    types.MerkleRoot(rc.TransactionHashes),
			Timestamp:     rc.Timestamp,
			Nonce:         rc.Nonce,
			Index:         rc.Height,
			PrimaryIndex:  uint8(rc.PrimaryIndex()),
			NextConsensus: rc.NextConsensus,
		}
	}
	return rc.header
}

// CreateBlock assembles the block from the header, the first M commit
// signatures in index order, and the transactions.
func (rc *RoundContext) CreateBlock() (*types.Block, error) {
	header := rc.EnsureHeader()
	if header == nil {
		return nil, errors.New("no proposal")
	}
	if !rc.TransactionsComplete() {
		return nil, errors.New("transactions incomplete")
	}
	block := &types.Block{Header: *header, Txs: rc.OrderedTransactions()}
	rc.CommitPayloads.Iterate(func(i int, p *types.ConsensusPayload) bool {
		msg, err := p.Message()
		if err != nil {
			return false
		}
		commit, ok := msg.(*types.Commit)
		if !ok {
			return false
		}
		block.Witness = append(block.Witness, types.CommitSig{
			ValidatorIndex: uint16(i),
			Signature:      commit.Signature,
		})
		return len(block.Witness) >= rc.M()
	})
	if len(block.Witness) < rc.M() {
		return nil, fmt.Errorf("not enough commits: %d of %d", len(block.Witness), rc.M())
	}
	return block, nil
}

//-----------------------------------------------------------------------------
// read only views

// RoundStateSnapshot is a copy of the context for readers outside the
// consensus routine.
type RoundStateSnapshot struct {
	Height            uint32         `json:"height"`
	View              uint8          `json:"view"`
	Step              string         `json:"step"`
	Flags             string         `json:"flags"`
	MyIndex           int            `json:"my_index"`
	PrimaryIndex      int            `json:"primary_index"`
	Validators        int            `json:"validators"`
	TransactionHashes []types.Hash   `json:"transaction_hashes"`
	TransactionsHeld  int            `json:"transactions_held"`
	Prepared          string         `json:"prepared"`
	Committed         string         `json:"committed"`
	ExpectedView      []uint8        `json:"expected_view"`
	LastSeenMessage   map[int]uint32 `json:"last_seen_message"`
}

func (rc *RoundContext) Snapshot() RoundStateSnapshot {
	if rc.Validators == nil {
		return RoundStateSnapshot{MyIndex: rc.MyIndex, Step: RoundStepIdle.String()}
	}
	lastSeen := make(map[int]uint32, len(rc.LastSeenMessage))
	for k, v := range rc.LastSeenMessage {
		lastSeen[k] = v
	}
	hashes := make([]types.Hash, len(rc.TransactionHashes))
	copy(hashes, rc.TransactionHashes)
	ev := make([]uint8, len(rc.ExpectedView))
	copy(ev, rc.ExpectedView)
	return RoundStateSnapshot{
		Height:            rc.Height,
		View:              rc.ViewNumber,
		Step:              rc.Flags.Step().String(),
		Flags:             rc.Flags.String(),
		MyIndex:           rc.MyIndex,
		PrimaryIndex:      rc.PrimaryIndex(),
		Validators:        rc.N(),
		TransactionHashes: hashes,
		TransactionsHeld:  len(rc.Transactions),
		Prepared:          rc.PreparationPayloads.BitSet().String(),
		Committed:         rc.CommitPayloads.BitSet().String(),
		ExpectedView:      ev,
		LastSeenMessage:   lastSeen,
	}
}

func (rc *RoundContext) String() string {
	if rc.Validators == nil {
		return "RoundContext{}"
	}
	return fmt.Sprintf("RoundContext{%d/%d primary:%d me:%d %v prep:%d commit:%d}",
		rc.Height, rc.ViewNumber, rc.PrimaryIndex(), rc.MyIndex, rc.Flags,
		rc.PreparationPayloads.Count(), rc.CommitPayloads.Count())
}

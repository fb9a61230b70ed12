package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto"
	"pgregory.net/rapid"

	"dbft_demo/types"
)

type fakeChain struct {
	height uint32
	header *types.Header
	vals   *types.ValidatorSet
}

func (c *fakeChain) Height() uint32                      { return c.height }
func (c *fakeChain) CurrentHash() types.Hash             { return c.header.Hash() }
func (c *fakeChain) CurrentHeader() *types.Header        { return c.header }
func (c *fakeChain) NextValidators() *types.ValidatorSet { return c.vals }

func newFakeChain(n int) (*fakeChain, []types.PrivValidator) {
	vals, pvs := types.RandValidatorSet(n)
	return &fakeChain{
		height: 0,
		header: &types.Header{Timestamp: 1600000000000, NextConsensus: vals.Hash()},
		vals:   vals,
	}, pvs
}

func pubKey(t testing.TB, pv types.PrivValidator) crypto.PubKey {
	pk, err := pv.GetPubKey()
	require.NoError(t, err)
	return pk
}

func signedPayload(t testing.TB, rc *RoundContext, pv types.PrivValidator, index int, msg types.ConsensusMessage) *types.ConsensusPayload {
	p := types.NewConsensusPayload(rc.PrevHash, rc.Height, uint16(index), 0, msg)
	require.NoError(t, p.Sign(pv))
	return p
}

func TestResetDerivesCommittee(t *testing.T) {
	chain, pvs := newFakeChain(4)
	rc := NewRoundContext()
	require.NoError(t, rc.Reset(chain, pubKey(t, pvs[2])))

	assert.EqualValues(t, 1, rc.Height)
	assert.EqualValues(t, 0, rc.ViewNumber)
	assert.Equal(t, 2, rc.MyIndex)
	assert.Equal(t, 1, rc.F())
	assert.Equal(t, 3, rc.M())
	assert.Equal(t, 1, rc.PrimaryIndex())
	assert.True(t, rc.IsBackup())
	assert.False(t, rc.IsPrimary())
	assert.True(t, rc.Flags.Has(FlagBackup))
	assert.Equal(t, chain.header.Hash(), rc.PrevHash)
	assert.Equal(t, chain.header.Timestamp, rc.PrevTimestamp)
	assert.Equal(t, 0, rc.FailureCount())

	observer := NewRoundContext()
	require.NoError(t, observer.Reset(chain, nil))
	assert.True(t, observer.IsObserver())
	assert.Equal(t, StateFlags(0), observer.Flags)
}

func TestResetRejectsEmptyCommittee(t *testing.T) {
	chain := &fakeChain{header: &types.Header{}, vals: types.NewValidatorSet(nil)}
	rc := NewRoundContext()
	assert.ErrorIs(t, rc.Reset(chain, nil), ErrNoValidators)
}

func TestAdvanceView(t *testing.T) {
	chain, pvs := newFakeChain(4)
	rc := NewRoundContext()
	require.NoError(t, rc.Reset(chain, pubKey(t, pvs[0])))

	req := signedPayload(t, rc, pvs[1], 1, &types.PrepareRequest{Timestamp: 1})
	require.NoError(t, rc.PreparationPayloads.Add(1, req))
	rc.SetProposal(1, 2, []types.Hash{})
	rc.Flags.Set(FlagRequestReceived | FlagViewChanging)
	rc.ExpectedView[0] = 1
	rc.ExpectedView[3] = 1
	cv := signedPayload(t, rc, pvs[3], 3, &types.ChangeView{NewViewNumber: 1})
	rc.ChangeViewPayloads.Set(3, cv)

	require.True(t, rc.AdvanceView(1))
	assert.EqualValues(t, 1, rc.ViewNumber)
	assert.Equal(t, 0, rc.PrimaryIndex())
	assert.True(t, rc.IsPrimary())
	assert.Equal(t, FlagPrimary, rc.Flags)
	assert.Equal(t, 0, rc.PreparationPayloads.Count())
	assert.Nil(t, rc.TransactionHashes)
	assert.Equal(t, []uint8{1, 0, 0, 1}, rc.ExpectedView)
	assert.Equal(t, cv, rc.LastChangeViewPayloads.Get(3))

	// second application with the same target is a no-op
	rc.Flags.Set(FlagRequestSent)
	require.NoError(t, rc.PreparationPayloads.Add(0, req))
	assert.False(t, rc.AdvanceView(1))
	assert.True(t, rc.Flags.Has(FlagRequestSent))
	assert.Equal(t, 1, rc.PreparationPayloads.Count())
	assert.False(t, rc.AdvanceView(0))
}

func TestAdvanceViewIdempotentProperty(t *testing.T) {
	chain, pvs := newFakeChain(7)
	keys := make([]crypto.PubKey, len(pvs))
	for i, pv := range pvs {
		keys[i] = pubKey(t, pv)
	}
	rapid.Check(t, func(t *rapid.T) {
		rc := NewRoundContext()
		if err := rc.Reset(chain, keys[rapid.IntRange(0, 6).Draw(t, "me")]); err != nil {
			t.Fatal(err)
		}
		target := rapid.Uint8Range(1, 255).Draw(t, "target")
		if !rc.AdvanceView(target) {
			t.Fatalf("first advance to %d refused", target)
		}
		before := rc.Snapshot()
		if rc.AdvanceView(target) {
			t.Fatalf("second advance to %d applied", target)
		}
		after := rc.Snapshot()
		if before.View != after.View || before.Flags != after.Flags || before.PrimaryIndex != after.PrimaryIndex {
			t.Fatalf("state changed: %+v -> %+v", before, after)
		}
		if after.PrimaryIndex != types.PrimaryIndex(rc.Height, target, 7) {
			t.Fatalf("stale primary index %d", after.PrimaryIndex)
		}
	})
}

func TestQuorumGates(t *testing.T) {
	chain, pvs := newFakeChain(4)
	rc := NewRoundContext()
	require.NoError(t, rc.Reset(chain, pubKey(t, pvs[1])))

	tx1, tx2 := types.Tx("one"), types.Tx("two")
	rc.SetProposal(1600000000001, 1, []types.Hash{tx1.Hash(), tx2.Hash()})
	for i := 0; i < 3; i++ {
		require.NoError(t, rc.PreparationPayloads.Add(i, signedPayload(t, rc, pvs[i], i, &types.PrepareResponse{PreparationHash: types.Sum([]byte("x"))})))
	}
	assert.ErrorIs(t, rc.PreparationPayloads.Add(2, nil), ErrDuplicatePayload)
	assert.ErrorIs(t, rc.PreparationPayloads.Add(9, nil), ErrSlotOutOfRange)

	assert.False(t, rc.QuorumReachedForPrepare(), "transactions are missing")
	assert.True(t, rc.AddTransaction(tx1))
	assert.False(t, rc.AddTransaction(tx1))
	assert.False(t, rc.AddTransaction(types.Tx("other")))
	assert.Equal(t, []types.Hash{tx2.Hash()}, rc.MissingTransactions())
	assert.True(t, rc.AddTransaction(tx2))
	assert.True(t, rc.QuorumReachedForPrepare())

	assert.False(t, rc.QuorumReachedForCommit())
	for i := 0; i < 3; i++ {
		rc.CommitPayloads.Set(i, signedPayload(t, rc, pvs[i], i, &types.Commit{Signature: types.Signature{1}}))
	}
	assert.True(t, rc.QuorumReachedForCommit())

	block, err := rc.CreateBlock()
	require.NoError(t, err)
	assert.Len(t, block.Witness, 3)
	assert.Equal(t, types.Txs{tx1, tx2}, block.Txs)
	assert.NoError(t, block.ValidateBasic())
}

func TestFailureCount(t *testing.T) {
	chain, pvs := newFakeChain(4)
	rc := NewRoundContext()
	require.NoError(t, rc.Reset(chain, pubKey(t, pvs[0])))
	assert.Equal(t, 0, rc.FailureCount())

	chain.height = 5
	rc.MarkSeen(1, 6)
	require.NoError(t, rc.Reset(chain, pubKey(t, pvs[0])))
	// 0 is me, 1 was seen, 2 and 3 were last seen at height 0
	assert.Equal(t, 2, rc.FailureCount())
	assert.True(t, rc.MoreThanFNodesCommittedOrLost())

	rc.Flags.Set(FlagViewChanging)
	assert.False(t, rc.NotAcceptingPayloadsDueToViewChanging())
	assert.True(t, rc.FailedSet().Test(2))
}

func TestRecoveryMessageRebuildsPayloads(t *testing.T) {
	chain, pvs := newFakeChain(4)
	sender := NewRoundContext()
	require.NoError(t, sender.Reset(chain, pubKey(t, pvs[2])))

	tx := types.Tx("payload")
	req := &types.PrepareRequest{
		Timestamp: 1600000000001, Nonce: 3, NextConsensus: sender.NextConsensus,
		TransactionHashes: []types.Hash{tx.Hash()}, FirstTransaction: tx,
	}
	primary := sender.PrimaryIndex()
	reqPayload := signedPayload(t, sender, pvs[primary], primary, req)
	sender.PreparationPayloads.Set(primary, reqPayload)
	sender.SetProposal(req.Timestamp, req.Nonce, req.TransactionHashes)
	sender.AddTransaction(tx)
	for _, i := range []int{0, 2} {
		sender.PreparationPayloads.Set(i, signedPayload(t, sender, pvs[i], i, &types.PrepareResponse{PreparationHash: reqPayload.Hash()}))
	}
	header := sender.EnsureHeader()
	for _, i := range []int{0, 1, 2} {
		sig, err := pvs[i].SignBytes(header.SignBytes())
		require.NoError(t, err)
		sender.CommitPayloads.Set(i, signedPayload(t, sender, pvs[i], i, &types.Commit{Signature: sig}))
	}

	// commits stay private until this node committed
	assert.Empty(t, sender.MakeRecoveryMessage().CommitMessages)
	sender.Flags.Set(FlagCommitSent)
	msg := sender.MakeRecoveryMessage()
	require.NoError(t, msg.ValidateBasic())
	assert.NotNil(t, msg.PrepareRequestMessage)
	assert.Len(t, msg.PreparationMessages, 3)
	assert.Len(t, msg.CommitMessages, 3)

	decoded, err := types.DecodeMessage(types.EncodeMessage(msg))
	require.NoError(t, err)
	msg = decoded.(*types.RecoveryMessage)

	receiver := NewRoundContext()
	require.NoError(t, receiver.Reset(chain, pubKey(t, pvs[3])))

	rebuilt := receiver.PrepareRequestPayloadFrom(msg)
	require.NotNil(t, rebuilt)
	assert.Equal(t, reqPayload.Hash(), rebuilt.Hash())
	assert.True(t, rebuilt.Verify(receiver.Validator(primary)))

	for _, p := range receiver.PrepareResponsePayloadsFrom(msg) {
		assert.True(t, p.Verify(receiver.Validator(int(p.ValidatorIndex))), "response from %d", p.ValidatorIndex)
	}
	for _, p := range receiver.CommitPayloadsFrom(msg) {
		assert.True(t, p.Verify(receiver.Validator(int(p.ValidatorIndex))), "commit from %d", p.ValidatorIndex)
	}
}

func TestMarshalRoundRoundTrip(t *testing.T) {
	chain, pvs := newFakeChain(4)
	rc := NewRoundContext()
	require.NoError(t, rc.Reset(chain, pubKey(t, pvs[2])))
	require.True(t, rc.AdvanceView(1))

	tx := types.Tx("saved")
	req := &types.PrepareRequest{
		ViewNumber: 1, Timestamp: 1600000000001, Nonce: 3, NextConsensus: rc.NextConsensus,
		TransactionHashes: []types.Hash{tx.Hash()}, FirstTransaction: tx,
	}
	primary := rc.PrimaryIndex()
	reqPayload := signedPayload(t, rc, pvs[primary], primary, req)
	rc.PreparationPayloads.Set(primary, reqPayload)
	rc.SetProposal(req.Timestamp, req.Nonce, req.TransactionHashes)
	rc.AddTransaction(tx)
	rc.PreparationPayloads.Set(2, signedPayload(t, rc, pvs[2], 2, &types.PrepareResponse{ViewNumber: 1, PreparationHash: reqPayload.Hash()}))
	rc.CommitPayloads.Set(2, signedPayload(t, rc, pvs[2], 2, &types.Commit{ViewNumber: 1, Signature: types.Signature{9}}))

	bz, err := rc.MarshalRound()
	require.NoError(t, err)

	restored := NewRoundContext()
	require.NoError(t, restored.Reset(chain, pubKey(t, pvs[2])))
	require.NoError(t, restored.UnmarshalRound(bz))

	assert.EqualValues(t, 1, restored.ViewNumber)
	assert.True(t, restored.Flags.Has(FlagRequestReceived))
	assert.True(t, restored.Flags.Has(FlagResponseSent))
	assert.True(t, restored.Flags.Has(FlagCommitSent))
	assert.True(t, restored.TransactionsComplete())
	assert.Equal(t, rc.EnsureHeader().Hash(), restored.EnsureHeader().Hash())
	assert.Equal(t, reqPayload.Hash(), restored.PreparationPayloads.Get(primary).Hash())

	chain.height = 1
	chain.header = &types.Header{Index: 1, Timestamp: 1600000000002}
	next := NewRoundContext()
	require.NoError(t, next.Reset(chain, pubKey(t, pvs[2])))
	assert.ErrorIs(t, next.UnmarshalRound(bz), ErrStaleRoundState)
}

func TestStateFlags(t *testing.T) {
	var f StateFlags
	assert.Equal(t, "Initial", f.String())
	assert.Equal(t, RoundStepIdle, f.Step())
	f.Set(FlagBackup | FlagRequestReceived)
	assert.Equal(t, RoundStepRequest, f.Step())
	f.Set(FlagCommitSent)
	assert.Equal(t, "Backup|RequestReceived|CommitSent", f.String())
	f.Clear(FlagCommitSent)
	assert.False(t, f.Has(FlagCommitSent))
	f.Set(FlagBlockSent)
	assert.Equal(t, RoundStepFinalized, f.Step())
}

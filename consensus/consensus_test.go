package consensus

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "dbft_demo/config"
	"dbft_demo/types"
)

type cleanup func()

// startNetwork runs n consensus states connected through an in-memory hub.
func startNetwork(t *testing.T, n int, txs types.Txs) (*hub, []*ConsensusState, []*fakeLedger, cleanup) {
	vals, pvs := newTestCommittee(n)
	h := newHub()
	states := make([]*ConsensusState, n)
	ledgers := make([]*fakeLedger, n)
	for i := 0; i < n; i++ {
		ledgers[i] = newFakeLedger(vals)
		cs := NewConsensusState(cfg.TestConsensusConfig(), ledgers[i], newMemTxPool(txs...), SetPrivValidator(pvs[i]))
		cs.SetBroadcaster(h.join(i, cs))
		cs.SetLogger(consensusLogger().With("validator", i))
		ledgers[i].onPersist = cs.OnBlockPersisted
		states[i] = cs
	}
	for _, cs := range states {
		require.NoError(t, cs.Start())
	}
	return h, states, ledgers, func() {
		for _, cs := range states {
			cs.Stop() //nolint:errcheck
		}
	}
}

func requireSameChain(t *testing.T, ledgers []*fakeLedger, height uint32) {
	t.Helper()
	for h := uint32(1); h <= height; h++ {
		want := ledgers[0].LoadBlock(h)
		require.NotNil(t, want)
		require.NoError(t, want.VerifyWitness(ledgers[0].NextValidators()))
		for i, l := range ledgers[1:] {
			got := l.LoadBlock(h)
			require.NotNil(t, got, "node %d height %d", i+1, h)
			assert.Equal(t, want.Hash(), got.Hash(), "node %d height %d", i+1, h)
		}
	}
}

func TestConsensusStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	vals, pvs := newTestCommittee(4)
	cs := NewConsensusState(cfg.TestConsensusConfig(), newFakeLedger(vals), newMemTxPool(), SetPrivValidator(pvs[0]))
	cs.SetLogger(consensusLogger())
	require.NoError(t, cs.Start())

	snapshot := cs.GetRoundState()
	assert.EqualValues(t, 1, snapshot.Height)
	assert.Equal(t, 0, snapshot.MyIndex)
	assert.Contains(t, cs.MetricItem().JSONString(), `"height":1`)

	require.NoError(t, cs.Stop())
	// queues refuse input once stopped instead of blocking
	cs.ReceivePayload(&types.ConsensusPayload{}, "")
	cs.OnBlockPersisted(&types.Block{})
}

func TestNetworkProducesBlocks(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	_, _, ledgers, stop := startNetwork(t, 4, makeTxs(10))
	defer stop()

	require.NoError(t, waitForHeight(ledgers, 3, 15*time.Second))
	requireSameChain(t, ledgers, 3)

	// every transaction lands exactly once
	seen := make(map[types.Hash]int)
	for h := uint32(1); h <= ledgers[0].Height(); h++ {
		for _, tx := range ledgers[0].LoadBlock(h).Txs {
			seen[tx.Hash()]++
		}
	}
	for h, c := range seen {
		assert.Equal(t, 1, c, "tx %v", h)
	}
}

func TestNetworkSurvivesSilentPrimary(t *testing.T) {
	h, states, ledgers, stop := startNetwork(t, 4, nil)
	defer stop()

	// validator 1 proposes the first block
	h.setDown(1, true)

	live := []*fakeLedger{ledgers[0], ledgers[2], ledgers[3]}
	require.NoError(t, waitForHeight(live, 1, 15*time.Second))
	requireSameChain(t, live, 1)
	assert.NotEqualValues(t, 1, live[0].LoadBlock(1).PrimaryIndex)
	assert.EqualValues(t, 0, ledgers[1].Height())

	h.setDown(1, false)
	require.NoError(t, waitForHeight(ledgers, 2, 15*time.Second))
	requireSameChain(t, ledgers, 2)
	assert.True(t, states[1].IsRunning())
}

func TestNetworkObserverFollows(t *testing.T) {
	h, states, ledgers, stop := startNetwork(t, 4, makeTxs(3))
	defer stop()

	ledger := newFakeLedger(ledgers[0].NextValidators())
	observer := NewConsensusState(cfg.TestConsensusConfig(), ledger, newMemTxPool(makeTxs(3)...))
	observer.SetBroadcaster(h.join(99, observer))
	observer.SetLogger(consensusLogger().With("validator", 99))
	ledger.onPersist = observer.OnBlockPersisted
	require.NoError(t, observer.Start())
	defer observer.Stop() //nolint:errcheck

	require.NoError(t, waitForHeight([]*fakeLedger{ledger}, 2, 15*time.Second))
	assert.Equal(t, ledgers[0].LoadBlock(2).Hash(), ledger.LoadBlock(2).Hash())
	assert.Equal(t, -1, observer.GetRoundState().MyIndex)
	assert.Len(t, states, 4)
}

package consensus

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmcfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/mock"

	cfg "dbft_demo/config"
	"dbft_demo/types"
)

// connect N consensus reactors through N switches
func makeAndConnectReactors(t *testing.T, config *cfg.Config, n int) ([]*Reactor, []*fakeLedger, []*p2p.Switch) {
	vals, pvs := newTestCommittee(n)
	reactors := make([]*Reactor, n)
	ledgers := make([]*fakeLedger, n)
	for i := 0; i < n; i++ {
		ledgers[i] = newFakeLedger(vals)
		cs := NewConsensusState(config.Consensus, ledgers[i], newMemTxPool(makeTxs(4)...), SetPrivValidator(pvs[i]))
		cs.SetLogger(consensusLogger().With("validator", i))
		ledgers[i].onPersist = cs.OnBlockPersisted

		reactors[i] = NewReactor(cs, WithBlockLoader(ledgers[i]))
		reactors[i].SetLogger(log.TestingLogger().With("validator", i))
	}

	switches := p2p.MakeConnectedSwitches(config.P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("CONSENSUS", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors, ledgers, switches
}

func TestReactorReachesAgreement(t *testing.T) {
	config := cfg.ResetTestRoot("consensus_reactor_test")
	defer cfg.RemoveTestRoot(config)

	reactors, ledgers, switches := makeAndConnectReactors(t, config, 4)
	defer func() {
		for _, sw := range switches {
			sw.Stop() //nolint:errcheck
		}
	}()

	require.NoError(t, waitForHeight(ledgers, 2, 20*time.Second))
	requireSameChain(t, ledgers, 2)
	for _, r := range reactors {
		require.True(t, r.consensus.IsRunning())
	}
}

func TestReactorDropsGarbage(t *testing.T) {
	config := cfg.ResetTestRoot("consensus_reactor_test")
	defer cfg.RemoveTestRoot(config)

	_, _, switches := makeAndConnectReactors(t, config, 2)
	defer func() {
		for _, sw := range switches {
			sw.Stop() //nolint:errcheck
		}
	}()

	peers := switches[0].Peers().List()
	require.Len(t, peers, 1)
	peers[0].Send(ConsensusChannel, []byte{0xde, 0xad})
	peers[0].Send(BlockChannel, []byte{0xbe, 0xef})

	// 丢弃即可，不断开连接
	assert.Never(t, func() bool {
		return switches[1].Peers().Size() == 0
	}, time.Second, 50*time.Millisecond)
}

func TestReactorRelaysBlockToLaggingPeer(t *testing.T) {
	vals, _ := newTestCommittee(4)
	ledger := newFakeLedger(vals)
	cs := NewConsensusState(cfg.TestConsensusConfig(), ledger, newMemTxPool())
	conR := NewReactor(cs, WithBlockLoader(ledger))
	conR.SetLogger(log.TestingLogger())

	block := &types.Block{Header: types.Header{Index: 1, PrevHash: ledger.CurrentHash()}}
	require.NoError(t, ledger.PersistAndRelay(block))

	peer := newRecordingPeer()
	conR.relayBlockIfBehind(peer, 1)
	conR.relayBlockIfBehind(peer, 1)
	conR.relayBlockIfBehind(peer, 2)
	sent := peer.trySent(BlockChannel)
	require.Len(t, sent, 1)

	relayed := new(types.Block)
	require.NoError(t, relayed.UnmarshalBinary(sent[0]))
	require.Equal(t, block.Hash(), relayed.Hash())
}

// newRoutingReactor attaches a reactor with an unstarted switch to a
// started validator 0.
func newRoutingReactor(t *testing.T) (*Reactor, *testNode, []types.PrivValidator) {
	vals, pvs := newTestCommittee(4)
	node := newTestNode(t, 0, vals, pvs[0])
	node.start()

	conR := NewReactor(node.cs)
	conR.SetLogger(log.TestingLogger())
	conR.SetSwitch(p2p.NewSwitch(tmcfg.DefaultP2PConfig(), nil))
	return conR, node, pvs
}

func addPeers(t *testing.T, conR *Reactor, peers ...*recordingPeer) {
	for _, peer := range peers {
		require.NoError(t, conR.Switch.Peers().(*p2p.PeerSet).Add(peer))
	}
}

func deliverFrom(n *testNode, p *types.ConsensusPayload, from p2p.ID) bool {
	n.cs.mtx.Lock()
	defer n.cs.mtx.Unlock()
	return n.cs.onConsensusPayload(p, from)
}

func TestReactorRoutesOnlyVerifiedSenders(t *testing.T) {
	conR, node, pvs := newRoutingReactor(t)
	honest, attacker := newRecordingPeer(), newRecordingPeer()
	addPeers(t, conR, honest, attacker)

	rc := node.cs.rc
	msg := &types.PrepareResponse{ViewNumber: rc.ViewNumber}
	signed := signPayload(t, rc, pvs[1], 1, msg)
	require.True(t, deliverFrom(node, signed, honest.ID()))

	// 未签名或由其他验证者签名的payload不能改写路由
	unsigned := types.NewConsensusPayload(rc.PrevHash, rc.Height, 1, signed.Timestamp+1, msg)
	assert.False(t, deliverFrom(node, unsigned, attacker.ID()))
	forged := signPayload(t, rc, pvs[3], 1, msg)
	assert.False(t, deliverFrom(node, forged, attacker.ID()))

	conR.SendTo(1, signed)
	assert.Len(t, honest.trySent(ConsensusChannel), 1)
	assert.Empty(t, attacker.trySent(ConsensusChannel))
	assert.Empty(t, attacker.blockingSent(ConsensusChannel))
}

func TestReactorRecoveryPayloadsDoNotRoute(t *testing.T) {
	conR, node, pvs := newRoutingReactor(t)
	rc := node.cs.rc
	signed := signPayload(t, rc, pvs[2], 2, &types.PrepareResponse{ViewNumber: rc.ViewNumber})
	deliverFrom(node, signed, "")

	assert.Nil(t, conR.routedPeer(2))
	assert.False(t, conR.validatorPeers.Has("2"))
}

func TestReactorSendToFallsBackWhenQueueFull(t *testing.T) {
	conR, node, pvs := newRoutingReactor(t)
	routed, other := newRecordingPeer(), newRecordingPeer()
	routed.full = true
	addPeers(t, conR, routed, other)

	rc := node.cs.rc
	signed := signPayload(t, rc, pvs[1], 1, &types.PrepareResponse{ViewNumber: rc.ViewNumber})
	require.True(t, deliverFrom(node, signed, routed.ID()))

	conR.SendTo(1, signed)
	assert.Empty(t, routed.trySent(ConsensusChannel))
	require.Eventually(t, func() bool {
		return len(routed.blockingSent(ConsensusChannel)) == 1 &&
			len(other.blockingSent(ConsensusChannel)) == 1
	}, time.Second, 10*time.Millisecond)
}

// recordingPeer captures what the reactor sends, per channel.
type recordingPeer struct {
	*mock.Peer
	full bool // TrySend reports a full send queue

	mtx      sync.Mutex
	sent     map[byte][][]byte
	blocking map[byte][][]byte
}

func newRecordingPeer() *recordingPeer {
	return &recordingPeer{
		Peer:     mock.NewPeer(net.IP{127, 0, 0, 1}),
		sent:     make(map[byte][][]byte),
		blocking: make(map[byte][][]byte),
	}
}

func (p *recordingPeer) TrySend(chID byte, msgBytes []byte) bool {
	if p.full {
		return false
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.sent[chID] = append(p.sent[chID], msgBytes)
	return true
}

func (p *recordingPeer) Send(chID byte, msgBytes []byte) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.blocking[chID] = append(p.blocking[chID], msgBytes)
	return true
}

func (p *recordingPeer) trySent(chID byte) [][]byte {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.sent[chID]
}

func (p *recordingPeer) blockingSent(chID byte) [][]byte {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.blocking[chID]
}

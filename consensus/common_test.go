package consensus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log/term"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dbft_demo/config"
	"dbft_demo/types"
)

var genesisTime = time.Unix(1600000000, 0)

func consensusLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "validator" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	}).With("module", "consensus")
}

//-----------------------------------------------------------------------------
// fakeLedger

type fakeLedger struct {
	mtx    sync.Mutex
	vals   *types.ValidatorSet
	blocks []*types.Block
	txs    map[types.Hash]struct{}

	// onPersist is called on its own goroutine once a block is stored
	onPersist func(*types.Block)
	// failNext drops the next block as if the store failed
	failNext bool
}

func newFakeLedger(vals *types.ValidatorSet) *fakeLedger {
	return &fakeLedger{
		vals:   vals,
		blocks: []*types.Block{types.MakeGenesisBlock(genesisTime, vals)},
		txs:    make(map[types.Hash]struct{}),
	}
}

func (l *fakeLedger) Height() uint32 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return uint32(len(l.blocks) - 1)
}

func (l *fakeLedger) CurrentHash() types.Hash {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.blocks[len(l.blocks)-1].Hash()
}

func (l *fakeLedger) CurrentHeader() *types.Header {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	h := l.blocks[len(l.blocks)-1].Header
	return &h
}

func (l *fakeLedger) NextValidators() *types.ValidatorSet { return l.vals }

func (l *fakeLedger) ContainsTransaction(hash types.Hash) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	_, ok := l.txs[hash]
	return ok
}

func (l *fakeLedger) PersistAndRelay(block *types.Block) error {
	l.mtx.Lock()
	if int(block.Index) != len(l.blocks) {
		l.mtx.Unlock()
		return fmt.Errorf("unexpected block %d at height %d", block.Index, len(l.blocks)-1)
	}
	if l.failNext {
		l.failNext = false
		l.mtx.Unlock()
		return nil
	}
	l.blocks = append(l.blocks, block)
	for _, tx := range block.Txs {
		l.txs[tx.Hash()] = struct{}{}
	}
	cb := l.onPersist
	l.mtx.Unlock()

	if cb != nil {
		go cb(block)
	}
	return nil
}

func (l *fakeLedger) LoadBlock(height uint32) *types.Block {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if int(height) >= len(l.blocks) {
		return nil
	}
	return l.blocks[height]
}

//-----------------------------------------------------------------------------
// memTxPool

type memTxPool struct {
	mtx   sync.Mutex
	order types.Txs
	txs   map[types.Hash]types.Tx
}

func newMemTxPool(txs ...types.Tx) *memTxPool {
	pool := &memTxPool{txs: make(map[types.Hash]types.Tx)}
	for _, tx := range txs {
		pool.add(tx)
	}
	return pool
}

func (p *memTxPool) add(tx types.Tx) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, ok := p.txs[tx.Hash()]; ok {
		return
	}
	p.txs[tx.Hash()] = tx
	p.order = append(p.order, tx)
}

func (p *memTxPool) GetTx(hash types.Hash) (types.Tx, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	tx, ok := p.txs[hash]
	return tx, ok
}

func (p *memTxPool) ReapMaxTxs(max int) types.Txs {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if max < 0 || max > len(p.order) {
		max = len(p.order)
	}
	return append(types.Txs(nil), p.order[:max]...)
}

type recordingFetcher struct {
	requested []types.Hash
}

func (f *recordingFetcher) RequestTxs(hashes []types.Hash) {
	f.requested = append(f.requested, hashes...)
}

// rejectValidator refuses a single transaction by policy
type rejectValidator struct {
	bad types.Hash
}

func (v rejectValidator) ValidateTx(tx types.Tx) error {
	if tx.Hash() == v.bad {
		return fmt.Errorf("%w: blacklisted", types.ErrTxRejectedByPolicy)
	}
	return nil
}

//-----------------------------------------------------------------------------
// recordingBroadcaster

type sentPayload struct {
	to      int // -1 for a broadcast
	payload *types.ConsensusPayload
}

type recordingBroadcaster struct {
	mtx     sync.Mutex
	pending []sentPayload
	history []sentPayload
}

func (b *recordingBroadcaster) Broadcast(p *types.ConsensusPayload) {
	b.record(-1, p)
}

func (b *recordingBroadcaster) SendTo(i int, p *types.ConsensusPayload) {
	b.record(i, p)
}

func (b *recordingBroadcaster) record(to int, p *types.ConsensusPayload) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	sp := sentPayload{to: to, payload: p}
	b.pending = append(b.pending, sp)
	b.history = append(b.history, sp)
}

func (b *recordingBroadcaster) take() []sentPayload {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// sent returns every payload of type t sent so far.
func (b *recordingBroadcaster) sent(t types.MessageType) []*types.ConsensusPayload {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	var out []*types.ConsensusPayload
	for _, sp := range b.history {
		msg, err := sp.payload.Message()
		if err == nil && msg.Type() == t {
			out = append(out, sp.payload)
		}
	}
	return out
}

//-----------------------------------------------------------------------------
// testNode drives a ConsensusState synchronously, without its routines.

type testNode struct {
	index  int
	cs     *ConsensusState
	ledger *fakeLedger
	pool   *memTxPool
	bc     *recordingBroadcaster
}

func newTestCommittee(n int) (*types.ValidatorSet, []types.PrivValidator) {
	return types.RandValidatorSet(n)
}

func newTestNode(t *testing.T, index int, vals *types.ValidatorSet, pv types.PrivValidator, options ...ConsensusOption) *testNode {
	t.Helper()
	node := &testNode{
		index:  index,
		ledger: newFakeLedger(vals),
		pool:   newMemTxPool(),
		bc:     &recordingBroadcaster{},
	}
	opts := append([]ConsensusOption{SetPrivValidator(pv), SetBroadcaster(node.bc)}, options...)
	node.cs = NewConsensusState(cfg.TestConsensusConfig(), node.ledger, node.pool, opts...)
	node.cs.SetLogger(consensusLogger().With("validator", index))
	return node
}

func newTestNodes(t *testing.T, n int, options ...ConsensusOption) ([]*testNode, []types.PrivValidator) {
	vals, pvs := newTestCommittee(n)
	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = newTestNode(t, i, vals, pvs[i], options...)
	}
	return nodes, pvs
}

func (n *testNode) start() {
	n.cs.mtx.Lock()
	defer n.cs.mtx.Unlock()
	n.cs.startConsensus()
}

// deliver runs p through the wire codec and the payload handler.
func (n *testNode) deliver(t *testing.T, p *types.ConsensusPayload) bool {
	t.Helper()
	bz, err := p.MarshalBinary()
	require.NoError(t, err)
	decoded, err := types.DecodePayload(bz)
	require.NoError(t, err)

	n.cs.mtx.Lock()
	defer n.cs.mtx.Unlock()
	return n.cs.onConsensusPayload(decoded, "")
}

// fireTimeout delivers the last armed timer stamp.
func (n *testNode) fireTimeout() {
	ti := n.cs.ticker.(*timeoutTicker).lastScheduled()
	n.cs.handleTimeout(ti)
}

func (n *testNode) lastTimeout() timeoutInfo {
	return n.cs.ticker.(*timeoutTicker).lastScheduled()
}

// pump delivers pending payloads between live nodes until the network is
// quiet. Payloads addressed to or sent by a nil node are dropped.
func pump(t *testing.T, nodes []*testNode) {
	t.Helper()
	for round := 0; round < 100; round++ {
		quiet := true
		for _, from := range nodes {
			if from == nil {
				continue
			}
			for _, sp := range from.bc.take() {
				quiet = false
				for _, to := range nodes {
					if to == nil || to == from {
						continue
					}
					if sp.to >= 0 && sp.to != to.index {
						continue
					}
					to.deliver(t, sp.payload)
				}
			}
		}
		if quiet {
			return
		}
	}
	t.Fatal("network did not settle")
}

func makeTxs(n int) types.Txs {
	txs := make(types.Txs, n)
	for i := range txs {
		txs[i] = types.Tx(fmt.Sprintf("tx=%d", i))
	}
	return txs
}

//-----------------------------------------------------------------------------
// hub wires running consensus states together in memory.

type hub struct {
	mtx   sync.RWMutex
	nodes map[int]*ConsensusState
	down  map[int]bool
}

func newHub() *hub {
	return &hub{nodes: make(map[int]*ConsensusState), down: make(map[int]bool)}
}

func (h *hub) join(index int, cs *ConsensusState) Broadcaster {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.nodes[index] = cs
	return &hubPort{hub: h, index: index}
}

func (h *hub) setDown(index int, down bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.down[index] = down
}

type hubPort struct {
	hub   *hub
	index int
}

func (p *hubPort) Broadcast(payload *types.ConsensusPayload) {
	p.send(-1, payload)
}

func (p *hubPort) SendTo(i int, payload *types.ConsensusPayload) {
	p.send(i, payload)
}

func (p *hubPort) send(to int, payload *types.ConsensusPayload) {
	bz, err := payload.MarshalBinary()
	if err != nil {
		panic(err)
	}
	p.hub.mtx.RLock()
	defer p.hub.mtx.RUnlock()
	if p.hub.down[p.index] {
		return
	}
	for i, cs := range p.hub.nodes {
		if i == p.index || p.hub.down[i] || (to >= 0 && i != to) {
			continue
		}
		decoded, err := types.DecodePayload(bz)
		if err != nil {
			panic(err)
		}
		// the receiver may be sending too, never block its routine
		go cs.ReceivePayload(decoded, "")
	}
}

var errNotReached = errors.New("height not reached")

func waitForHeight(ledgers []*fakeLedger, height uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		reached := true
		for _, l := range ledgers {
			if l.Height() < height {
				reached = false
				break
			}
		}
		if reached {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return errNotReached
}

package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"
	dbm "github.com/tendermint/tm-db"

	cfg "dbft_demo/config"
	cstypes "dbft_demo/consensus/types"
	"dbft_demo/libs/metric"
	"dbft_demo/types"
)

// 共识状态机对外广播的事件
const (
	EventNewHeight      = "NewHeight"
	EventViewChanged    = "ViewChanged"
	EventBlockFinalized = "BlockFinalized"
	EventBlockPersisted = "BlockPersisted"
)

// timers never back off further than TimePerBlock << maxBackoffExp
const maxBackoffExp = 16

// dBFT共识状态机
// 所有的状态变更都在receiveRoutine中串行执行，RoundContext只在这个协程内修改
type ConsensusState struct {
	service.BaseService

	config *cfg.ConsensusConfig

	// 外部依赖
	ledger      Ledger
	txResolver  TxResolver
	txFetcher   TxFetcher
	txValidator TxValidator
	broadcaster Broadcaster
	privVal     types.PrivValidator
	pubKey      crypto.PubKey
	recoveryLog *recoveryLog

	// mtx guards rc against readers outside the receive routine
	mtx sync.RWMutex
	rc  *cstypes.RoundContext

	// 当前高度的致命错误，非nil时不再处理该高度的消息
	roundErr error

	knownHashes       map[types.Hash]struct{}
	blockReceivedTime time.Time
	isRecovering      bool

	// 定时器状态
	ticker       TimeoutTicker
	timerStarted time.Time
	timerDelay   time.Duration
	timerSeq     uint64

	// 通信管道，按优先级：internal > timeout > peer > tx
	internalMsgQueue chan blockInfo
	peerMsgQueue     chan msgInfo
	txQueue          chan types.Tx
	eventSwitch      events.EventSwitch

	metric *consensusMetric
	now    func() time.Time
}

type ConsensusOption func(*ConsensusState)

func NewConsensusState(
	config *cfg.ConsensusConfig,
	ledger Ledger,
	txResolver TxResolver,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:           config,
		ledger:           ledger,
		txResolver:       txResolver,
		txFetcher:        nopFetcher{},
		txValidator:      acceptAllValidator{},
		broadcaster:      nopBroadcaster{},
		rc:               cstypes.NewRoundContext(),
		knownHashes:      make(map[types.Hash]struct{}),
		ticker:           NewTimeoutTicker(),
		internalMsgQueue: make(chan blockInfo, 16),
		peerMsgQueue:     make(chan msgInfo, config.PeerQueueSize),
		txQueue:          make(chan types.Tx, config.TxQueueSize),
		eventSwitch:      events.NewEventSwitch(),
		metric:           newConsensusMetric(),
		now:              tmtime.Now,
	}
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.BaseService.SetLogger(logger)
	cs.ticker.SetLogger(logger.With("module", "ticker"))
	cs.eventSwitch.SetLogger(logger.With("module", "events"))
}

// SetPrivValidator 设置签名身份，nil表示观察者节点
func SetPrivValidator(pv types.PrivValidator) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.privVal = pv
		cs.pubKey = nil
		if pv == nil {
			return
		}
		if pub, err := pv.GetPubKey(); err == nil {
			cs.pubKey = pub
		}
	}
}

func SetBroadcaster(b Broadcaster) ConsensusOption {
	return func(cs *ConsensusState) { cs.broadcaster = b }
}

func SetTxFetcher(f TxFetcher) ConsensusOption {
	return func(cs *ConsensusState) { cs.txFetcher = f }
}

func SetTxValidator(v TxValidator) ConsensusOption {
	return func(cs *ConsensusState) { cs.txValidator = v }
}

// SetRecoveryDB enables the recovery log in db.
func SetRecoveryDB(db dbm.DB) ConsensusOption {
	return func(cs *ConsensusState) { cs.recoveryLog = newRecoveryLog(db) }
}

func SetTimeoutTicker(t TimeoutTicker) ConsensusOption {
	return func(cs *ConsensusState) { cs.ticker = t }
}

// SetBroadcaster replaces the broadcaster after construction. The reactor is
// created after the consensus state and registers itself here.
func (cs *ConsensusState) SetBroadcaster(b Broadcaster) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.broadcaster = b
}

func (cs *ConsensusState) SetTxFetcher(f TxFetcher) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.txFetcher = f
}

func (cs *ConsensusState) EventSwitch() events.EventSwitch {
	return cs.eventSwitch
}

func (cs *ConsensusState) MetricItem() metric.MetricItem {
	return cs.metric
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.ticker.Start(); err != nil {
		return err
	}

	cs.mtx.Lock()
	cs.startConsensus()
	cs.mtx.Unlock()

	go cs.receiveRoutine()
	cs.Logger.Info("consensus receive routine started.")
	return nil
}

func (cs *ConsensusState) OnStop() {
	if err := cs.ticker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop timeoutTicker", "error", err)
	}
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	cs.Logger.Info("consensus server stopped.")
}

// GetRoundState returns a copy of the live round.
func (cs *ConsensusState) GetRoundState() cstypes.RoundStateSnapshot {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.rc.Snapshot()
}

//-----------------------------------------------------------------------------
// 外部输入

// ReceivePayload queues a payload from the network. It blocks while the
// queue is full.
func (cs *ConsensusState) ReceivePayload(payload *types.ConsensusPayload, peerID p2p.ID) {
	select {
	case cs.peerMsgQueue <- msgInfo{Payload: payload, PeerID: peerID}:
	case <-cs.Quit():
	}
}

// ReceiveTx notifies the engine that tx entered the pool. Transactions are
// best effort: they are dropped when the queue is full.
func (cs *ConsensusState) ReceiveTx(tx types.Tx) {
	select {
	case cs.txQueue <- tx:
	default:
		cs.Logger.Debug("tx queue is full, dropping tx", "hash", tx.Hash())
	}
}

// ReceiveBlock queues a finalised block relayed by a peer.
func (cs *ConsensusState) ReceiveBlock(block *types.Block) {
	cs.sendInternalMessage(blockInfo{Block: block})
}

// OnBlockPersisted is called by the ledger once block is stored.
func (cs *ConsensusState) OnBlockPersisted(block *types.Block) {
	cs.sendInternalMessage(blockInfo{Block: block, Persisted: true})
}

// OnPersistFailed is called by the ledger when block could not be stored.
func (cs *ConsensusState) OnPersistFailed(block *types.Block, err error) {
	cs.sendInternalMessage(blockInfo{Block: block, Err: err})
}

func (cs *ConsensusState) sendInternalMessage(bi blockInfo) {
	select {
	case cs.internalMsgQueue <- bi:
	case <-cs.Quit():
	}
}

//-----------------------------------------------------------------------------
// receiveRoutine

// receiveRoutine负责接收所有的消息，按优先级串行处理
func (cs *ConsensusState) receiveRoutine() {
	cs.Logger.Debug("consensus receive routine starts.")
	for {
		// internal and timer events first
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit.")
			return
		case bi := <-cs.internalMsgQueue:
			cs.handleBlock(bi)
			continue
		case ti := <-cs.ticker.Chan():
			cs.handleTimeout(ti)
			continue
		default:
		}

		// then consensus payloads
		select {
		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)
			continue
		default:
		}

		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit.")
			return
		case bi := <-cs.internalMsgQueue:
			cs.handleBlock(bi)
		case ti := <-cs.ticker.Chan():
			cs.handleTimeout(ti)
		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)
		case tx := <-cs.txQueue:
			cs.handleTx(tx)
		}
	}
}

func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if cs.onConsensusPayload(mi.Payload, mi.PeerID) {
		cs.metric.MarkAccepted()
	} else {
		cs.metric.MarkDropped()
	}
}

func (cs *ConsensusState) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if ti.Seq != cs.timerSeq || ti.Height != cs.rc.Height || ti.View != cs.rc.ViewNumber {
		cs.Logger.Debug("Ignoring stale timeout", "timeout", ti, "height", cs.rc.Height, "view", cs.rc.ViewNumber)
		return
	}
	cs.onTimeout()
}

func (cs *ConsensusState) handleTx(tx types.Tx) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.onTransaction(tx)
}

func (cs *ConsensusState) handleBlock(bi blockInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	switch {
	case bi.Err != nil:
		cs.onPersistFailed(bi.Block, bi.Err)
	case bi.Persisted:
		cs.onBlockPersisted(bi.Block)
	default:
		cs.onRelayedBlock(bi.Block)
	}
}

//-----------------------------------------------------------------------------
// round lifecycle

// startConsensus resumes a saved round or starts the next height, then asks
// peers for their view of it.
func (cs *ConsensusState) startConsensus() {
	if cs.recoveryLog != nil && !cs.config.IgnoreRecoveryLogs && cs.restoreRound() {
		return
	}
	cs.initializeConsensus(0)
	if cs.roundErr == nil && !cs.rc.IsObserver() {
		cs.requestRecovery()
	}
}

// initializeConsensus starts view 0 of a new height from the ledger, or
// moves the current height to view.
func (cs *ConsensusState) initializeConsensus(view uint8) {
	rc := cs.rc
	if view == 0 {
		if err := rc.Reset(cs.ledger, cs.pubKey); err != nil {
			cs.roundErr = errors.Wrapf(err, "cannot start height %d", cs.ledger.Height()+1)
			cs.Logger.Error("Consensus halted for this height", "err", cs.roundErr)
			return
		}
		cs.roundErr = nil
		cs.knownHashes = make(map[types.Hash]struct{})
		cs.eventSwitch.FireEvent(EventNewHeight, rc.Height)
	} else {
		if !rc.AdvanceView(view) {
			return
		}
		if !rc.IsObserver() && rc.ExpectedView[rc.MyIndex] > rc.ViewNumber {
			rc.Flags.Set(cstypes.FlagViewChanging)
		}
		cs.metric.MarkViewChange()
		cs.eventSwitch.FireEvent(EventViewChanged, view)
	}

	cs.Logger.Info("Initialize round", "height", rc.Height, "view", rc.ViewNumber,
		"index", rc.MyIndex, "role", cs.role())
	cs.metric.MarkRound(rc.Height, rc.ViewNumber, rc.Flags.Step().String(), rc.IsPrimary())

	if rc.IsObserver() {
		return
	}
	if rc.IsPrimary() && !cs.isRecovering {
		span := cs.now().Sub(cs.blockReceivedTime)
		if span >= cs.config.TimePerBlock {
			cs.changeTimer(0)
		} else {
			cs.changeTimer(cs.config.TimePerBlock - span)
		}
		return
	}
	cs.changeTimer(cs.backoff(uint(rc.ViewNumber) + 1))
}

func (cs *ConsensusState) role() string {
	switch {
	case cs.rc.IsObserver():
		return "Observer"
	case cs.rc.IsPrimary():
		return "Primary"
	default:
		return "Backup"
	}
}

// restoreRound loads the round saved after this node committed. Only a
// round with a sent commit is resumed.
func (cs *ConsensusState) restoreRound() bool {
	bz, err := cs.recoveryLog.Load()
	if err != nil {
		cs.Logger.Error("Failed to read recovery log", "err", err)
		return false
	}
	if bz == nil {
		return false
	}

	rc := cs.rc
	if err := rc.Reset(cs.ledger, cs.pubKey); err != nil {
		return false
	}
	if err := rc.UnmarshalRound(bz); err != nil {
		cs.Logger.Debug("Discarding recovery log", "err", err)
		return false
	}
	if !rc.CommitSent() {
		return false
	}
	cs.roundErr = nil
	cs.knownHashes = make(map[types.Hash]struct{})
	cs.Logger.Info("Restored round from recovery log", "height", rc.Height, "view", rc.ViewNumber,
		"prepared", rc.PreparationPayloads.Count(), "committed", rc.CountCommitted())

	cs.broadcast(rc.CommitPayloads.Get(rc.MyIndex))
	cs.changeTimer(cs.config.TimePerBlock)
	cs.checkCommits()
	return true
}

func (cs *ConsensusState) saveRound() {
	if cs.recoveryLog == nil {
		return
	}
	bz, err := cs.rc.MarshalRound()
	if err != nil {
		cs.Logger.Error("Failed to encode round", "err", err)
		return
	}
	if err := cs.recoveryLog.Save(bz); err != nil {
		cs.Logger.Error("Failed to write recovery log", "err", err)
	}
}

func (cs *ConsensusState) onBlockPersisted(block *types.Block) {
	if cs.roundErr == nil && cs.ledger.Height() < cs.rc.Height {
		cs.Logger.Debug("Ignoring persisted block below the round", "block", block.Index, "height", cs.rc.Height)
		return
	}
	cs.Logger.Info("Block persisted", "height", block.Index, "hash", block.Hash(), "txs", len(block.Txs))
	if cs.recoveryLog != nil && cs.rc.CommitSent() {
		if err := cs.recoveryLog.Clear(); err != nil {
			cs.Logger.Error("Failed to clear recovery log", "err", err)
		}
	}
	cs.blockReceivedTime = cs.now()
	cs.eventSwitch.FireEvent(EventBlockPersisted, block)
	cs.initializeConsensus(0)
}

// onPersistFailed reopens the round so the block is handed over again on the
// next timeout, or a relayed copy is accepted.
func (cs *ConsensusState) onPersistFailed(block *types.Block, err error) {
	rc := cs.rc
	if rc.Height != block.Index || !rc.BlockSent() {
		return
	}
	cs.Logger.Error("Ledger failed to persist block", "height", block.Index, "hash", block.Hash(), "err", err)
	rc.Flags.Clear(cstypes.FlagBlockSent)
	cs.changeTimer(cs.config.TimePerBlock)
}

// onRelayedBlock hands a block finalised by the committee to the ledger
// when this node missed the round.
func (cs *ConsensusState) onRelayedBlock(block *types.Block) {
	if block.Index != cs.ledger.Height()+1 || block.PrevHash != cs.ledger.CurrentHash() {
		return
	}
	rc := cs.rc
	if rc.Height == block.Index && rc.BlockSent() {
		return
	}
	if err := block.ValidateBasic(); err != nil {
		cs.Logger.Debug("Rejected relayed block", "height", block.Index, "err", err)
		return
	}
	if err := block.VerifyWitness(cs.ledger.NextValidators()); err != nil {
		cs.Logger.Debug("Rejected relayed block", "height", block.Index, "err", err)
		return
	}
	if rc.Height == block.Index {
		rc.Flags.Set(cstypes.FlagBlockSent)
	}
	cs.Logger.Info("Persisting relayed block", "height", block.Index, "hash", block.Hash())
	if err := cs.ledger.PersistAndRelay(block); err != nil {
		cs.Logger.Error("Ledger refused relayed block", "height", block.Index, "err", err)
	}
}

//-----------------------------------------------------------------------------
// timer

func (cs *ConsensusState) backoff(exp uint) time.Duration {
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	return cs.config.TimePerBlock << exp
}

// changeTimer rearms the single round timer. Earlier stamps become stale.
func (cs *ConsensusState) changeTimer(d time.Duration) {
	cs.timerStarted = cs.now()
	cs.timerDelay = d
	cs.timerSeq++
	cs.ticker.ScheduleTimeout(timeoutInfo{
		Duration: d,
		Height:   cs.rc.Height,
		View:     cs.rc.ViewNumber,
		Seq:      cs.timerSeq,
	})
}

// extendTimerByFactor gives the round k*TimePerBlock/M more time when it
// makes progress.
func (cs *ConsensusState) extendTimerByFactor(k int) {
	rc := cs.rc
	if rc.IsObserver() || rc.Flags.Has(cstypes.FlagViewChanging) || rc.CommitSent() {
		return
	}
	remaining := cs.timerDelay - cs.now().Sub(cs.timerStarted)
	next := remaining + time.Duration(k)*cs.config.TimePerBlock/time.Duration(rc.M())
	if next > 0 {
		cs.changeTimer(next)
	}
}

func (cs *ConsensusState) onTimeout() {
	rc := cs.rc
	if cs.roundErr != nil || rc.BlockSent() {
		return
	}
	// 上次持久化失败，重新提交已凑齐签名的区块
	if rc.QuorumReachedForCommit() && rc.TransactionsComplete() {
		if cs.checkCommits(); rc.BlockSent() {
			return
		}
	}
	if rc.IsObserver() {
		return
	}
	cs.Logger.Info("Timeout", "height", rc.Height, "view", rc.ViewNumber, "state", rc.Flags)

	if rc.IsPrimary() && !rc.RequestSentOrReceived() {
		cs.sendPrepareRequest()
		return
	}
	if rc.CommitSent() {
		// 已经提交，定期重发恢复消息帮助其他节点追上
		cs.broadcastRecoveryMessage()
		cs.changeTimer(cs.config.TimePerBlock << 1)
		return
	}

	reason := types.CVTimeout
	if rc.RequestSentOrReceived() && !rc.TransactionsComplete() {
		reason = types.CVTxNotFound
	}
	cs.requestChangeView(reason)
}

//-----------------------------------------------------------------------------
// payload plumbing

func (cs *ConsensusState) nowMillis() uint64 {
	return uint64(cs.now().UnixNano() / int64(time.Millisecond))
}

// makePayload wraps msg into a payload signed by this node.
func (cs *ConsensusState) makePayload(msg types.ConsensusMessage) (*types.ConsensusPayload, error) {
	rc := cs.rc
	if rc.IsObserver() || cs.privVal == nil {
		return nil, errors.New("observer cannot sign")
	}
	p := types.NewConsensusPayload(rc.PrevHash, rc.Height, uint16(rc.MyIndex), cs.nowMillis(), msg)
	if err := p.Sign(cs.privVal); err != nil {
		return nil, errors.Wrapf(err, "signing %v", msg.Type())
	}
	return p, nil
}

func (cs *ConsensusState) broadcast(p *types.ConsensusPayload) {
	if p == nil {
		return
	}
	cs.broadcaster.Broadcast(p)
}

// onConsensusPayload checks the envelope and dispatches the message. It
// reports whether the payload reached a handler. from is empty for payloads
// that did not come straight from a peer.
func (cs *ConsensusState) onConsensusPayload(p *types.ConsensusPayload, from p2p.ID) bool {
	rc := cs.rc
	if cs.roundErr != nil || rc.BlockSent() {
		return false
	}
	if err := p.ValidateBasic(); err != nil {
		return false
	}
	if p.BlockIndex != rc.Height || p.PrevHash != rc.PrevHash {
		if p.BlockIndex > rc.Height {
			cs.Logger.Debug("Chain is behind", "expected", p.BlockIndex, "current", rc.Height)
		}
		return false
	}
	idx := int(p.ValidatorIndex)
	if idx >= rc.N() {
		return false
	}
	if idx == rc.MyIndex && !cs.isRecovering {
		return false
	}
	msg, err := p.Message()
	if err != nil {
		cs.Logger.Debug("Malformed consensus message", "from", idx, "err", err)
		return false
	}
	if !p.Verify(rc.Validator(idx)) {
		cs.Logger.Debug("Invalid payload witness", "from", idx, "type", msg.Type())
		return false
	}
	rc.MarkSeen(idx, p.BlockIndex)
	if router, ok := cs.broadcaster.(PeerRouter); ok && from != "" {
		router.RouteValidator(idx, from)
	}

	if msg.View() != rc.ViewNumber {
		switch msg.(type) {
		case *types.ChangeView, *types.RecoveryMessage:
		default:
			return false
		}
	}

	switch m := msg.(type) {
	case *types.ChangeView:
		cs.onChangeView(p, m)
	case *types.PrepareRequest:
		cs.onPrepareRequest(p, m)
	case *types.PrepareResponse:
		cs.onPrepareResponse(p, m)
	case *types.Commit:
		cs.onCommit(p, m)
	case *types.RecoveryRequest:
		cs.onRecoveryRequest(p)
	case *types.RecoveryMessage:
		cs.onRecoveryMessage(p, m)
	default:
		panic(fmt.Sprintf("unhandled consensus message %T", msg))
	}
	return true
}

// ----- MsgInfo -----
// 与reactor之间通信的消息格式
type msgInfo struct {
	Payload *types.ConsensusPayload
	PeerID  p2p.ID
}

type blockInfo struct {
	Block     *types.Block
	Persisted bool
	Err       error
}

package mempool

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	cfg "dbft_demo/config"
	"dbft_demo/types"
)

const (
	MempoolChannel = byte(0x30)

	peerCatchupSleepIntervalMS = 100 // If peer is behind, sleep this amount

	// UnknownPeerID is the peer ID to use when running CheckTx when there is
	// no peer (e.g. RPC)
	UnknownPeerID uint16 = 0

	maxActiveIDs = math.MaxUint16

	// 一次GetTxsMessage最多请求的交易数
	maxRequestTxs = 1024
)

// Reactor 在节点之间广播交易，并且响应共识补全提案时的交易请求
type Reactor struct {
	p2p.BaseReactor

	config  *cfg.MempoolConfig
	mempool *ListMempool
	ids     *mempoolIDs
}

type ReactorOption func(*Reactor)

type mempoolIDs struct {
	mtx       sync.RWMutex
	peerMap   map[p2p.ID]uint16 // map from p2p.ID to mempoolIDs
	nextID    uint16            // nextID指向最后一个可用ID+1的值，但该值不一定可用
	activeIDs map[uint16]struct{}
}

// ReserveForPeer 为peer节点附带一个唯一id
func (ids *mempoolIDs) ReserveForPeer(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	curID := ids.nextPeerID()
	ids.peerMap[peer.ID()] = curID
	ids.activeIDs[curID] = struct{}{}
}

// nextPeerID 返回下一个可用的id
// 由caller负责lock/unlock.
func (ids *mempoolIDs) nextPeerID() uint16 {
	if len(ids.activeIDs) == maxActiveIDs {
		panic(fmt.Sprintf("node has maximum %d active IDs and wanted to get one more", maxActiveIDs))
	}

	_, idExists := ids.activeIDs[ids.nextID]
	for idExists {
		ids.nextID++
		_, idExists = ids.activeIDs[ids.nextID]
	}
	curID := ids.nextID
	ids.nextID++
	return curID
}

// Reclaim 释放peer对应的id.
func (ids *mempoolIDs) Reclaim(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	removedID, ok := ids.peerMap[peer.ID()]
	if ok {
		delete(ids.activeIDs, removedID)
		delete(ids.peerMap, peer.ID())
	}
}

// GetForPeer 返回peer的id.
func (ids *mempoolIDs) GetForPeer(peer p2p.Peer) uint16 {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()

	return ids.peerMap[peer.ID()]
}

func newMempoolIDs() *mempoolIDs {
	return &mempoolIDs{
		peerMap:   make(map[p2p.ID]uint16),
		activeIDs: map[uint16]struct{}{0: {}},
		nextID:    1, // 为UnknownPeerID保留0，RPC提交的交易使用UnknownPeerID
	}
}

func NewReactor(config *cfg.MempoolConfig, mempool *ListMempool, options ...ReactorOption) *Reactor {
	memR := &Reactor{
		config:  config,
		mempool: mempool,
		ids:     newMempoolIDs(),
	}
	memR.BaseReactor = *p2p.NewBaseReactor("Mempool", memR)
	for _, option := range options {
		option(memR)
	}
	return memR
}

// InitPeer implements Reactor
// 为peer生成一个唯一的id
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.ids.ReserveForPeer(peer)
	return peer
}

// SetLogger sets the Logger on the reactor and the underlying mempool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

// OnStart implements p2p.BaseReactor.
func (memR *Reactor) OnStart() error {
	if !memR.config.Broadcast {
		memR.Logger.Info("Tx broadcasting is disabled")
	}
	return nil
}

// GetChannels implements Reactor by returning the list of channels for this
// reactor.
func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  MempoolChannel,
			Priority:            5,
			RecvMessageCapacity: memR.maxMsgSize(),
		},
	}
}

// AddPeer implements Reactor.
// 启动broadcast routine在节点之间广播tx
func (memR *Reactor) AddPeer(peer p2p.Peer) {
	if memR.config.Broadcast {
		go memR.broadcastTxRoutine(peer)
	}
}

// RemovePeer implements Reactor.
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.ids.Reclaim(peer)
	// broadcast routine checks if peer is gone and returns
}

// Receive implements Reactor.
// TxsMessage中的交易加入mempool，GetTxsMessage用本地已有的交易回复
func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	msg, err := decodeMsg(msgBytes)
	if err != nil {
		memR.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}
	memR.Logger.Debug("Receive", "src", src, "chId", chID, "msg", msg)

	switch msg := msg.(type) {
	case *TxsMessage:
		txInfo := TxInfo{SenderID: memR.ids.GetForPeer(src), SenderP2PID: src.ID()}
		for _, tx := range msg.Txs {
			if err := memR.mempool.CheckTx(tx, txInfo); err != nil && err != ErrTxInCache {
				memR.Logger.Info("Could not check tx", "tx", tx.Hash(), "err", err)
			}
		}

	case *GetTxsMessage:
		txs := make([]types.Tx, 0, len(msg.Hashes))
		for _, hash := range msg.Hashes {
			if tx, ok := memR.mempool.GetTx(hash); ok {
				txs = append(txs, tx)
			}
		}
		if len(txs) == 0 {
			return
		}
		bz, err := encodeMsg(&TxsMessage{Txs: txs})
		if err != nil {
			memR.Logger.Error("Error encoding message", "err", err)
			return
		}
		src.TrySend(MempoolChannel, bz)

	default:
		memR.Logger.Error(fmt.Sprintf("Unknown message type %T", msg))
	}
}

// RequestTxs 向所有peer请求缺失的交易，回复经由CheckTx进入mempool
func (memR *Reactor) RequestTxs(hashes []types.Hash) {
	if memR.Switch == nil {
		return
	}
	for len(hashes) > 0 {
		n := len(hashes)
		if n > maxRequestTxs {
			n = maxRequestTxs
		}
		bz, err := encodeMsg(&GetTxsMessage{Hashes: hashes[:n]})
		if err != nil {
			memR.Logger.Error("Error encoding message", "err", err)
			return
		}
		memR.Switch.Broadcast(MempoolChannel, bz)
		hashes = hashes[n:]
	}
}

// --------------------------------

func (memR *Reactor) broadcastTxRoutine(peer p2p.Peer) {
	peerID := memR.ids.GetForPeer(peer)
	var next *clist.CElement

	for {
		if !memR.IsRunning() || !peer.IsRunning() {
			return
		}

		// next为nil说明mempool为空或已经发送到末尾，等待新的交易
		if next == nil {
			select {
			case <-memR.mempool.TxsWaitChan():
				if next = memR.mempool.TxsFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		memTx := next.Value.(*mempoolTx)

		// 不要将交易原路返回
		if _, ok := memTx.senders.Load(peerID); !ok {
			bz, err := encodeMsg(&TxsMessage{Txs: []types.Tx{memTx.tx}})
			if err != nil {
				panic(err)
			}
			if success := peer.Send(MempoolChannel, bz); !success {
				time.Sleep(peerCatchupSleepIntervalMS * time.Millisecond)
				continue
			}
		}

		select {
		// 当next有下一个元素时，它的nextWaitch关闭，<-会读出来nil，流程继续
		// 如果没有下一个元素，则会在这里block
		case <-next.NextWaitChan():
			next = next.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}

func (memR *Reactor) maxMsgSize() int {
	// 一条交易加上json与base64的开销
	return memR.config.MaxTxBytes*2 + 1024
}

// ---------------------------------

// Message 是mempool channel上传输的消息
type Message interface {
	ValidateBasic() error
}

func init() {
	tmjson.RegisterType(&TxsMessage{}, "dbft/mempool/TxsMessage")
	tmjson.RegisterType(&GetTxsMessage{}, "dbft/mempool/GetTxsMessage")
}

// TxsMessage is a Message containing transactions.
type TxsMessage struct {
	Txs []types.Tx `json:"txs"`
}

func (m *TxsMessage) ValidateBasic() error {
	if len(m.Txs) == 0 {
		return errors.New("empty TxsMessage")
	}
	return nil
}

func (m *TxsMessage) String() string {
	return fmt.Sprintf("[TxsMessage %d]", len(m.Txs))
}

// GetTxsMessage 按哈希请求交易
type GetTxsMessage struct {
	Hashes []types.Hash `json:"hashes"`
}

func (m *GetTxsMessage) ValidateBasic() error {
	if len(m.Hashes) == 0 {
		return errors.New("empty GetTxsMessage")
	}
	if len(m.Hashes) > maxRequestTxs {
		return fmt.Errorf("too many hashes requested: %d, max: %d", len(m.Hashes), maxRequestTxs)
	}
	return nil
}

func (m *GetTxsMessage) String() string {
	return fmt.Sprintf("[GetTxsMessage %d]", len(m.Hashes))
}

func encodeMsg(msg Message) ([]byte, error) {
	return tmjson.Marshal(msg)
}

func decodeMsg(bz []byte) (Message, error) {
	var msg Message
	if err := tmjson.Unmarshal(bz, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("nil message")
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, err
	}
	return msg, nil
}

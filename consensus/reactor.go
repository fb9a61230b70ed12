package consensus

import (
	"fmt"
	"strconv"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/p2p"

	"dbft_demo/types"
)

const (
	ConsensusChannel = byte(0x20)
	BlockChannel     = byte(0x23)

	maxMsgSize = 4 * 1048576 // a recovery message may carry a full first transaction
)

// BlockLoader gives the reactor access to persisted blocks for peers that
// fell behind.
type BlockLoader interface {
	Height() uint32
	LoadBlock(height uint32) *types.Block
}

// ------- Reactor ------
// Reactor 负责共识消息的收发，同时为落后的节点补发已提交的区块
type Reactor struct {
	p2p.BaseReactor

	consensus *ConsensusState
	blocks    BlockLoader

	// validator index -> p2p.ID of the peer it speaks through
	validatorPeers *cmap.CMap
	// p2p.ID -> highest block height already relayed to that peer
	relayed *cmap.CMap
}

type ReactorOption func(*Reactor)

func WithBlockLoader(bl BlockLoader) ReactorOption {
	return func(conR *Reactor) { conR.blocks = bl }
}

// NewReactor wraps cs and registers itself as its broadcaster.
func NewReactor(cs *ConsensusState, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		consensus:      cs,
		validatorPeers: cmap.NewCMap(),
		relayed:        cmap.NewCMap(),
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	for _, option := range options {
		option(conR)
	}
	cs.SetBroadcaster(conR)
	return conR
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")
	return conR.consensus.Start()
}

func (conR *Reactor) OnStop() {
	if err := conR.consensus.Stop(); err != nil {
		conR.Logger.Error("failed trying to stop consensus", "err", err)
	}
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  ConsensusChannel,
			Priority:            10,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  100 * 100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  BlockChannel,
			Priority:            5,
			SendQueueCapacity:   10,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.Logger.Debug("Added peer", "peer", peer.ID())
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.relayed.Delete(string(peer.ID()))
	for _, key := range conR.validatorPeers.Keys() {
		if id, ok := conR.validatorPeers.Get(key).(p2p.ID); ok && id == peer.ID() {
			conR.validatorPeers.Delete(key)
		}
	}
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", len(msgBytes))
		return
	}

	// 各自解析数据
	switch chID {
	case ConsensusChannel:
		payload, err := types.DecodePayload(msgBytes)
		if err != nil {
			// 格式错误的消息直接丢弃，不回应也不断开
			conR.Logger.Debug("Dropping malformed payload", "src", src, "err", err)
			return
		}
		conR.relayBlockIfBehind(src, payload.BlockIndex)
		conR.consensus.ReceivePayload(payload, src.ID())

	case BlockChannel:
		block := new(types.Block)
		if err := block.UnmarshalBinary(msgBytes); err != nil {
			conR.Logger.Debug("Dropping malformed block", "src", src, "err", err)
			return
		}
		conR.Logger.Debug(fmt.Sprintf("Receive block #%d from %v", block.Index, src.ID()))
		conR.consensus.ReceiveBlock(block)

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// relayBlockIfBehind sends src the block it is still trying to agree on.
func (conR *Reactor) relayBlockIfBehind(src p2p.Peer, height uint32) {
	if conR.blocks == nil || height > conR.blocks.Height() {
		return
	}
	key := string(src.ID())
	if last, ok := conR.relayed.Get(key).(uint32); ok && last >= height {
		return
	}
	block := conR.blocks.LoadBlock(height)
	if block == nil {
		return
	}
	bz, err := block.MarshalBinary()
	if err != nil {
		conR.Logger.Error("Marshal block failed.", "height", height, "err", err)
		return
	}
	if src.TrySend(BlockChannel, bz) {
		conR.relayed.Set(key, height)
		conR.Logger.Debug("Relayed block to lagging peer", "peer", src.ID(), "height", height)
	}
}

//-----------------------------------------------------------------------------
// Broadcaster

func (conR *Reactor) Broadcast(payload *types.ConsensusPayload) {
	bz, err := payload.MarshalBinary()
	if err != nil {
		conR.Logger.Error("Marshal payload failed.", "err", err)
		return
	}
	conR.Switch.Broadcast(ConsensusChannel, bz)
}

// SendTo delivers payload to the peer validatorIndex was last heard through,
// or to everyone when that peer is unknown or its send queue is full.
// It runs on the consensus routine and never waits on a peer.
func (conR *Reactor) SendTo(validatorIndex int, payload *types.ConsensusPayload) {
	bz, err := payload.MarshalBinary()
	if err != nil {
		conR.Logger.Error("Marshal payload failed.", "err", err)
		return
	}
	if peer := conR.routedPeer(validatorIndex); peer != nil && peer.TrySend(ConsensusChannel, bz) {
		return
	}
	conR.Switch.Broadcast(ConsensusChannel, bz)
}

// RouteValidator implements PeerRouter.
func (conR *Reactor) RouteValidator(validatorIndex int, peerID p2p.ID) {
	conR.validatorPeers.Set(strconv.Itoa(validatorIndex), peerID)
}

func (conR *Reactor) routedPeer(validatorIndex int) p2p.Peer {
	id, ok := conR.validatorPeers.Get(strconv.Itoa(validatorIndex)).(p2p.ID)
	if !ok {
		return nil
	}
	return conR.Switch.Peers().Get(id)
}

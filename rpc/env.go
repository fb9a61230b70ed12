package rpc

import (
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"dbft_demo/consensus"
	"dbft_demo/libs/metric"
	"dbft_demo/mempool"
	"dbft_demo/state"
	"dbft_demo/store"
)

const (
	// 一次block_stats最多统计的区块数
	maxStatsBlocks = 1000
)

var (
	env *Environment
)

func SetEnvironment(e *Environment) {
	env = e
}

type transport interface {
	NodeInfo() p2p.NodeInfo
}

// Environment 是rpc处理函数可以访问的节点组件，由node在启动rpc前设置
type Environment struct {
	Mempool      mempool.Mempool
	Consensus    *consensus.ConsensusState
	BlockStore   *store.BlockStore
	BlockExec    *state.BlockExecutor
	P2PTransport transport

	// nil表示观察者节点
	PubKey crypto.PubKey

	MetricSet *metric.MetricSet
	Logger    log.Logger
}

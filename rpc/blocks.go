package rpc

import (
	"fmt"
	"time"

	"github.com/tendermint/tendermint/p2p"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"dbft_demo/libs/utils"
	"dbft_demo/types"
)

type ResultBlock struct {
	BlockHash types.Hash   `json:"block_hash"`
	Block     *types.Block `json:"block"`
}

// Block 返回指定高度的区块，height为空时返回最新的区块
func Block(ctx *rpctypes.Context, heightPtr *int64) (*ResultBlock, error) {
	height, err := getHeight(heightPtr)
	if err != nil {
		return nil, err
	}

	block := env.BlockStore.LoadBlock(height)
	if block == nil {
		return &ResultBlock{}, nil
	}
	return &ResultBlock{BlockHash: block.Hash(), Block: block}, nil
}

// ResultBlockStats 区块间隔以秒为单位
type ResultBlockStats struct {
	MinHeight uint32 `json:"min_height"`
	MaxHeight uint32 `json:"max_height"`
	TxNum     int    `json:"tx_num"`

	MaxInterval    float64 `json:"max_block_interval"`
	MinInterval    float64 `json:"min_block_interval"`
	MedianInterval float64 `json:"median_block_interval"`
	AvgInterval    float64 `json:"avg_block_interval"`
	AvgTxs         float64 `json:"avg_txs_per_block"`
	// 主节点按视图的分布，视图越高说明view change越多
	PrimaryIndexes map[uint8]int `json:"primary_indexes"`
}

// BlockStats 统计[minHeight, maxHeight]区间内的出块间隔与交易数
func BlockStats(ctx *rpctypes.Context, minHeight, maxHeight int64) (*ResultBlockStats, error) {
	last := int64(env.BlockStore.Height())
	if maxHeight <= 0 || maxHeight > last {
		maxHeight = last
	}
	if minHeight < 1 {
		minHeight = 1
	}
	if maxHeight-minHeight >= maxStatsBlocks {
		minHeight = maxHeight - maxStatsBlocks + 1
	}
	if minHeight > maxHeight {
		return nil, fmt.Errorf("min height %d can't be greater than max height %d", minHeight, maxHeight)
	}

	result := &ResultBlockStats{
		MinHeight:      uint32(minHeight),
		MaxHeight:      uint32(maxHeight),
		PrimaryIndexes: make(map[uint8]int),
	}
	prev := env.BlockStore.LoadBlock(uint32(minHeight - 1))
	intervals := make([]float64, 0, maxHeight-minHeight+1)
	txsPerBlock := make([]float64, 0, maxHeight-minHeight+1)
	for h := minHeight; h <= maxHeight; h++ {
		block := env.BlockStore.LoadBlock(uint32(h))
		if block == nil {
			return nil, fmt.Errorf("block %d not found", h)
		}
		if prev != nil {
			interval := block.Time().Sub(prev.Time())
			intervals = append(intervals, float64(interval)/float64(time.Second))
		}
		txsPerBlock = append(txsPerBlock, float64(len(block.Txs)))
		result.TxNum += len(block.Txs)
		result.PrimaryIndexes[block.PrimaryIndex]++
		prev = block
	}

	result.MaxInterval = utils.Max(intervals...)
	result.MinInterval = utils.Min(intervals...)
	result.MedianInterval = utils.Median(intervals...)
	result.AvgInterval = utils.Avg(intervals...)
	result.AvgTxs = utils.Avg(txsPerBlock...)
	return result, nil
}

type ResultStatus struct {
	NodeInfo          p2p.DefaultNodeInfo `json:"node_info"`
	LatestBlockHash   types.Hash          `json:"latest_block_hash"`
	LatestBlockHeight uint32              `json:"latest_block_height"`
	LatestBlockTime   time.Time           `json:"latest_block_time"`
	Validators        int                 `json:"validators"`
	ValidatorIndex    int                 `json:"validator_index"` // -1 表示观察者
	View              uint8               `json:"view"`
}

func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	header := env.BlockExec.CurrentHeader()
	vals := env.BlockExec.NextValidators()

	result := &ResultStatus{
		LatestBlockHash:   header.Hash(),
		LatestBlockHeight: header.Index,
		LatestBlockTime:   header.Time(),
		Validators:        vals.Size(),
		ValidatorIndex:    -1,
		View:              env.Consensus.GetRoundState().View,
	}
	if env.PubKey != nil {
		result.ValidatorIndex = vals.IndexOf(env.PubKey)
	}
	if env.P2PTransport != nil {
		if ni, ok := env.P2PTransport.NodeInfo().(p2p.DefaultNodeInfo); ok {
			result.NodeInfo = ni
		}
	}
	return result, nil
}

func getHeight(heightPtr *int64) (uint32, error) {
	last := env.BlockStore.Height()
	if heightPtr == nil {
		return last, nil
	}
	height := *heightPtr
	if height < 0 {
		return 0, fmt.Errorf("height must be non-negative, but got %d", height)
	}
	if height > int64(last) {
		return 0, fmt.Errorf("height %d must be less than or equal to the current blockchain height %d",
			height, last)
	}
	return uint32(height), nil
}

package state

import (
	"errors"
	"fmt"
	"time"

	"dbft_demo/types"
)

// State 是已经持久化的链的状态
// 每持久化一个区块，State前进一个高度
type State struct {
	// 初始设定值 const value
	ChainID string `json:"chain_id"`

	// 最后持久化的区块的信息
	LastBlockHeight uint32       `json:"last_block_height"`
	LastHeader      types.Header `json:"last_header"`

	// 下一个高度的共识委员会
	NextValidators *types.ValidatorSet `json:"next_validators"`
}

// MakeGenesisState 根据genesis文件生成初始状态以及创世区块
func MakeGenesisState(genDoc *types.GenesisDoc) (State, *types.Block, error) {
	if err := genDoc.ValidateAndComplete(); err != nil {
		return State{}, nil, fmt.Errorf("error in genesis file: %v", err)
	}
	vals := genDoc.ValidatorSet()
	genesis := types.MakeGenesisBlock(genDoc.GenesisTime, vals)
	return State{
		ChainID:         genDoc.ChainID,
		LastBlockHeight: 0,
		LastHeader:      genesis.Header,
		NextValidators:  vals,
	}, genesis, nil
}

// 返回当前state的拷贝副本
func (state State) Copy() State {
	return State{
		ChainID:         state.ChainID,
		LastBlockHeight: state.LastBlockHeight,
		LastHeader:      state.LastHeader,
		NextValidators:  state.NextValidators.Copy(),
	}
}

func (state State) IsEmpty() bool {
	return state.NextValidators == nil
}

func (state State) LastBlockHash() types.Hash {
	return state.LastHeader.Hash()
}

func (state State) LastBlockTime() time.Time {
	return state.LastHeader.Time()
}

// Validate 检查block能否接在当前状态之后
func (state State) Validate(block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return err
	}
	if block.Index != state.LastBlockHeight+1 {
		return fmt.Errorf("wrong block index: expected %d, got %d", state.LastBlockHeight+1, block.Index)
	}
	if block.PrevHash != state.LastBlockHash() {
		return fmt.Errorf("wrong prev hash: expected %v, got %v", state.LastBlockHash(), block.PrevHash)
	}
	if block.Timestamp <= state.LastHeader.Timestamp {
		return errors.New("block timestamp is not after the last block")
	}
	return block.VerifyWitness(state.NextValidators)
}

// Update 返回持久化block之后的新状态，委员会由NextConsensus决定
// 本节点不支持委员会变更，NextConsensus必须与当前委员会一致
func (state State) Update(block *types.Block) (State, error) {
	if block.NextConsensus != state.NextValidators.Hash() {
		return state, fmt.Errorf("unknown next consensus %v", block.NextConsensus)
	}
	next := state.Copy()
	next.LastBlockHeight = block.Index
	next.LastHeader = block.Header
	return next, nil
}

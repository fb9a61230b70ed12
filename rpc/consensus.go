package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	cstypes "dbft_demo/consensus/types"
)

type ResultConsensusState struct {
	RoundState cstypes.RoundStateSnapshot `json:"round_state"`
}

// ConsensusState 返回当前高度共识的快照
func ConsensusState(ctx *rpctypes.Context) (*ResultConsensusState, error) {
	return &ResultConsensusState{RoundState: env.Consensus.GetRoundState()}, nil
}

package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	// info API
	"status":          rpc.NewRPCFunc(Status, ""),
	"block":           rpc.NewRPCFunc(Block, "height"),
	"block_stats":     rpc.NewRPCFunc(BlockStats, "minHeight,maxHeight"),
	"consensus_state": rpc.NewRPCFunc(ConsensusState, ""),
	"metrics":         rpc.NewRPCFunc(JSONMetrics, "label"),

	// tx broadcast API
	"broadcast_tx": rpc.NewRPCFunc(BroadcastTx, "tx"),
}

package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	mempl "dbft_demo/mempool"
	"dbft_demo/types"
)

type ResultBroadcastTx struct {
	Hash types.Hash `json:"hash"`
}

// BroadcastTx 将交易加入mempool，不等待交易上链
// 交易随后由mempool reactor广播，并通知共识模块
func BroadcastTx(ctx *rpctypes.Context, tx types.Tx) (*ResultBroadcastTx, error) {
	err := env.Mempool.CheckTx(tx, mempl.TxInfo{SenderID: mempl.UnknownPeerID})
	if err != nil {
		return nil, err
	}
	return &ResultBroadcastTx{Hash: tx.Hash()}, nil
}

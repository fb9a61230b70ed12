package mock

import (
	"github.com/tendermint/tendermint/libs/clist"

	mempl "dbft_demo/mempool"
	"dbft_demo/types"
)

// Mempool is an empty implementation of a Mempool, useful for testing.
type Mempool struct{}

var _ mempl.Mempool = Mempool{}

func (Mempool) Lock()     {}
func (Mempool) Unlock()   {}
func (Mempool) Size() int { return 0 }
func (Mempool) CheckTx(_ types.Tx, _ mempl.TxInfo) error {
	return nil
}
func (Mempool) GetTx(_ types.Hash) (types.Tx, bool) { return nil, false }
func (Mempool) ReapMaxTxs(_ int) types.Txs          { return types.Txs{} }
func (Mempool) Update(
	_ uint32,
	_ types.Txs,
) error {
	return nil
}
func (Mempool) Flush()                      {}
func (Mempool) TxsBytes() int64             { return 0 }
func (Mempool) SetOnTxAdded(func(types.Tx)) {}

func (Mempool) TxsFront() *clist.CElement    { return nil }
func (Mempool) TxsWaitChan() <-chan struct{} { return nil }

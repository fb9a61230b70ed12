package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newMemMetric() *memMetric {
	return &memMetric{}
}

type memMetric struct {
	mtx         sync.RWMutex
	Height      uint32 `json:"height"`        // 最近一次Update的区块高度
	TxsNum      int    `json:"txs_num"`       // mempool中所有的交易总数
	TxsBytes    int64  `json:"txs_bytes"`     // 目前mempool所有的交易的大小
	RejectedNum int64  `json:"rejected_num"`  // 被拒绝的交易总数
	CommitedNum int64  `json:"committed_num"` // 已经上链而移出mempool的交易总数
}

func (mm *memMetric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkSize(txsNum int, txsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsNum
	mm.TxsBytes = txsBytes
}

func (mm *memMetric) MarkRejected() {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.RejectedNum++
}

func (mm *memMetric) MarkUpdate(height uint32, committed int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.Height = height
	mm.CommitedNum += int64(committed)
}

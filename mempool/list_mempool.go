package mempool

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dbft_demo/config"
	"dbft_demo/libs/metric"
	"dbft_demo/types"
)

func NewListMempool(config *cfg.MempoolConfig, height uint32, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height: height,
		config: config,
		txs:    clist.New(),
		metric: newMemMetric(),
		logger: log.NewNopLogger(),
	}

	if config.CacheSize > 0 {
		mem.cache = newMapTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	for _, option := range options {
		option(mem)
	}

	return mem
}

// ListMempool 以双向链表保存交易，链表顺序即交易到达的顺序
type ListMempool struct {
	// Atomic integers
	height   uint32 // the last block Update()'d to
	txsBytes int64  // total size of mempool, in bytes

	config *cfg.MempoolConfig

	// updateMtx 在Update时持有写锁，CheckTx持有读锁
	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map // types.Hash -> *clist.CElement

	// 已经见过的交易，避免重复加入与重复广播
	cache txCache

	cbMtx     sync.RWMutex
	onTxAdded func(types.Tx)

	metric *memMetric
	logger log.Logger
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(memppol *ListMempool)

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

func (mem *ListMempool) SetOnTxAdded(cb func(types.Tx)) {
	mem.cbMtx.Lock()
	defer mem.cbMtx.Unlock()
	mem.onTxAdded = cb
}

func (mem *ListMempool) MetricItem() metric.MetricItem {
	return mem.metric
}

// CheckTx 检查交易并加入mempool
// 新加入的交易会在释放锁之后通知onTxAdded回调
func (mem *ListMempool) CheckTx(tx types.Tx, txInfo TxInfo) error {
	added, err := mem.checkTx(tx, txInfo)
	if err != nil {
		return err
	}
	if added {
		mem.cbMtx.RLock()
		cb := mem.onTxAdded
		mem.cbMtx.RUnlock()
		if cb != nil {
			cb(tx)
		}
	}
	return nil
}

func (mem *ListMempool) checkTx(tx types.Tx, txInfo TxInfo) (bool, error) {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	txSize := len(tx)
	if txSize > mem.config.MaxTxBytes {
		mem.metric.MarkRejected()
		return false, ErrTxTooLarge{mem.config.MaxTxBytes, txSize}
	}
	if err := mem.isFull(txSize); err != nil {
		mem.metric.MarkRejected()
		return false, err
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			mem.metric.MarkRejected()
			return false, ErrPreCheck{err}
		}
	}

	if !mem.cache.Push(tx) {
		// 记录新的sender，避免把交易发回给它
		if e, ok := mem.txsMap.Load(tx.Hash()); ok {
			memTx := e.(*clist.CElement).Value.(*mempoolTx)
			memTx.senders.LoadOrStore(txInfo.SenderID, true)
		}
		return false, ErrTxInCache
	}

	memTx := &mempoolTx{
		height: mem.Height(),
		tx:     tx,
	}
	memTx.senders.Store(txInfo.SenderID, true)
	mem.addTx(memTx)

	mem.logger.Debug("Added good transaction", "tx", tx.Hash(), "peer", txInfo.SenderP2PID, "total", mem.Size())
	mem.metric.MarkSize(mem.Size(), mem.TxsBytes())
	return true, nil
}

func (mem *ListMempool) isFull(txSize int) error {
	var (
		memSize  = mem.Size()
		txsBytes = mem.TxsBytes()
	)
	if memSize >= mem.config.Size {
		return ErrMempoolIsFull{memSize, mem.config.Size, txsBytes}
	}
	return nil
}

func (mem *ListMempool) GetTx(hash types.Hash) (types.Tx, bool) {
	e, ok := mem.txsMap.Load(hash)
	if !ok {
		return nil, false
	}
	return e.(*clist.CElement).Value.(*mempoolTx).tx, true
}

func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 || max > mem.txs.Len() {
		max = mem.txs.Len()
	}
	txs := make(types.Txs, 0, max)
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		txs = append(txs, e.Value.(*mempoolTx).tx)
	}
	return txs
}

// Lock 锁定mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock 释放mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

// Update 移除已经上链的交易，交易仍保留在cache中，之后不会被重新加入
// NOTE: caller负责Lock/Unlock
func (mem *ListMempool) Update(height uint32, txs types.Txs) error {
	atomic.StoreUint32(&mem.height, height)

	for _, tx := range txs {
		// 可能是直接从区块中得知的交易
		mem.cache.Push(tx)
		if e, ok := mem.txsMap.Load(tx.Hash()); ok {
			mem.removeTx(tx, e.(*clist.CElement))
		}
	}
	mem.metric.MarkUpdate(height, len(txs))
	mem.metric.MarkSize(mem.Size(), mem.TxsBytes())
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	atomic.SwapInt64(&mem.txsBytes, 0)
	mem.cache.Reset()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}

	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	mem.metric.MarkSize(0, 0)
}

func (mem *ListMempool) Height() uint32 {
	return atomic.LoadUint32(&mem.height)
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// addTx 将tx加入到mempool的双向链表；
// 并且更新快速查询表txMap和mempool的tx总大小
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(memTx.tx.Hash(), e)
	atomic.AddInt64(&mem.txsBytes, int64(len(memTx.tx)))
}

func (mem *ListMempool) removeTx(tx types.Tx, elem *clist.CElement) {
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(tx.Hash())
	atomic.AddInt64(&mem.txsBytes, int64(-len(tx)))
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// ------------------------------

type txCache interface {
	Reset()
	Push(tx types.Tx) bool
	Remove(tx types.Tx)
}

// mapTxCache maintains a LRU cache of transactions. This only stores the hash
// of the tx, due to memory concerns.
type mapTxCache struct {
	mtx      sync.Mutex
	size     int
	cacheMap map[types.Hash]*list.Element
	list     *list.List
}

var _ txCache = (*mapTxCache)(nil)

func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[types.Hash]*list.Element, cacheSize),
		list:     list.New(),
	}
}

func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[types.Hash]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push adds tx to the cache and returns false if it was already there.
func (cache *mapTxCache) Push(tx types.Tx) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	txHash := tx.Hash()
	if moved, exists := cache.cacheMap[txHash]; exists {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		popped := cache.list.Front()
		if popped != nil {
			poppedTxHash := popped.Value.(types.Hash)
			delete(cache.cacheMap, poppedTxHash)
			cache.list.Remove(popped)
		}
	}
	e := cache.list.PushBack(txHash)
	cache.cacheMap[txHash] = e
	return true
}

func (cache *mapTxCache) Remove(tx types.Tx) {
	cache.mtx.Lock()
	txHash := tx.Hash()
	popped := cache.cacheMap[txHash]
	delete(cache.cacheMap, txHash)
	if popped != nil {
		cache.list.Remove(popped)
	}
	cache.mtx.Unlock()
}

type nopTxCache struct{}

var _ txCache = (*nopTxCache)(nil)

func (nopTxCache) Reset()             {}
func (nopTxCache) Push(types.Tx) bool { return true }
func (nopTxCache) Remove(types.Tx)    {}

// ------------------------------

type mempoolTx struct {
	height uint32

	tx      types.Tx
	senders sync.Map // uint16 -> bool
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() uint32 {
	return atomic.LoadUint32(&memTx.height)
}

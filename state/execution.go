package state

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"dbft_demo/mempool"
	"dbft_demo/store"
	"dbft_demo/types"
)

var (
	ErrBlockAlreadyPersisted  = errors.New("block already persisted")
	ErrBlockAlreadyPersisting = errors.New("block is being persisted")
	ErrTxAlreadyCommitted     = errors.New("tx already committed")
	ErrEmptyTx                = errors.New("empty tx")
)

// ErrInvalidBlock wraps the reason a block cannot extend the chain.
func ErrInvalidBlock(err error) error {
	return errors.Wrap(err, "invalid block")
}

// TxPolicy 节点自身的交易过滤规则，返回的错误会被包装为types.ErrTxRejectedByPolicy
type TxPolicy func(types.Tx) error

type BlockExecutorOption func(*BlockExecutor)

func SetTxPolicy(policy TxPolicy) BlockExecutorOption {
	return func(exec *BlockExecutor) {
		exec.txPolicy = policy
	}
}

/*
BlockExecutor 是共识模块看到的账本。

它持有最新的State，PersistAndRelay在独立的协程中保存区块、
更新mempool与State，完成后通知onPersisted回调。
同一高度同时只有一个区块在持久化。
*/
type BlockExecutor struct {
	mtx        sync.RWMutex
	state      State
	persisting uint32 // 正在持久化的高度，0表示空闲

	stateStore Store
	blockStore *store.BlockStore
	mempool    mempool.Mempool

	txPolicy        TxPolicy
	onPersisted     func(*types.Block)
	onPersistFailed func(*types.Block, error)
	wg          sync.WaitGroup

	logger log.Logger
}

func NewBlockExecutor(
	state State,
	stateStore Store,
	blockStore *store.BlockStore,
	mempool mempool.Mempool,
	options ...BlockExecutorOption,
) *BlockExecutor {
	exec := &BlockExecutor{
		state:      state,
		stateStore: stateStore,
		blockStore: blockStore,
		mempool:    mempool,
		logger:     log.NewNopLogger(),
	}
	for _, option := range options {
		option(exec)
	}
	return exec
}

func (exec *BlockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// SetOnBlockPersisted 注册区块持久化完成的回调，通常是ConsensusState.OnBlockPersisted
func (exec *BlockExecutor) SetOnBlockPersisted(cb func(*types.Block)) {
	exec.mtx.Lock()
	defer exec.mtx.Unlock()
	exec.onPersisted = cb
}

// SetOnPersistFailed 注册区块保存失败的回调，通常是ConsensusState.OnPersistFailed
func (exec *BlockExecutor) SetOnPersistFailed(cb func(*types.Block, error)) {
	exec.mtx.Lock()
	defer exec.mtx.Unlock()
	exec.onPersistFailed = cb
}

// State returns a copy of the latest persisted state.
func (exec *BlockExecutor) State() State {
	exec.mtx.RLock()
	defer exec.mtx.RUnlock()
	return exec.state.Copy()
}

// Wait blocks until every started persistence has finished.
func (exec *BlockExecutor) Wait() {
	exec.wg.Wait()
}

//-----------------------------------------------------------------------------
// consensus.Ledger

func (exec *BlockExecutor) Height() uint32 {
	exec.mtx.RLock()
	defer exec.mtx.RUnlock()
	return exec.state.LastBlockHeight
}

func (exec *BlockExecutor) CurrentHash() types.Hash {
	exec.mtx.RLock()
	defer exec.mtx.RUnlock()
	return exec.state.LastBlockHash()
}

func (exec *BlockExecutor) CurrentHeader() *types.Header {
	exec.mtx.RLock()
	defer exec.mtx.RUnlock()
	header := exec.state.LastHeader
	return &header
}

func (exec *BlockExecutor) NextValidators() *types.ValidatorSet {
	exec.mtx.RLock()
	defer exec.mtx.RUnlock()
	return exec.state.NextValidators.Copy()
}

func (exec *BlockExecutor) ContainsTransaction(hash types.Hash) bool {
	return exec.blockStore.ContainsTx(hash)
}

// PersistAndRelay 检查区块后在后台持久化，立即返回
// 区块通过共识reactor的BlockChannel提供给落后的节点
func (exec *BlockExecutor) PersistAndRelay(block *types.Block) error {
	exec.mtx.Lock()
	defer exec.mtx.Unlock()

	switch {
	case block.Index <= exec.state.LastBlockHeight:
		return ErrBlockAlreadyPersisted
	case block.Index == exec.persisting:
		return ErrBlockAlreadyPersisting
	case exec.persisting != 0:
		return errors.Errorf("cannot persist block %d while block %d is being persisted", block.Index, exec.persisting)
	}
	if err := exec.state.Validate(block); err != nil {
		return ErrInvalidBlock(err)
	}

	exec.persisting = block.Index
	exec.wg.Add(1)
	go exec.persist(block)
	return nil
}

func (exec *BlockExecutor) persist(block *types.Block) {
	defer exec.wg.Done()

	if err := exec.blockStore.SaveBlock(block); err != nil {
		exec.logger.Error("Failed to save block", "height", block.Index, "err", err)
		exec.mtx.Lock()
		exec.persisting = 0
		cb := exec.onPersistFailed
		exec.mtx.Unlock()
		if cb != nil {
			cb(block, err)
		}
		return
	}

	// 提交成功后更新mempool，首先加锁
	exec.mempool.Lock()
	if err := exec.mempool.Update(block.Index, block.Txs); err != nil {
		exec.logger.Error("Failed to update mempool", "height", block.Index, "err", err)
	}
	exec.mempool.Unlock()

	exec.mtx.Lock()
	next, err := exec.state.Update(block)
	if err == nil {
		err = exec.stateStore.Save(next)
	}
	if err != nil {
		// 区块已保存，重启时由LoadStateFromDBOrGenesisDoc补上状态
		exec.mtx.Unlock()
		panic(errors.Wrapf(err, "update state at height %d", block.Index))
	}
	exec.state = next
	exec.persisting = 0
	cb := exec.onPersisted
	exec.mtx.Unlock()

	exec.logger.Info("Persisted block", "height", block.Index, "hash", block.Hash(), "txs", len(block.Txs))
	if cb != nil {
		cb(block)
	}
}

//-----------------------------------------------------------------------------
// consensus.TxValidator

// ValidateTx 检查交易能否进入提案
func (exec *BlockExecutor) ValidateTx(tx types.Tx) error {
	if len(tx) == 0 {
		return ErrEmptyTx
	}
	if exec.ContainsTransaction(tx.Hash()) {
		return ErrTxAlreadyCommitted
	}
	if exec.txPolicy != nil {
		if err := exec.txPolicy(tx); err != nil {
			return errors.Wrap(types.ErrTxRejectedByPolicy, err.Error())
		}
	}
	return nil
}

package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"dbft_demo/types"
)

var (
	ErrBlockNotContiguous = errors.New("block is not contiguous with the store")

	blockStoreKey = []byte("blockStore")
)

/*
BlockStore 按高度保存已经确定的区块，同时维护两张索引：
区块哈希 -> 高度，交易哈希 -> 高度。

创世区块的高度为0，之后的区块必须连续保存。
*/
type BlockStore struct {
	db dbm.DB

	mtx    sync.RWMutex
	height uint32
	empty  bool

	logger log.Logger
}

// NewBlockStore returns a new BlockStore with the given DB,
// initialized to the last height that was committed to the DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	height, ok := loadBlockStoreHeight(db)
	return &BlockStore{
		db:     db,
		height: height,
		empty:  !ok,
		logger: log.NewNopLogger(),
	}
}

func (bs *BlockStore) SetLogger(logger log.Logger) {
	bs.logger = logger
}

// Height returns the index of the last saved block, 0 if the store is empty.
func (bs *BlockStore) Height() uint32 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

func (bs *BlockStore) IsEmpty() bool {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.empty
}

// LoadBlock returns the block with the given height.
// If no block is found for that height, it returns nil.
func (bs *BlockStore) LoadBlock(height uint32) *types.Block {
	bz, err := bs.db.Get(calcBlockKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	block := new(types.Block)
	if err := block.UnmarshalBinary(bz); err != nil {
		// NOTE: The existence of meta should imply the existence of the
		// block. So, make sure meta is only saved after blocks are saved.
		panic(fmt.Sprintf("Error reading block: %v", err))
	}
	return block
}

// LoadBlockByHash returns the block with the given hash.
// If no block is found for that hash, it returns nil.
func (bs *BlockStore) LoadBlockByHash(hash types.Hash) *types.Block {
	bz, err := bs.db.Get(calcBlockHashKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) != 4 {
		return nil
	}
	return bs.LoadBlock(binary.BigEndian.Uint32(bz))
}

// ContainsTx reports whether a saved block carries the transaction.
func (bs *BlockStore) ContainsTx(hash types.Hash) bool {
	_, ok := bs.TxHeight(hash)
	return ok
}

// TxHeight returns the height of the block that carries the transaction.
func (bs *BlockStore) TxHeight(hash types.Hash) (uint32, bool) {
	bz, err := bs.db.Get(calcTxKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(bz), true
}

// SaveBlock persists the given block and its indexes atomically.
// The block must be the genesis block of an empty store or follow the last
// saved block.
func (bs *BlockStore) SaveBlock(block *types.Block) error {
	if block == nil {
		panic("BlockStore can only save a non-nil block")
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.empty {
		if block.Index != 0 {
			return errors.Wrapf(ErrBlockNotContiguous, "empty store expects block 0, got %d", block.Index)
		}
	} else if block.Index != bs.height+1 {
		return errors.Wrapf(ErrBlockNotContiguous, "expected block %d, got %d", bs.height+1, block.Index)
	}

	bz, err := block.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "encode block")
	}
	height := encodeHeight(block.Index)

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(calcBlockKey(block.Index), bz); err != nil {
		return err
	}
	if err := batch.Set(calcBlockHashKey(block.Hash()), height); err != nil {
		return err
	}
	for _, tx := range block.Txs {
		if err := batch.Set(calcTxKey(tx.Hash()), height); err != nil {
			return err
		}
	}
	if err := batch.Set(blockStoreKey, height); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrapf(err, "save block %d", block.Index)
	}

	bs.height = block.Index
	bs.empty = false
	bs.logger.Debug("Saved block", "height", block.Index, "hash", block.Hash(), "txs", len(block.Txs))
	return nil
}

//-----------------------------------------------------------------------------

func calcBlockKey(height uint32) []byte {
	return []byte(fmt.Sprintf("B:%v", height))
}

func calcBlockHashKey(hash types.Hash) []byte {
	return []byte(fmt.Sprintf("BH:%v", hash))
}

func calcTxKey(hash types.Hash) []byte {
	return []byte(fmt.Sprintf("T:%v", hash))
}

func encodeHeight(height uint32) []byte {
	bz := make([]byte, 4)
	binary.BigEndian.PutUint32(bz, height)
	return bz
}

func loadBlockStoreHeight(db dbm.DB) (uint32, bool) {
	bz, err := db.Get(blockStoreKey)
	if err != nil {
		panic(err)
	}
	if len(bz) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(bz), true
}

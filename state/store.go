package state

import (
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	dbm "github.com/tendermint/tm-db"

	"dbft_demo/store"
	"dbft_demo/types"
)

var stateKey = []byte("stateKey")

// 状态持久化接口
type Store interface {
	// Load 返回最后保存的状态，没有保存过时返回空State
	Load() (State, error)

	Save(State) error
}

type dbStore struct {
	db dbm.DB
}

var _ Store = (*dbStore)(nil)

func NewStore(db dbm.DB) Store {
	return dbStore{db}
}

func (store dbStore) Load() (State, error) {
	bz, err := store.db.Get(stateKey)
	if err != nil {
		return State{}, err
	}
	if len(bz) == 0 {
		return State{}, nil
	}

	var state State
	if err := tmjson.Unmarshal(bz, &state); err != nil {
		return State{}, errors.Wrap(err, "decode state")
	}
	return state, nil
}

func (store dbStore) Save(state State) error {
	bz, err := tmjson.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	return store.db.SetSync(stateKey, bz)
}

// LoadStateFromDBOrGenesisDoc 从数据库中恢复状态
// 第一次启动时由genesis生成状态，并保存创世区块
func LoadStateFromDBOrGenesisDoc(stateStore Store, blockStore *store.BlockStore, genDoc *types.GenesisDoc) (State, error) {
	state, err := stateStore.Load()
	if err != nil {
		return State{}, err
	}
	if !state.IsEmpty() {
		return replayLastBlock(stateStore, blockStore, state)
	}

	state, genesis, err := MakeGenesisState(genDoc)
	if err != nil {
		return State{}, err
	}
	if blockStore.IsEmpty() {
		if err := blockStore.SaveBlock(genesis); err != nil {
			return State{}, err
		}
	} else if existing := blockStore.LoadBlock(0); existing == nil || existing.Hash() != genesis.Hash() {
		return State{}, errors.New("block store holds a different genesis block")
	}
	if err := stateStore.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// 区块已保存但状态未保存时（保存之间崩溃），补上最后一个区块
func replayLastBlock(stateStore Store, blockStore *store.BlockStore, state State) (State, error) {
	switch blockStore.Height() {
	case state.LastBlockHeight:
		return state, nil
	case state.LastBlockHeight + 1:
		block := blockStore.LoadBlock(blockStore.Height())
		next, err := state.Update(block)
		if err != nil {
			return State{}, err
		}
		return next, stateStore.Save(next)
	default:
		return State{}, errors.Errorf("state height %d does not match block store height %d",
			state.LastBlockHeight, blockStore.Height())
	}
}

package consensus

import (
	"github.com/tendermint/tendermint/p2p"

	cstypes "dbft_demo/consensus/types"
	"dbft_demo/types"
)

// 共识模块依赖的外部组件，由node在启动时注入

// Ledger is the chain the engine agrees on blocks for.
type Ledger interface {
	cstypes.ChainReader

	// ContainsTransaction reports whether tx is already in a persisted block.
	ContainsTransaction(hash types.Hash) bool

	// PersistAndRelay hands over a finalised block. It must not block: the
	// ledger persists on its own goroutine and reports back through
	// ConsensusState.OnBlockPersisted, or ConsensusState.OnPersistFailed when
	// the block could not be stored.
	PersistAndRelay(block *types.Block) error
}

// TxResolver looks transactions up in the local pool.
type TxResolver interface {
	GetTx(hash types.Hash) (types.Tx, bool)
	ReapMaxTxs(max int) types.Txs
}

// TxFetcher asks peers for transactions the pool does not hold. Fetched
// transactions come back through ConsensusState.ReceiveTx.
type TxFetcher interface {
	RequestTxs(hashes []types.Hash)
}

// TxValidator applies the business rules to a single transaction.
type TxValidator interface {
	ValidateTx(tx types.Tx) error
}

// Broadcaster delivers signed payloads to the committee.
type Broadcaster interface {
	Broadcast(payload *types.ConsensusPayload)
	SendTo(validatorIndex int, payload *types.ConsensusPayload)
}

// PeerRouter is implemented by broadcasters that route SendTo through the
// peer a validator was last heard from. Only payloads whose witness verified
// are reported.
type PeerRouter interface {
	RouteValidator(validatorIndex int, peerID p2p.ID)
}

//-----------------------------------------------------------------------------

type nopFetcher struct{}

func (nopFetcher) RequestTxs([]types.Hash) {}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(*types.ConsensusPayload)   {}
func (nopBroadcaster) SendTo(int, *types.ConsensusPayload) {}

type acceptAllValidator struct{}

func (acceptAllValidator) ValidateTx(types.Tx) error { return nil }

package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/memdb"

	"dbft_demo/types"
)

// commitWithLog drives validator 2 of a fresh committee to a sent commit.
func commitWithLog(t *testing.T, db dbm.DB) (*types.ValidatorSet, []types.PrivValidator, *testNode) {
	vals, pvs := newTestCommittee(4)
	primary := newTestNode(t, 1, vals, pvs[1])
	other := newTestNode(t, 0, vals, pvs[0])
	committed := newTestNode(t, 2, vals, pvs[2], SetRecoveryDB(db))
	startQuiet([]*testNode{primary, other, committed})

	primary.fireTimeout()
	req := payloadsOf(primary.bc.take(), types.PrepareRequestType)[0]
	other.deliver(t, req)
	committed.deliver(t, req)
	committed.deliver(t, payloadsOf(other.bc.take(), types.PrepareResponseType)[0])
	require.True(t, committed.cs.rc.CommitSent())
	return vals, pvs, committed
}

func TestRecoveryLogRestoresCommit(t *testing.T) {
	db := memdb.NewDB()
	vals, pvs, committed := commitWithLog(t, db)
	commit := committed.cs.rc.CommitPayloads.Get(2)
	require.NotNil(t, commit)

	bz, err := db.Get(recoveryLogKey)
	require.NoError(t, err)
	require.NotEmpty(t, bz)

	restarted := newTestNode(t, 2, vals, pvs[2], SetRecoveryDB(db))
	restarted.start()

	rc := restarted.cs.rc
	assert.True(t, rc.CommitSent())
	assert.EqualValues(t, 1, rc.Height)
	assert.Equal(t, committed.cs.rc.EnsureHeader().Hash(), rc.EnsureHeader().Hash())

	sent := restarted.bc.take()
	commits := payloadsOf(sent, types.CommitType)
	require.Len(t, commits, 1)
	assert.Equal(t, commit.Hash(), commits[0].Hash())
	assert.Empty(t, payloadsOf(sent, types.RecoveryRequestType))
	assert.Equal(t, restarted.cs.config.TimePerBlock, restarted.lastTimeout().Duration)
}

func TestRecoveryLogIgnored(t *testing.T) {
	db := memdb.NewDB()
	vals, pvs, _ := commitWithLog(t, db)

	ignore := func(cs *ConsensusState) { cs.config.IgnoreRecoveryLogs = true }
	restarted := newTestNode(t, 2, vals, pvs[2], SetRecoveryDB(db), ignore)
	restarted.start()
	assert.False(t, restarted.cs.rc.CommitSent())
	assert.Len(t, payloadsOf(restarted.bc.take(), types.RecoveryRequestType), 1)
}

func TestRecoveryLogCleared(t *testing.T) {
	db := memdb.NewDB()
	vals, pvs, committed := commitWithLog(t, db)

	// 区块落盘后开始下一高度，日志随之清除
	block := &types.Block{Header: *committed.cs.rc.EnsureHeader()}
	require.NoError(t, committed.ledger.PersistAndRelay(block))
	committed.cs.mtx.Lock()
	committed.cs.onBlockPersisted(block)
	committed.cs.mtx.Unlock()
	bz, err := db.Get(recoveryLogKey)
	require.NoError(t, err)
	assert.Nil(t, bz)

	restarted := newTestNode(t, 2, vals, pvs[2], SetRecoveryDB(db))
	restarted.start()
	assert.False(t, restarted.cs.rc.CommitSent())
}

func TestRecoveryLogFromOtherHeightDiscarded(t *testing.T) {
	db := memdb.NewDB()
	vals, pvs, committed := commitWithLog(t, db)

	restarted := newTestNode(t, 2, vals, pvs[2], SetRecoveryDB(db))
	// the block was persisted before the restart
	block := &types.Block{Header: *committed.cs.rc.EnsureHeader()}
	require.NoError(t, restarted.ledger.PersistAndRelay(block))

	restarted.start()
	assert.EqualValues(t, 2, restarted.cs.rc.Height)
	assert.False(t, restarted.cs.rc.CommitSent())
}

package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	cfg "dbft_demo/config"
	mempl "dbft_demo/mempool"
	"dbft_demo/types"
)

func newTestNode(t *testing.T, watchOnly bool) (*Node, func()) {
	config := cfg.ResetTestRoot("node_test")
	config.P2P.ListenAddress = "tcp://127.0.0.1:0"
	config.RPC.ListenAddress = "tcp://127.0.0.1:0"
	config.WatchOnly = watchOnly

	vals, pvs := types.RandValidatorSet(1)
	genDoc := &types.GenesisDoc{ChainID: "node_test", GenesisTime: time.Now().Add(-time.Hour)}
	for _, val := range vals.Validators {
		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{PubKey: val.PubKey})
	}
	require.NoError(t, genDoc.ValidateAndComplete())

	var pv types.PrivValidator
	if !watchOnly {
		pv = pvs[0]
	}
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	require.NoError(t, err)

	n, err := NewNode(config, pv, nodeKey,
		func() (*types.GenesisDoc, error) { return genDoc, nil },
		DefaultDBProvider,
		log.TestingLogger(),
	)
	require.NoError(t, err)
	return n, func() { cfg.RemoveTestRoot(config) }
}

func TestNodeStartStop(t *testing.T) {
	n, cleanup := newTestNode(t, false)
	defer cleanup()

	require.NoError(t, n.Start())
	assert.True(t, n.IsListening())
	assert.Len(t, n.rpcListeners, 1)

	// 单验证者自己即可达到M个签名
	tx := types.Tx("node_test_tx")
	require.NoError(t, n.Mempool().CheckTx(tx, mempl.TxInfo{SenderID: mempl.UnknownPeerID}))
	require.Eventually(t, func() bool {
		return n.BlockStore().ContainsTx(tx.Hash())
	}, 10*time.Second, 50*time.Millisecond)
	assert.Zero(t, n.Mempool().Size())

	require.NoError(t, n.Stop())
	assert.False(t, n.IsListening())
}

func TestNodeWatchOnly(t *testing.T) {
	n, cleanup := newTestNode(t, true)
	defer cleanup()

	assert.Nil(t, n.privValidator)
	assert.Nil(t, n.pubKey)

	require.NoError(t, n.Start())
	time.Sleep(3 * n.config.Consensus.TimePerBlock)
	// 观察者不会出块
	assert.EqualValues(t, 0, n.BlockStore().Height())
	require.NoError(t, n.Stop())
}

func TestNodeInfoChannels(t *testing.T) {
	n, cleanup := newTestNode(t, false)
	defer cleanup()

	ni, ok := n.NodeInfo().(p2p.DefaultNodeInfo)
	require.True(t, ok)
	assert.Equal(t, "node_test", ni.Network)
	assert.Contains(t, string(ni.Channels), string([]byte{mempl.MempoolChannel}))
	require.NoError(t, ni.Validate())
}

func TestDefaultDBProvider(t *testing.T) {
	config := cfg.ResetTestRoot("node_db_test")
	defer cfg.RemoveTestRoot(config)

	for _, backend := range []string{"memdb", "goleveldb"} {
		config.DBBackend = backend
		db, err := DefaultDBProvider(&DBContext{"blockstore", config})
		require.NoError(t, err, backend)
		require.NoError(t, db.Set([]byte("k"), []byte("v")))
		v, err := db.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v, backend)
		require.NoError(t, db.Close())
	}

	// 其它后端需要对应的build tag
	config.DBBackend = "rocksdb"
	_, err := DefaultDBProvider(&DBContext{"blockstore", config})
	assert.Error(t, err)
}

package node

import (
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	dbm "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"
	"github.com/tendermint/tm-db/metadb"

	cfg "dbft_demo/config"
	"dbft_demo/consensus"
	"dbft_demo/libs/metric"
	mempl "dbft_demo/mempool"
	"dbft_demo/privval"
	rpccore "dbft_demo/rpc"
	sm "dbft_demo/state"
	"dbft_demo/store"
	"dbft_demo/types"
)

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *cfg.Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the ctx.Config.
// metadb只有在对应build tag下才注册后端，goleveldb与memdb直接创建
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	dbType := metadb.BackendType(ctx.Config.DBBackend)
	switch dbType {
	case metadb.GoLevelDBBackend:
		return goleveldb.NewDB(ctx.ID, ctx.Config.DBDir())
	case metadb.MemDBBackend:
		return memdb.NewDB(), nil
	default:
		return metadb.NewDB(ctx.ID, dbType, ctx.Config.DBDir())
	}
}

// GenesisDocProvider returns a GenesisDoc.
type GenesisDocProvider func() (*types.GenesisDoc, error)

// DefaultGenesisDocProviderFunc returns a GenesisDocProvider that loads
// the GenesisDoc from the config.GenesisFile() on the filesystem.
func DefaultGenesisDocProviderFunc(config *cfg.Config) GenesisDocProvider {
	return func() (*types.GenesisDoc, error) {
		return types.GenesisDocFromFile(config.GenesisFile())
	}
}

// DefaultNewNode returns a node with the default providers. WatchOnly nodes
// run without a validator key.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}

	var pv types.PrivValidator
	if !config.WatchOnly {
		pv = privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())
	}

	return NewNode(config,
		pv,
		nodeKey,
		DefaultGenesisDocProviderFunc(config),
		DefaultDBProvider,
		logger,
	)
}

//------------------------------------------------------------------------------

// Node 组装一个dBFT节点：存储、账本、mempool、共识、p2p以及rpc
type Node struct {
	service.BaseService

	// config
	config        *cfg.Config
	genesisDoc    *types.GenesisDoc   // initial validator set
	privValidator types.PrivValidator // local node's validator key, nil for observers
	pubKey        crypto.PubKey

	// network
	transport   *p2p.MultiplexTransport
	sw          *p2p.Switch // p2p connections
	nodeInfo    p2p.NodeInfo
	nodeKey     *p2p.NodeKey // our node privkey
	isListening bool

	// services
	stateStore       sm.Store
	blockStore       *store.BlockStore
	blockExec        *sm.BlockExecutor
	mempool          *mempl.ListMempool
	mempoolReactor   *mempl.Reactor
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	metricSet        *metric.MetricSet
	rpcListeners     []net.Listener
	dbs              []dbm.DB
}

type Option func(*Node)

func NewNode(config *cfg.Config,
	privValidator types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genesisDocProvider GenesisDocProvider,
	dbProvider DBProvider,
	logger log.Logger,
	options ...Option) (*Node, error) {

	genDoc, err := genesisDocProvider()
	if err != nil {
		return nil, err
	}

	// 区块、状态以及共识恢复日志各用一个数据库
	dbs := make([]dbm.DB, 0, 3)
	openDB := func(id string) (dbm.DB, error) {
		db, err := dbProvider(&DBContext{id, config})
		if err != nil {
			return nil, err
		}
		dbs = append(dbs, db)
		return db, nil
	}
	blockStoreDB, err := openDB("blockstore")
	if err != nil {
		return nil, err
	}
	stateDB, err := openDB("state")
	if err != nil {
		return nil, err
	}
	csDB, err := openDB("consensus")
	if err != nil {
		return nil, err
	}

	blockStore := store.NewBlockStore(blockStoreDB)
	blockStore.SetLogger(logger.With("module", "store"))
	stateStore := sm.NewStore(stateDB)
	state, err := sm.LoadStateFromDBOrGenesisDoc(stateStore, blockStore, genDoc)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load state")
	}
	logger.Info("Loaded state", "height", state.LastBlockHeight, "hash", state.LastBlockHash(),
		"validators", state.NextValidators.Size())

	// mempool
	mempool := mempl.NewListMempool(config.Mempool, state.LastBlockHeight,
		mempl.SetPreCheck(mempl.PreCheckMaxBytes(int(config.Consensus.MaxBlockBytes))))
	mempoolReactor := mempl.NewReactor(config.Mempool, mempool)
	mempoolReactor.SetLogger(logger.With("module", "mempool"))

	// ledger
	blockExec := sm.NewBlockExecutor(state, stateStore, blockStore, mempool)
	blockExec.SetLogger(logger.With("module", "state"))

	// consensus
	csOptions := []consensus.ConsensusOption{
		consensus.SetTxFetcher(mempoolReactor),
		consensus.SetTxValidator(blockExec),
		consensus.SetRecoveryDB(csDB),
	}
	var pubKey crypto.PubKey
	if privValidator != nil {
		csOptions = append(csOptions, consensus.SetPrivValidator(privValidator))
		if pubKey, err = privValidator.GetPubKey(); err != nil {
			return nil, fmt.Errorf("can't get pubkey: %w", err)
		}
		logNodeStartupInfo(state, pubKey, logger)
	} else {
		logger.Info("This node is an observer")
	}
	consensusState := consensus.NewConsensusState(config.Consensus, blockExec, mempool, csOptions...)
	consensusState.SetLogger(logger.With("module", "consensus"))
	blockExec.SetOnBlockPersisted(consensusState.OnBlockPersisted)
	blockExec.SetOnPersistFailed(consensusState.OnPersistFailed)
	mempool.SetOnTxAdded(consensusState.ReceiveTx)

	consensusReactor := consensus.NewReactor(consensusState, consensus.WithBlockLoader(blockStore))
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics(metric.LabelConsensus, consensusState.MetricItem()); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics(metric.LabelMempool, mempool.MetricItem()); err != nil {
		return nil, err
	}

	// setup node identity
	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc.ChainID)
	if err != nil {
		return nil, err
	}

	// Setup Transport.
	transport := createTransport(config, nodeInfo, nodeKey)

	// Setup Switch.
	p2pLogger := logger.With("module", "p2p")
	sw := createSwitch(
		config, transport, mempoolReactor, consensusReactor, nodeInfo, nodeKey, p2pLogger,
	)

	node := &Node{
		config:        config,
		genesisDoc:    genDoc,
		privValidator: privValidator,
		pubKey:        pubKey,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		stateStore:       stateStore,
		blockStore:       blockStore,
		blockExec:        blockExec,
		mempool:          mempool,
		mempoolReactor:   mempoolReactor,
		consensusState:   consensusState,
		consensusReactor: consensusReactor,
		metricSet:        metricSet,
		dbs:              dbs,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}

	return node, nil
}

func createTransport(
	config *cfg.Config,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = p2p.MConnConfig(config.P2P)
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)

	// Limit the number of incoming connections.
	max := config.P2P.MaxNumInboundPeers + len(splitAndTrimEmpty(config.P2P.UnconditionalPeerIDs, ",", " "))
	p2p.MultiplexTransportMaxIncomingConnections(max)(transport)

	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	mempoolReactor *mempl.Reactor,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", mempoolReactor)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func logNodeStartupInfo(state sm.State, pubKey crypto.PubKey, logger log.Logger) {
	if idx := state.NextValidators.IndexOf(pubKey); idx >= 0 {
		logger.Info("This node is a validator", "addr", types.GetAddress(pubKey), "index", idx)
	} else {
		logger.Info("This node is not in the committee, following as an observer", "addr", types.GetAddress(pubKey))
	}
}

func (n *Node) OnStart() error {
	// Start the RPC server before the P2P server
	// so we can eg. receive txs for the first block
	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}
	n.isListening = true

	// start the Switch, which starts the reactors and the consensus
	err = n.sw.Start()
	if err != nil {
		return err
	}

	// Always connect to persistent peers
	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	return nil
}

func (n *Node) OnStop() {
	n.BaseService.OnStop()

	n.Logger.Info("Stopping Node")

	// now stop the reactors
	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("Error closing switch", "err", err)
	}

	if err := n.transport.Close(); err != nil {
		n.Logger.Error("Error closing transport", "err", err)
	}

	n.isListening = false

	// finally stop the listeners / external services
	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("Error closing listener", "listener", l, "err", err)
		}
	}

	// 等待正在持久化的区块写完再关闭数据库
	n.blockExec.Wait()
	for _, db := range n.dbs {
		if err := db.Close(); err != nil {
			n.Logger.Error("Error closing db", "err", err)
		}
	}
}

func (n *Node) startRPC() ([]net.Listener, error) {
	rpccore.SetEnvironment(&rpccore.Environment{
		Mempool:      n.mempool,
		Consensus:    n.consensusState,
		BlockStore:   n.blockStore,
		BlockExec:    n.blockExec,
		P2PTransport: n,
		PubKey:       n.pubKey,
		MetricSet:    n.metricSet,
		Logger:       n.Logger.With("module", "rpc"),
	})

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	config := rpcserver.DefaultConfig()
	config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
	config.MaxHeaderBytes = n.config.RPC.MaxHeaderBytes
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	listeners := make([]net.Listener, len(listenAddrs))
	for i, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		rpcLogger := n.Logger.With("module", "rpc-server")
		wmLogger := rpcLogger.With("protocol", "websocket")
		wm := rpcserver.NewWebsocketManager(rpccore.Routes,
			rpcserver.ReadLimit(config.MaxBodyBytes),
		)
		wm.SetLogger(wmLogger)
		mux.HandleFunc("/websocket", wm.WebsocketHandler)
		rpcserver.RegisterRPCFuncs(mux, rpccore.Routes, rpcLogger)

		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}

		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
				n.Logger.Error("Error serving server", "err", err)
			}
		}()

		listeners[i] = listener
	}

	return listeners, nil
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

func (n *Node) BlockStore() *store.BlockStore {
	return n.blockStore
}

func (n *Node) Mempool() mempl.Mempool {
	return n.mempool
}

func (n *Node) IsListening() bool {
	return n.isListening
}

func (n *Node) GenesisDoc() *types.GenesisDoc {
	return n.genesisDoc
}

package consensus

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"
)

// 共识模块的运行指标，通过rpc的metrics接口以JSON输出
type consensusMetric struct {
	registry gometrics.Registry

	height           gometrics.Gauge
	view             gometrics.Gauge
	viewChanges      gometrics.Counter
	payloadsAccepted gometrics.Counter
	payloadsDropped  gometrics.Counter
	recoveries       gometrics.Counter
	blocks           gometrics.Counter
	txs              gometrics.Counter
	blockInterval    gometrics.Timer

	mtx        sync.Mutex
	lastBlock  time.Time
	roundState string
	isPrimary  bool
}

func newConsensusMetric() *consensusMetric {
	r := gometrics.NewRegistry()
	return &consensusMetric{
		registry:         r,
		height:           gometrics.NewRegisteredGauge("consensus.height", r),
		view:             gometrics.NewRegisteredGauge("consensus.view", r),
		viewChanges:      gometrics.NewRegisteredCounter("consensus.view_changes", r),
		payloadsAccepted: gometrics.NewRegisteredCounter("consensus.payloads.accepted", r),
		payloadsDropped:  gometrics.NewRegisteredCounter("consensus.payloads.dropped", r),
		recoveries:       gometrics.NewRegisteredCounter("consensus.recovery_messages", r),
		blocks:           gometrics.NewRegisteredCounter("consensus.blocks", r),
		txs:              gometrics.NewRegisteredCounter("consensus.txs", r),
		blockInterval:    gometrics.NewRegisteredTimer("consensus.block_interval", r),
	}
}

type consensusMetricJSON struct {
	Height           int64   `json:"height"`
	View             int64   `json:"view"`
	RoundState       string  `json:"round_state"`
	IsPrimary        bool    `json:"is_primary"`
	ViewChanges      int64   `json:"view_changes"`
	PayloadsAccepted int64   `json:"payloads_accepted"`
	PayloadsDropped  int64   `json:"payloads_dropped"`
	Recoveries       int64   `json:"recovery_messages"`
	Blocks           int64   `json:"blocks"`
	Txs              int64   `json:"txs"`
	AvgBlockInterval float64 `json:"avg_block_interval_ms"`
	MaxBlockInterval float64 `json:"max_block_interval_ms"`
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.Lock()
	out := consensusMetricJSON{
		RoundState: cm.roundState,
		IsPrimary:  cm.isPrimary,
	}
	cm.mtx.Unlock()

	interval := cm.blockInterval.Snapshot()
	out.Height = cm.height.Value()
	out.View = cm.view.Value()
	out.ViewChanges = cm.viewChanges.Count()
	out.PayloadsAccepted = cm.payloadsAccepted.Count()
	out.PayloadsDropped = cm.payloadsDropped.Count()
	out.Recoveries = cm.recoveries.Count()
	out.Blocks = cm.blocks.Count()
	out.Txs = cm.txs.Count()
	out.AvgBlockInterval = interval.Mean() / float64(time.Millisecond)
	out.MaxBlockInterval = float64(interval.Max()) / float64(time.Millisecond)

	s, _ := jsoniter.MarshalToString(out)
	return s
}

func (cm *consensusMetric) MarkRound(height uint32, view uint8, roundState string, isPrimary bool) {
	cm.height.Update(int64(height))
	cm.view.Update(int64(view))
	cm.mtx.Lock()
	cm.roundState = roundState
	cm.isPrimary = isPrimary
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkBlock(txs int, now time.Time) {
	cm.blocks.Inc(1)
	cm.txs.Inc(int64(txs))
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	if !cm.lastBlock.IsZero() {
		cm.blockInterval.Update(now.Sub(cm.lastBlock))
	}
	cm.lastBlock = now
}

func (cm *consensusMetric) MarkViewChange()   { cm.viewChanges.Inc(1) }
func (cm *consensusMetric) MarkAccepted()     { cm.payloadsAccepted.Inc(1) }
func (cm *consensusMetric) MarkDropped()      { cm.payloadsDropped.Inc(1) }
func (cm *consensusMetric) MarkRecoverySent() { cm.recoveries.Inc(1) }

package metric

// MetricItem - 一个独立的metric模块对应一个MetricItem
// 共识、mempool等模块各自实现，JSONString需要是并发安全的
type MetricItem interface {
	JSONString() string
}

// 节点注册的metric label
const (
	LabelConsensus = "consensus"
	LabelMempool   = "mempool"
)

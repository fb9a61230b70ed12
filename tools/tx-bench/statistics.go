package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"

	"dbft_demo/types"
)

type statistics struct {
	TxsThroughput    metrics.Histogram `json:"txs_per_sec"`
	BlocksThroughput metrics.Histogram `json:"blocks_per_sec"`
}

// calculateStatistics 按秒统计[timeStart, timeStart+duration)内出块数与交易数
// 没有出块的秒也计入，记为0
func calculateStatistics(blocks []*types.Block, timeStart time.Time, duration int) *statistics {
	stats := &statistics{
		BlocksThroughput: metrics.NewHistogram(metrics.NewUniformSample(1000)),
		TxsThroughput:    metrics.NewHistogram(metrics.NewUniformSample(1000)),
	}

	numBlocksPerSec := make([]int64, duration)
	numTxsPerSec := make([]int64, duration)
	for _, block := range blocks {
		sec := secondsSinceTimeStart(timeStart, block.Time())
		if sec < 0 || sec >= int64(duration) {
			continue
		}
		numBlocksPerSec[sec]++
		numTxsPerSec[sec] += int64(len(block.Txs))
	}

	for i := 0; i < duration; i++ {
		stats.BlocksThroughput.Update(numBlocksPerSec[i])
		stats.TxsThroughput.Update(numTxsPerSec[i])
	}

	return stats
}

func secondsSinceTimeStart(timeStart, timePassed time.Time) int64 {
	d := timePassed.Sub(timeStart)
	if d < 0 {
		return -1
	}
	return int64(d / time.Second)
}

func printStatistics(w io.Writer, stats *statistics, outputFormat string) error {
	if outputFormat == "json" {
		result, err := jsoniter.Marshal(struct {
			TxsThroughput    float64 `json:"txs_per_sec_avg"`
			BlocksThroughput float64 `json:"blocks_per_sec_avg"`
		}{stats.TxsThroughput.Mean(), stats.BlocksThroughput.Mean()})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(result))
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 5, ' ', 0)
	fmt.Fprintln(tw, "Stats\tAvg\tStdDev\tMax\tTotal\t")
	fmt.Fprintf(tw, "Txs/sec\t%.0f\t%.0f\t%d\t%d\t\n",
		stats.TxsThroughput.Mean(),
		stats.TxsThroughput.StdDev(),
		stats.TxsThroughput.Max(),
		stats.TxsThroughput.Sum())
	fmt.Fprintf(tw, "Blocks/sec\t%.3f\t%.3f\t%d\t%d\t\n",
		stats.BlocksThroughput.Mean(),
		stats.BlocksThroughput.StdDev(),
		stats.BlocksThroughput.Max(),
		stats.BlocksThroughput.Sum())
	return tw.Flush()
}

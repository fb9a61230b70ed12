package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	rpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"

	rpccore "dbft_demo/rpc"
	"dbft_demo/types"
)

var (
	durationInt       int
	txsRate           int
	connections       int
	txSize            int
	verbose           bool
	outputFormat      string
	broadcastTxMethod string
)

var logger = log.NewNopLogger()

var rootCmd = &cobra.Command{
	Use:   "tx-bench [endpoints]",
	Short: "Benchmark a dBFT committee by flooding it with transactions",
	Long: `Sends transactions over the websocket RPC of every endpoint and reports
the blocks and transactions committed per second.

Examples:
	tx-bench -T 30 -r 1000 localhost:26657
	tx-bench -T 10 -c 2 host1:26657,host2:26657`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "Connections to keep open per endpoint")
	rootCmd.Flags().IntVarP(&durationInt, "duration", "T", 10, "Exit after the specified amount of time in seconds")
	rootCmd.Flags().IntVarP(&txsRate, "rate", "r", 1000, "Txs per second to send in a connection")
	rootCmd.Flags().IntVarP(&txSize, "size", "s", 250, "The size of a transaction in bytes, must be greater than or equal to 24.")
	rootCmd.Flags().StringVar(&outputFormat, "output-format", "plain", "Output format: plain or json")
	rootCmd.Flags().StringVar(&broadcastTxMethod, "broadcast-tx-method", "broadcast_tx", "RPC method used to submit txs")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	if verbose {
		if outputFormat == "json" {
			return fmt.Errorf("verbose mode not supported with json output")
		}
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}
	if txSize < txPrefixSize {
		return fmt.Errorf("the size of a transaction must be greater than or equal to %d", txPrefixSize)
	}
	if durationInt <= 0 {
		return fmt.Errorf("duration must be positive, got %d", durationInt)
	}

	endpoints := strings.Split(args[0], ",")
	client, err := rpcclient.New("tcp://" + endpoints[0])
	if err != nil {
		return err
	}

	initialHeight, err := latestHeight(client)
	if err != nil {
		return err
	}
	logger.Info("Latest block height", "h", initialHeight)

	transacters := startTransacters(endpoints, connections, txsRate, txSize, broadcastTxMethod)

	timeStart := time.Now()
	logger.Info("Time last transacter started", "t", timeStart)

	time.Sleep(time.Duration(durationInt) * time.Second)
	timeEnd := time.Now()
	logger.Info("Time stopped", "t", timeEnd)

	for _, t := range transacters {
		t.Stop()
	}

	// 等待最后一秒发出的交易上链
	time.Sleep(2 * time.Second)
	blocks, err := fetchBlocks(client, initialHeight+1)
	if err != nil {
		return err
	}

	stats := calculateStatistics(blocks, timeStart, durationInt)
	return printStatistics(os.Stdout, stats, outputFormat)
}

func latestHeight(client *rpcclient.Client) (uint32, error) {
	status := new(rpccore.ResultStatus)
	if _, err := client.Call(context.Background(), "status", map[string]interface{}{}, status); err != nil {
		return 0, err
	}
	return status.LatestBlockHeight, nil
}

// fetchBlocks 读取从minHeight开始的所有区块
func fetchBlocks(client *rpcclient.Client, minHeight uint32) ([]*types.Block, error) {
	maxHeight, err := latestHeight(client)
	if err != nil {
		return nil, err
	}
	blocks := make([]*types.Block, 0, int(maxHeight)-int(minHeight)+1)
	for h := minHeight; h <= maxHeight; h++ {
		result := new(rpccore.ResultBlock)
		params := map[string]interface{}{"height": int64(h)}
		if _, err := client.Call(context.Background(), "block", params, result); err != nil {
			return nil, err
		}
		if result.Block == nil {
			return nil, fmt.Errorf("block %d not found", h)
		}
		blocks = append(blocks, result.Block)
	}
	return blocks, nil
}

func startTransacters(
	endpoints []string,
	connections,
	txsRate int,
	txSize int,
	broadcastTxMethod string,
) []*transacter {
	transacters := make([]*transacter, len(endpoints))

	for i, e := range endpoints {
		t := newTransacter(e, connections, txsRate, txSize, broadcastTxMethod)
		t.SetLogger(logger)
		if err := t.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		transacters[i] = t
	}

	return transacters
}

package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"dbft_demo/types"
)

var (
	chainID       string
	genesisSeed   int64
	validatorsNum int
)

// GenGenesisCmd 由种子生成整个委员会的genesis文件
// 每个节点再用相同的seed和自己的idx执行gen-validator得到私钥
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis-block",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file for the committee",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "链名")
	GenGenesisCmd.Flags().Int64Var(&genesisSeed, "seed", 1, "用来生成委员会密钥的种子")
	GenGenesisCmd.Flags().IntVar(&validatorsNum, "validators", 4, "委员会的验证者数量")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	if genesisSeed == 0 {
		return errors.New("seed must not be 0")
	}
	if validatorsNum < 1 {
		return fmt.Errorf("validators must be positive, got %d", validatorsNum)
	}

	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	// 为每一个验证者生成公钥，从1开始编号
	vals := make([]types.GenesisValidator, validatorsNum)
	for id := 1; id <= validatorsNum; id++ {
		pub := ed25519.GenPrivKeyFromSecret(validatorSecret(genesisSeed, id)).PubKey()
		vals[id-1] = types.GenesisValidator{
			Address: types.GetAddress(pub),
			PubKey:  pub,
			Name:    fmt.Sprintf("validator-%v", id),
		}
	}

	genDoc := types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: tmtime.Now(),
		Validators:  vals,
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}

	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "validators", validatorsNum)

	return nil
}

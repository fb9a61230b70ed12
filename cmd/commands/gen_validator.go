package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"dbft_demo/privval"
)

var (
	seed int64
	idx  int
)

// GenValidatorCmd 生成共识验证者的公私钥对
// 指定seed与idx时私钥是确定的，与gen-genesis-block生成的委员会对应
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Args:    cobra.NoArgs,
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().Int64Var(&seed, "seed", 0, "生成委员会密钥的种子，0表示随机生成")
	GenValidatorCmd.Flags().IntVar(&idx, "idx", 1, "验证者在委员会中的编号，从1开始")
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
		return nil
	}

	var pv *privval.FilePV
	if seed != 0 {
		if idx < 1 {
			return fmt.Errorf("idx must be positive, got %d", idx)
		}
		pv = privval.GenFilePVWithSecret(privValKeyFile, validatorSecret(seed, idx))
	} else {
		pv = privval.GenFilePV(privValKeyFile)
	}
	pv.Save()

	jsbz, err := tmjson.Marshal(pv.Key.PubKey)
	if err != nil {
		return err
	}
	fmt.Printf(`%v
`, string(jsbz))
	return nil
}

// validatorSecret 由种子和编号确定验证者私钥
func validatorSecret(seed int64, idx int) []byte {
	return []byte(fmt.Sprintf("dbft-validator-%d-%d", seed, idx))
}

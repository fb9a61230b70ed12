package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
)

// ResetAllCmd removes the database of this node, keeping the keys and the
// genesis file. The recovery log lives in the same directory and is removed
// too, so the node will not resume an interrupted round.
var ResetAllCmd = &cobra.Command{
	Use:     "unsafe-reset-all",
	Aliases: []string{"unsafe_reset_all"},
	Short:   "(unsafe) Remove all the data of this node",
	RunE:    resetAll,
	PreRun:  deprecateSnakeCase,
}

func resetAll(cmd *cobra.Command, args []string) error {
	return resetDBDir(config.DBDir(), logger)
}

func resetDBDir(dbDir string, logger log.Logger) error {
	if err := os.RemoveAll(dbDir); err == nil {
		logger.Info("Removed all blockchain history", "dir", dbDir)
	} else {
		logger.Error("Error removing all blockchain history", "dir", dbDir, "err", err)
		return err
	}
	return tmos.EnsureDir(dbDir, 0700)
}

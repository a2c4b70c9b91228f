package main

import (
	"github.com/spf13/cobra"

	"github.com/pushchain/push-tss-manager/manager/constant"
)

const flagHome = "home"

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tssmanager",
		Short:         "Push threshold signing manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String(flagHome, constant.DefaultNodeHome, "node home directory")

	InitRootCmd(rootCmd)
	return rootCmd
}

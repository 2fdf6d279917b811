package main

import (
	"os"

	"github.com/viewkeeper/viewkeeper/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(cmd.NewMigrateCommand())
	rootCmd.AddCommand(cmd.NewRebuildCommand())
	rootCmd.AddCommand(cmd.NewCascadeCommand())
	rootCmd.AddCommand(cmd.NewQueryCommand())
	rootCmd.AddCommand(cmd.NewStatsCommand())
	rootCmd.AddCommand(cmd.NewObjectCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/viewkeeper/viewkeeper/cmd/util"
	"github.com/viewkeeper/viewkeeper/pkg/query"
)

const minSharedFlag = "min-shared"

// NewStatsCommand summarizes overlap across collections.
func NewStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <collection-key> [collection-key ...]",
		Short: "Summarize sizes and overlap across collections",
		RunE:  runStats,
		Args:  cobra.MinimumNArgs(1),
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
		},
	}

	bindDatastoreFlags(cmd)
	cmd.Flags().Int(minSharedFlag, 2, "report collection pairs sharing at least this many members")

	return cmd
}

func runStats(cmd *cobra.Command, args []string) error {
	log := mustLogger()

	store, err := openDatastore(log)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := query.New(store, query.WithLogger(log))

	stats, err := engine.CollectionStatistics(cmd.Context(), args)
	if err != nil {
		return err
	}

	for _, key := range args {
		fmt.Fprintf(os.Stdout, "%s: %d members\n", key, stats.Sizes[key])
	}
	fmt.Fprintf(os.Stdout, "total %d, unique %d, overlap ratio %.3f\n",
		stats.TotalMembers, stats.UniqueMembers, stats.OverlapRatio)

	if len(args) < 2 {
		return nil
	}

	minShared, err := cmd.Flags().GetInt(minSharedFlag)
	if err != nil {
		return err
	}

	pairs, err := engine.SharedMembers(cmd.Context(), args, minShared)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		fmt.Fprintf(os.Stdout, "%s ∩ %s: %d shared\n", pair.First, pair.Second, pair.Count)
	}

	return nil
}

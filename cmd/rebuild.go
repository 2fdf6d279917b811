package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/viewkeeper/viewkeeper/cmd/util"
	"github.com/viewkeeper/viewkeeper/pkg/index"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
)

const (
	rebuildBatchSizeFlag   = "batch-size"
	rebuildParallelismFlag = "parallelism"
)

// NewRebuildCommand rebuilds declared indexes from canonical instance data.
func NewRebuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild [index-name ...]",
		Short: "Rebuild declared indexes from canonical instance data",
		Long: `Rebuilds the named class-level indexes, or every declared index when no
names are given. Each rebuild enumerates the scope's canonical instance set,
clears stale entries by pattern scan, and recomputes the index. Rebuilds are
idempotent; an interrupted run can simply be restarted.`,
		RunE: runRebuild,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
			util.MustBindPFlag(rebuildBatchSizeFlag, flags.Lookup(rebuildBatchSizeFlag))
			util.MustBindPFlag(rebuildParallelismFlag, flags.Lookup(rebuildParallelismFlag))
		},
	}

	bindDatastoreFlags(cmd)
	cmd.Flags().Int(rebuildBatchSizeFlag, index.DefaultRebuildBatchSize, "instances processed between progress reports")
	cmd.Flags().Int(rebuildParallelismFlag, 4, "how many indexes to rebuild concurrently")

	// NOTE: if you add a new flag here, add the binding in PreRun

	return cmd
}

func runRebuild(cmd *cobra.Command, args []string) error {
	log := mustLogger()

	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	store, err := openDatastore(log)
	if err != nil {
		return err
	}
	defer store.Close()

	targets, err := selectIndexes(reg, args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no class-level indexes declared")
	}

	loader := persistence.NewStoreLoader(store)
	engine := index.New(store, loader, index.WithLogger(log))

	batchSize, err := cmd.Flags().GetInt(rebuildBatchSizeFlag)
	if err != nil {
		return err
	}
	parallelism, err := cmd.Flags().GetInt(rebuildParallelismFlag)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(cmd.Context())
	group.SetLimit(parallelism)

	for _, d := range targets {
		d := d
		group.Go(func() error {
			count, err := engine.Rebuild(ctx, d, "",
				index.WithBatchSize(batchSize),
				index.WithProgress(func(p index.Progress) error {
					fmt.Fprintf(os.Stderr, "%s: %s %d/%d (%.0f/s)\n",
						d.Name, p.Phase, p.Completed, p.Total, p.Rate)
					return nil
				}))
			if err != nil {
				return fmt.Errorf("rebuild %q: %w", d.Name, err)
			}
			fmt.Fprintf(os.Stdout, "%s: rebuilt %d instances\n", d.Name, count)
			return nil
		})
	}

	return group.Wait()
}

// selectIndexes resolves the requested index names against the declared
// relationships, or returns every declared class-level index when no names
// are given. Instance-scoped indexes need an owner and are out of reach for
// this command.
func selectIndexes(reg *registry.Registry, names []string) ([]*registry.Descriptor, error) {
	var all []*registry.Descriptor
	for _, scope := range reg.KnownScopes() {
		for _, d := range reg.OwnedBy(scope) {
			if d.IsIndex() && d.ClassLevel {
				all = append(all, d)
			}
		}
	}

	if len(names) == 0 {
		return all, nil
	}

	byName := map[string]*registry.Descriptor{}
	for _, d := range all {
		byName[d.Name] = d
	}

	selected := make([]*registry.Descriptor, 0, len(names))
	for _, name := range names {
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("no declared class-level index named %q", name)
		}
		selected = append(selected, d)
	}

	return selected, nil
}

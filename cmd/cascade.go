package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/viewkeeper/viewkeeper/cmd/util"
	"github.com/viewkeeper/viewkeeper/pkg/cascade"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/reverseindex"
)

const dryRunFlag = "dry-run"

// NewCascadeCommand detaches an object from everything it participates in.
func NewCascadeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cascade <scope> <identifier>",
		Short: "Detach an object from every collection and index it participates in",
		Long: `Applies each declared relationship's cascade strategy to the given object:
'remove' and 'cascade' relationships are detached, 'ignore' relationships are
left alone, and index entries are always cleaned. Deleting an object never
triggers this implicitly; it is always an explicit call, and --dry-run
previews the impact without mutating anything.`,
		RunE: runCascade,
		Args: cobra.ExactArgs(2),
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
		},
	}

	bindDatastoreFlags(cmd)
	cmd.Flags().Bool(dryRunFlag, false, "compute the detachment plan without applying it")

	return cmd
}

func runCascade(cmd *cobra.Command, args []string) error {
	scope, identifier := args[0], args[1]

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

	tracker := reverseindex.New(store, reg, persistence.NewStoreLoader(store), reverseindex.WithLogger(log))
	engine := cascade.New(store, reg, tracker, cascade.WithLogger(log))

	dryRun, err := cmd.Flags().GetBool(dryRunFlag)
	if err != nil {
		return err
	}

	var plan *cascade.Plan
	if dryRun {
		plan, err = engine.DryRun(cmd.Context(), scope, identifier)
	} else {
		plan, err = engine.Detach(cmd.Context(), scope, identifier)
	}
	if err != nil {
		return err
	}

	verb := "applied"
	if dryRun {
		verb = "planned"
	}
	fmt.Fprintf(os.Stdout, "%s: %d removals, %d cascades across %d keys\n",
		verb, plan.Removals, plan.Cascades, len(plan.AffectedKeys))
	for _, key := range plan.AffectedKeys {
		fmt.Fprintf(os.Stdout, "  %s\n", key)
	}

	return nil
}

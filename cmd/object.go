package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/viewkeeper/viewkeeper/cmd/util"
	"github.com/viewkeeper/viewkeeper/pkg/cascade"
	"github.com/viewkeeper/viewkeeper/pkg/collection"
	"github.com/viewkeeper/viewkeeper/pkg/index"
	"github.com/viewkeeper/viewkeeper/pkg/logger"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/reverseindex"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
)

const detachFlag = "detach"

// NewObjectCommand groups the object-level subcommands.
func NewObjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "object",
		Short: "Create, inspect, attach and delete instances",
	}

	cmd.AddCommand(newObjectSetCommand())
	cmd.AddCommand(newObjectGetCommand())
	cmd.AddCommand(newObjectAttachCommand())
	cmd.AddCommand(newObjectRemoveCommand())

	return cmd
}

type objectContext struct {
	log         logger.Logger
	store       storage.Store
	reg         *registry.Registry
	loader      *persistence.StoreLoader
	collections *collection.Engine
	indexes     *index.Engine
	tracker     *reverseindex.Tracker
	cascades    *cascade.Engine
}

func newObjectContext() (*objectContext, error) {
	log := mustLogger()

	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}

	store, err := openDatastore(log)
	if err != nil {
		return nil, err
	}

	loader := persistence.NewStoreLoader(store)
	tracker := reverseindex.New(store, reg, loader, reverseindex.WithLogger(log))

	return &objectContext{
		log:         log,
		store:       store,
		reg:         reg,
		loader:      loader,
		collections: collection.New(store, collection.WithLogger(log)),
		indexes:     index.New(store, loader, index.WithLogger(log)),
		tracker:     tracker,
		cascades:    cascade.New(store, reg, tracker, cascade.WithLogger(log)),
	}, nil
}

func bindObjectFlags(cmd *cobra.Command) {
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()

		util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
		util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
	}
	bindDatastoreFlags(cmd)
}

func newObjectSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <scope> <identifier> [field=value ...]",
		Short: "Create or update an instance, maintaining its declared indexes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			octx, err := newObjectContext()
			if err != nil {
				return err
			}
			defer octx.store.Close()

			scope, identifier := args[0], args[1]
			fields := map[string]string{}
			for _, pair := range args[2:] {
				field, value, found := strings.Cut(pair, "=")
				if !found {
					return fmt.Errorf("malformed field assignment %q, want field=value", pair)
				}
				fields[field] = value
			}

			return octx.saveObject(cmd.Context(), scope, identifier, fields)
		},
	}
	bindObjectFlags(cmd)

	return cmd
}

// saveObject persists the instance and keeps the scope's class-level indexes
// in step with the field changes.
func (octx *objectContext) saveObject(ctx context.Context, scope, identifier string, fields map[string]string) error {
	previous, err := octx.loader.Load(ctx, scope, identifier)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	identifier, err = octx.loader.Save(ctx, scope, identifier, fields)
	if err != nil {
		return err
	}

	for _, d := range octx.reg.ParticipatedBy(scope) {
		if !d.IsIndex() || !d.ClassLevel {
			continue
		}
		newValue := fields[d.Field]
		if previous == nil {
			if err := octx.indexes.AddEntry(ctx, d, "", newValue, identifier); err != nil {
				return err
			}
			continue
		}
		oldValue, had := previous.Field(d.Field)
		if !had {
			if err := octx.indexes.AddEntry(ctx, d, "", newValue, identifier); err != nil {
				return err
			}
			continue
		}
		if err := octx.indexes.UpdateEntry(ctx, d, "", identifier, oldValue, newValue); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stdout, "%s %s saved\n", scope, identifier)

	return nil
}

func newObjectGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <scope> <identifier>",
		Short: "Show an instance's fields and its verified memberships",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			octx, err := newObjectContext()
			if err != nil {
				return err
			}
			defer octx.store.Close()

			scope, identifier := args[0], args[1]

			inst, err := octx.loader.Load(cmd.Context(), scope, identifier)
			if err != nil {
				return err
			}

			rec, ok := inst.(*persistence.Record)
			if ok {
				printRecordFields(rec)
			}

			memberships, err := octx.tracker.CurrentMemberships(cmd.Context(), scope, identifier)
			if err != nil {
				return err
			}
			for _, m := range memberships {
				target := m.TargetScope
				if m.TargetID != "" {
					target += "/" + m.TargetID
				}
				switch {
				case m.Score != nil:
					fmt.Fprintf(os.Stdout, "in %s %s (score %g)\n", target, m.Name, *m.Score)
				case m.Position != nil:
					fmt.Fprintf(os.Stdout, "in %s %s (position %d)\n", target, m.Name, *m.Position)
				default:
					fmt.Fprintf(os.Stdout, "in %s %s\n", target, m.Name)
				}
			}

			return nil
		},
	}
	bindObjectFlags(cmd)

	return cmd
}

func printRecordFields(rec *persistence.Record) {
	names := rec.FieldNames()
	sort.Strings(names)
	for _, name := range names {
		value, _ := rec.Field(name)
		fmt.Fprintf(os.Stdout, "%s=%s\n", name, value)
	}
}

func newObjectAttachCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <owner-scope> <owner-id> <collection> <participant-id>",
		Short: "Add an instance to a declared collection",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			octx, err := newObjectContext()
			if err != nil {
				return err
			}
			defer octx.store.Close()

			ownerScope, ownerID, name, participantID := args[0], args[1], args[2], args[3]

			d, ok := octx.reg.FindCollection(ownerScope, name)
			if !ok {
				return fmt.Errorf("no declared collection %q on scope %q", name, ownerScope)
			}

			item, err := octx.loader.Load(cmd.Context(), d.ParticipantScope, participantID)
			if err != nil {
				return err
			}

			return octx.collections.Add(cmd.Context(), d, ownerID, item)
		},
	}
	bindObjectFlags(cmd)

	return cmd
}

func newObjectRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <scope> <identifier>",
		Short: "Delete an instance, optionally detaching its derived views first",
		Long: `Deletes the instance from the canonical store. Derived views are left in
place unless --detach is given: deletion never cascades implicitly.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			octx, err := newObjectContext()
			if err != nil {
				return err
			}
			defer octx.store.Close()

			scope, identifier := args[0], args[1]

			detach, err := cmd.Flags().GetBool(detachFlag)
			if err != nil {
				return err
			}
			if detach {
				plan, err := octx.cascades.Detach(cmd.Context(), scope, identifier)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "detached from %d keys\n", len(plan.AffectedKeys))
			}

			return octx.loader.Delete(cmd.Context(), scope, identifier)
		},
	}
	bindObjectFlags(cmd)
	cmd.Flags().Bool(detachFlag, false, "run cascade detachment before deleting")

	return cmd
}

package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/viewkeeper/viewkeeper/cmd/util"
	"github.com/viewkeeper/viewkeeper/pkg/storage/sqlite"
)

const verboseMigrationFlag = "verbose"

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the datastore schema migrations",
		Long:  `The migrate command is used to migrate the schema of the backing datastore.`,
		RunE:  runMigration,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
			util.MustBindPFlag(verboseMigrationFlag, flags.Lookup(verboseMigrationFlag))
		},
	}

	bindDatastoreFlags(cmd)
	cmd.Flags().Bool(verboseMigrationFlag, false, "enable verbose migration logs (default false)")

	// NOTE: if you add a new flag here, add the binding in PreRun

	return cmd
}

func runMigration(_ *cobra.Command, _ []string) error {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)
	verbose := viper.GetBool(verboseMigrationFlag)

	switch engine {
	case "memory":
		log.Println("no migrations to run for `memory` datastore")
		return nil
	case "sqlite":
		if uri == "" {
			return fmt.Errorf("missing datastore uri")
		}
		if err := sqlite.RunMigrations(uri, verbose); err != nil {
			return err
		}
		version, err := sqlite.CurrentVersion(uri)
		if err != nil {
			return err
		}
		log.Printf("datastore schema at version %d", version)
		return nil
	case "":
		return fmt.Errorf("missing datastore engine type")
	default:
		return fmt.Errorf("unknown datastore engine type: %s", engine)
	}
}

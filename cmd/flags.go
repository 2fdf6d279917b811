package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/viewkeeper/viewkeeper/pkg/logger"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/storage/memory"
	"github.com/viewkeeper/viewkeeper/pkg/storage/sqlite"
)

// bindDatastoreFlags registers the shared datastore flags on a command.
func bindDatastoreFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(datastoreEngineFlag, "memory", "the datastore engine that will be used for persistence ('memory' or 'sqlite')")
	flags.String(datastoreURIFlag, "", "the connection uri of the datastore (sqlite file path)")
}

func mustLogger() logger.Logger {
	return logger.MustNewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))
}

// openDatastore builds the configured store. Callers own Close.
func openDatastore(log logger.Logger) (storage.Store, error) {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)

	switch engine {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if uri == "" {
			return nil, fmt.Errorf("the 'sqlite' datastore engine requires %q", datastoreURIFlag)
		}
		return sqlite.New(uri, &sqlite.Config{Logger: log})
	case "":
		return nil, fmt.Errorf("missing datastore engine type")
	default:
		return nil, fmt.Errorf("unknown datastore engine type: %s", engine)
	}
}

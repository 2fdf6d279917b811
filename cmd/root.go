// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreEngineConf = "datastore.engine"
	datastoreURIFlag    = "datastore-uri"
	datastoreURIConf    = "datastore.uri"
	logFormatFlag       = "log-format"
	logLevelFlag        = "log-level"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with VIEWKEEPER, or config.yaml (in that
// order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("VIEWKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/viewkeeper", "$HOME/.viewkeeper", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetDefault(datastoreEngineFlag, "memory")
	viper.SetDefault(datastoreURIFlag, "")
	viper.SetDefault(logFormatFlag, "text")
	viper.SetDefault(logLevelFlag, "info")
	err := viper.ReadInConfig()
	if err == nil {
		viper.SetDefault(datastoreEngineFlag, viper.Get(datastoreEngineConf))
		viper.SetDefault(datastoreURIFlag, viper.Get(datastoreURIConf))
	}

	return &cobra.Command{
		Use:   "viewkeeper",
		Short: "Maintains derived membership collections, secondary indexes and reverse-lookup sets over a key-value store",
		Long: `Maintains derived, redundant views (membership collections, secondary
indexes, reverse-lookup sets) over objects stored in a key-value store, and
keeps those views consistent as objects are created, mutated and deleted.

Relationships are declared in config.yaml; the subcommands operate on the
declared collections and indexes: rebuilding indexes from canonical data,
cascading detachment of deleted objects, and running set-algebra queries.`,
	}
}

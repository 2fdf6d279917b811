package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/viewkeeper/viewkeeper/internal/build"
)

// NewVersionCommand returns the command to get the viewkeeper version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the viewkeeper version",
		Long:  "Return the viewkeeper version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

func version(_ *cobra.Command, _ []string) error {
	log.Printf("viewkeeper Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}

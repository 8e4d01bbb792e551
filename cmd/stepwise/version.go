package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/stepwise/
var version = "dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stepwise version",
		Args:  cobra.NoArgs,
		// Skips config loading so version works with a broken settings file.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stepwise %s (%s %s/%s)\n",
				version, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}

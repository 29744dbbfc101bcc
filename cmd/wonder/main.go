package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	runcmd "github.com/wonderhq/wonder/internal/commands/run"
	servecmd "github.com/wonderhq/wonder/internal/commands/serve"
	"github.com/wonderhq/wonder/internal/commands/shared"
	validatecmd "github.com/wonderhq/wonder/internal/commands/validate"
	versioncmd "github.com/wonderhq/wonder/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	shared.SetVersion(version, commit, buildDate)

	root := &cobra.Command{
		Use:   "wonder",
		Short: "Wonder workflow coordinator",
		Long: `Wonder coordinates token-based workflow runs: fan-out over dynamic
collections, fan-in synchronization with merge strategies, retries, and a
causally ordered event log per run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runcmd.NewCommand(),
		servecmd.NewCommand(),
		validatecmd.NewCommand(),
		versioncmd.NewCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exitErr *shared.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(shared.ExitUsage)
	}
}

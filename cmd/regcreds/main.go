package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "regcreds",
		Short: "Issue and rotate container registry pull credentials for clusters",
		Long: `regcreds creates registry accounts per cluster, assembles them into
pull secrets, rotates them with an overlap window and keeps a pool of
pre-provisioned accounts for registries that can rename them.

Configuration is read from REGCREDS_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newReconcileCommand(),
		newHealthcheckCommand(),
	)
	return root
}

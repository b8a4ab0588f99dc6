package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/voidnet/cmd/voidnet/start"
	"github.com/VanDung-dev/voidnet/cmd/voidnet/status"
	"github.com/VanDung-dev/voidnet/cmd/voidnet/topology"
	"github.com/VanDung-dev/voidnet/cmd/voidnet/version"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := &cobra.Command{
		Use:          "voidnet",
		Short:        "A peer-to-peer gossip overlay node.",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	cmd.AddCommand(
		start.Command(),
		status.Command(),
		topology.Command(),
		version.Command(),
	)

	cmd.Version = version.String()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

package status

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/voidnet/api"
)

func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the status of a voidnet node.",
		Example: `
  # Get the status of a node serving metrics on port 9090.
  voidnet status 127.0.0.1:9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := args[0]
			status, err := api.NewClient(address).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status from %q: %w", address, err)
			}

			output, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal status: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return nil
		},
	}
}

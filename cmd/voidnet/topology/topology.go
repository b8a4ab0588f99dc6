// Package topology implements the map command, which prints the network map
// a node has converged on.
package topology

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/voidnet/api"
	"github.com/VanDung-dev/voidnet/network"
)

func Command() *cobra.Command {
	var (
		useArrow bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Print the network map of a voidnet node.",
		Example: `
  # List the confirmed links known to a node.
  voidnet map 127.0.0.1:9090

  # Fetch the links as an Arrow stream instead of JSON.
  voidnet map 127.0.0.1:9090 --arrow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := args[0]
			client := api.NewClient(address)

			var (
				edges []network.Edge
				err   error
			)
			if useArrow {
				edges, err = client.MapArrow(cmd.Context())
			} else {
				var view api.MapView
				view, err = client.Map(cmd.Context())
				edges = view.Edges
			}
			if err != nil {
				return fmt.Errorf("failed to get map from %q: %w", address, err)
			}

			return printEdges(cmd.OutOrStdout(), edges, asJSON)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&useArrow, "arrow", false, "fetch the map as an Arrow IPC stream")
	flags.BoolVar(&asJSON, "json", false, "print edges as JSON")

	return cmd
}

func printEdges(w io.Writer, edges []network.Edge, asJSON bool) error {
	if asJSON {
		if edges == nil {
			edges = []network.Edge{}
		}
		output, err := json.MarshalIndent(edges, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal edges: %w", err)
		}
		_, err = fmt.Fprintln(w, string(output))
		return err
	}

	for _, e := range edges {
		if _, err := fmt.Fprintf(w, "%s -- %s\n", e.A, e.B); err != nil {
			return err
		}
	}
	return nil
}

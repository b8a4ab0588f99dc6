package version

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "voidnet"
)

// String returns the release version, with the module version appended when
// the binary was built from a tagged module.
func String() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return Version + " (" + info.Main.Version + ")"
	}
	return Version
}

func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the voidnet version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", Name, String())
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Biometria-se/grizzly-sub007/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("async-messaged\n%s\n", version.Info())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

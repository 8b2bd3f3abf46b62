// File: cmd/version.go
package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the build version, overridable at link time with
// -ldflags "-X github.com/sessiontap/sessiontap/cmd.Version=...".
var Version = "0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sessiontap version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sessiontap %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

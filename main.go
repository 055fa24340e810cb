// hostgate asks a human before letting an unknown host use a local device
// service.
package main

import (
	"fmt"
	"os"

	"hostgate/internal/cli"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	rootCmd := cli.NewRootCmd(version)
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[hostgate] Error: %v\n", err)
		os.Exit(1)
	}
}

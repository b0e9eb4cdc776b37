// Package main is the offlinesync command: an offline mutation queue server
// and the tools to inspect it.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/offlinesync/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := cli.RootCmd()
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"harrier/cli"
)

var version = "dev"

func main() {
	if err := cli.BuildCLI(version, loadPlugins).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

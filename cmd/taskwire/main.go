package main

import (
	"fmt"
	"os"

	"github.com/omnibrowser/taskwire/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

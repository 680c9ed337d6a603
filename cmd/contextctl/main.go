package main

import (
	"os"

	"github.com/aos-labs/contextd/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/vantage6/node/cmd/node/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

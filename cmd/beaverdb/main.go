package main

import (
	"os"

	"github.com/ChuLiYu/beaverdb/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

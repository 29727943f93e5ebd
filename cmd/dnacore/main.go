package main

import (
	"os"

	"github.com/pokerdna/dnacore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

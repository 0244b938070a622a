package main

import (
	"os"

	"github.com/aide-sh/aide/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

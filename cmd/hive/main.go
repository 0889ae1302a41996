package main

import (
	"os"

	"github.com/randalmurphal/hive/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/halcyon-im/halcyon/cmd/halcyon/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

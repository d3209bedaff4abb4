package main

import (
	"fmt"
	"os"

	"github.com/quirehq/quire/cmd/quire/commands"
	"github.com/quirehq/quire/logger"
)

func main() {
	defer logger.Cleanup()

	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

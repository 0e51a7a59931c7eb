package main

import (
	"fmt"
	"os"

	"github.com/benvon/webglue/cmd/configure/commands"
)

func main() {
	if err := commands.NewRootCmd(commands.DefaultDeps()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

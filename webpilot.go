package main

import (
	"fmt"
	"os"

	cli "github.com/neboloop/webpilot/cmd/webpilot"
	"github.com/neboloop/webpilot/internal/config"
)

func main() {
	// Load .env file if present
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	if err := cli.SetupRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

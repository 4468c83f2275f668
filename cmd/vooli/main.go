package main

import (
	"os"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var root = &cobra.Command{
		Use:           "vooli",
		Short:         "Conversational shopping assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(serveCMD(), migrateCMD(), askCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

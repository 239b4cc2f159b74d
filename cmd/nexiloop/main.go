package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "nexiloop",
		Short:   "nexiloop: daily usage quota ledger",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newUsageCmd(),
		newSubjectCmd(),
		newLimitsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

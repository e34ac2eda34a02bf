// Package main is the entry point for the sipwatch traffic analyzer.
package main

import (
	"fmt"
	"os"

	"sipwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

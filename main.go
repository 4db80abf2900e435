// Package main is the entry point for the taskflow task runner.
package main

import (
	"fmt"
	"os"

	"github.com/whisper-darkly/taskflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

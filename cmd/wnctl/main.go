package main

import (
	"os"

	"github.com/workernodes/workernodes/cmd/wnctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/pentestexpress/scanpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

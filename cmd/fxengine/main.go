package main

import (
	"os"

	"github.com/rustyeddy/fxengine/cmd/fxengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

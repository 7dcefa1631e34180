package main

import (
	"os"

	"github.com/cory-johannsen/minetest/cmd/minetest/cmd"
)

func main() {
	if err := cmd.Root.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the entry point for the hlsplayer application.
package main

import (
	"os"

	"github.com/jmylchreest/hlsplayer/cmd/hlsplayer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

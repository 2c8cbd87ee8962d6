// Package main is the entry point for the delta-append CLI binary.
package main

import (
	"os"

	cli "delta-append/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"codescope/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

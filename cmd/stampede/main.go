package main

import (
	"os"

	"github.com/stampede-load/stampede/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"pipeweave/internal/cliapp"
)

func main() {
	os.Exit(cliapp.Execute())
}

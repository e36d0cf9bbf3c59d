package main

import (
	"os"

	"import-orchestrator/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"github.com/use-agent/postpulse/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"github.com/strutdbg/strut/cmd/strut/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}

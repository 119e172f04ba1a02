package main

import (
	"os"

	"github.com/warp/shared-ledger/cmd/splitctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

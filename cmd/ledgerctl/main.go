package main

import (
	"os"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

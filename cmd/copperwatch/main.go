package main

import (
	"errors"
	"os"

	"github.com/wonny/copperwatch/cmd/copperwatch/commands"
)

// main is the entry point for the copperwatch CLI
// ⭐ 통합 CLI 진입점: go run ./cmd/copperwatch [command]
func main() {
	if err := commands.Execute(); err != nil {
		var runErr *commands.RunFailedError
		if errors.As(err, &runErr) {
			os.Exit(runErr.Code)
		}
		os.Exit(1)
	}
}

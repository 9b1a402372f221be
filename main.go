// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Poolgate.
//
// Usage:
//
//	go run . serve
//	./poolgate [command] [flags]
//
// See --help for the available commands.
package main

import (
	"os"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/logging"
	"github.com/toeirei/poolgate/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logging.Errorf("poolgate: %v", err)
		os.Exit(errs.ExitCode(err))
	}
}

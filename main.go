package main

import (
	"os"

	"github.com/kairos-io/firmforge/internal"
	"github.com/kairos-io/firmforge/internal/cmd"
)

var version = "v0.0.0-dev"

func main() {
	if err := cmd.GetApp(version).Run(os.Args); err != nil {
		internal.Log.Logger.Error().Err(err).Msg("firmforge failed")
		os.Exit(1)
	}
}

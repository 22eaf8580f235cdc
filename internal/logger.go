package internal

import "github.com/kairos-io/kairos-sdk/types/logger"

var Log logger.KairosLogger

// The init function initializes the default logger for the package.
// The CLI replaces it once the log level is known.
func init() {
	Log = logger.NewKairosLogger("firmforge", "info", false)
}

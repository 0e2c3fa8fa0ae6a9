// Package logger provides leveled, module-tagged logging for all
// scanner components.
package logger

import (
	"os"
	"strings"

	"github.com/op/go-logging"
)

const defaultFormat = "%{time:2006/01/02 15:04:05} %{color}%{level:-8s} %{shortpkg}:%{message}%{color:reset}"

// NewLogger creates a logger with the given level and module name.
// An unknown level falls back to INFO rather than failing.
func NewLogger(level string, module string) *logging.Logger {
	log := logging.MustGetLogger(module)

	lvl, err := logging.LogLevel(strings.ToUpper(level))
	if err != nil {
		lvl = logging.INFO
	}

	backend := logging.NewLogBackend(os.Stdout, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(defaultFormat))

	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, module)

	log.SetBackend(leveled)
	return log
}

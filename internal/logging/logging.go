// Package logging sets up the daemon's zerolog output: a console writer,
// colored when stdout is a terminal and plain otherwise, with per-module level
// overrides read from the "log" section of the config file.
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger is the base logger every module derives from.
var Logger zerolog.Logger

var modules = map[string]string{}

// Init configures Logger from the "log" section of the config file: a
// "level" key sets the default, any other key is a module name whose
// logger should run at a different level.
func Init(mod map[string]string) {
	modules = mod

	level, err := zerolog.ParseLevel(mod["level"])
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer zerolog.ConsoleWriter
	writer.Out = os.Stdout
	writer.NoColor = !isatty.IsTerminal(os.Stdout.Fd())
	writer.TimeFormat = "15:04:05.000"

	Logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// For returns a logger for module, running at that module's configured
// level override if the config file specifies one.
func For(module string) *zerolog.Logger {
	s, ok := modules[module]
	if !ok {
		l := Logger.With().Str("module", module).Logger()
		return &l
	}

	level, err := zerolog.ParseLevel(s)
	if err != nil {
		l := Logger.With().Str("module", module).Logger()
		return &l
	}
	l := Logger.Level(level).With().Str("module", module).Logger()
	return &l
}

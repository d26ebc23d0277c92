// Package logging constructs the daemon's structured logger.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// New builds the root logger, writing to w (typically os.Stderr) with
// timestamps on. verbose lowers the level to Debug; otherwise Info.
func New(w io.Writer, verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
}

// Default builds the root logger writing to stderr.
func Default(verbose bool) *log.Logger {
	return New(os.Stderr, verbose)
}

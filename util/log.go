// Package util contains logging and authentication helpers shared by the
// daemon and the control surface.
package util

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// S is the logger used by all packages. SetupLog must be called before use.
var S *zap.SugaredLogger

// SetupLog sets up the global zap logger.
// Set verbose to enable debug-level output.
func SetupLog(verbose bool) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		// logging is not optional
		os.Stderr.WriteString("building logger failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
	S = logger.Sugar()
}

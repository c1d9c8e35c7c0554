package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds the CLI logger, writing warnings and errors to stderr, and
// installs it as the zap global. Verbose enables debug output in a human
// readable encoding.
func Init(verbose bool) (*zap.Logger, error) {
	return build(zapcore.WarnLevel, verbose)
}

// InitServer is Init for long running processes, which log at info
func InitServer(verbose bool) (*zap.Logger, error) {
	return build(zapcore.InfoLevel, verbose)
}

func build(level zapcore.Level, verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)
	return l, nil
}

// Close flushes buffered log entries
func Close() {
	_ = zap.L().Sync()
}

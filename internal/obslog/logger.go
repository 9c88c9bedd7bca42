// Package obslog is the broker's structured logging layer, a thin
// convenience wrapper over zap. It exists so every subsystem logs through
// the same package-level entry points instead of constructing its own
// encoder, and so a component can log before Initialize runs without
// crashing (tests, early CLI flag parsing).
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global sugared logger. Safe to use before Initialize;
	// it starts as a no-op sink.
	Logger *zap.SugaredLogger
	// JSONOutput records which mode Initialize last configured.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize configures the global logger. jsonOutput selects
// zap's production JSON encoder for machine consumption; otherwise a
// minimal human-readable console encoder is used.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = cfg.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				newMinimalEncoder(),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// InitializeVerbose is like Initialize but sets the console core's level
// according to a CLI verbosity count (-v, -vv, ...).
func InitializeVerbose(jsonOutput bool, verbosity int) error {
	JSONOutput = jsonOutput
	level := VerbosityToLevel(verbosity)

	var zapLogger *zap.Logger
	var err error
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = cfg.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				newMinimalEncoder(),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}
	if err != nil {
		return err
	}
	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a sub-logger scoped to a component name, for handing to
// a subsystem constructor (broker, supervisor, registry, gateway).
func Named(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}

// Cleanup flushes buffered log entries. EINVAL from Sync on stdout/stderr
// is common on Linux/macOS and can be ignored by callers.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}

package obslog

import "go.uber.org/zap/zapcore"

// Verbosity level constants for the CLI's -v flag count.
const (
	VerbosityUser  = 0 // no flags: user-facing output only
	VerbosityInfo  = 1 // -v: informational messages
	VerbosityDebug = 2 // -vv: debug messages
)

// VerbosityToLevel maps a -v flag count to a zap level.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

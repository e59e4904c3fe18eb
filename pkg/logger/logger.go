package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It starts as a nop so packages can log
// safely before Init runs (tests never call Init).
var Log = zap.NewNop()

// Init builds the global logger. Production gets JSON output with ISO-8601
// timestamps; everything else gets the colored development console. An
// unrecognized level falls back to info rather than failing startup.
func Init(level, env string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	built, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	Log = built
	return nil
}

func Sync() {
	_ = Log.Sync()
}

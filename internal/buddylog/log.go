// Package buddylog sets up the zap logger shared by both buddies: a
// lumberjack-rotated JSON file core, with a -d bitmask gating the L1/L2/L3
// diagnostics levels instead of a parallel ad hoc diagnostics path.
package buddylog

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"intap/internal/config"
)

// Logger is the process-wide structured logger.
var Logger *zap.Logger

// debugLevel is the -d bitmask, latched once at startup by Setup.
var debugLevel int

// Setup wires Logger given the path to rotate logs into and the debug-level
// bitmask from CLI flags. name identifies which buddy is logging.
func Setup(name, logPath string, level int) {
	debugLevel = level

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		if debugLevel&(config.DebugL1Basic|config.DebugL2FDList|config.DebugL3Hex) != 0 {
			return lvl >= zapcore.DebugLevel
		}
		return lvl >= zapcore.InfoLevel
	})

	var core zapcore.Core
	if logPath != "" {
		hook := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    64,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		files := zapcore.AddSync(hook)
		encoderConfig := zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
		core = zapcore.NewTee(zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), files, highPriority))
	} else {
		consoleConfig := zap.NewDevelopmentEncoderConfig()
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(os.Stderr), highPriority)
	}

	Logger = zap.New(core, zap.AddCaller(), zap.Fields(zap.String("buddy", name)))
}

// L2Enabled reports whether the fd-list diagnostics level is on.
func L2Enabled() bool { return debugLevel&config.DebugL2FDList != 0 }

// L3Enabled reports whether the hex-dump diagnostics level is on.
func L3Enabled() bool { return debugLevel&config.DebugL3Hex != 0 }

// HexField renders a zap field with a hex dump of buf, for use at L3 only —
// callers should guard with L3Enabled to avoid the formatting cost otherwise.
func HexField(key string, buf []byte) zap.Field {
	return zap.String(key, hexDump(buf))
}

func hexDump(buf []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, len(buf)*3)
	for i, b := range buf {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}

// Package logging builds the zap logger shared by the dispatcher and the
// agent, switching encoding between JSON (production, machine-read) and a
// colorized console form (local/dev) based on configuration.
package logging

import (
	"fmt"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// colorableStdout is fatih/color's own stdout wrapper, which strips ANSI
// codes on terminals that don't support them (notably older Windows
// consoles) instead of emitting raw escape sequences.
var colorableStdout = color.Output

// Format selects the zap encoder.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// New builds a zap.Logger at the given level ("debug", "info", "warn",
// "error") in the given Format.
func New(level string, format Format) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	if format == FormatJSON {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapLevel)
		return cfg.Build()
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeLevel = colorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(zapcore.AddSync(colorableStdout)),
		zap.NewAtomicLevelAt(zapLevel),
	)
	return zap.New(core), nil
}

// colorLevelEncoder tags each console line with a color the way the CLI's
// own startup banners already use fatih/color, so the application's human-
// readable log stream and its banner output share one palette.
func colorLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var paint func(format string, a ...interface{}) string
	switch l {
	case zapcore.DebugLevel:
		paint = color.New(color.FgMagenta).Sprintf
	case zapcore.InfoLevel:
		paint = color.New(color.FgCyan).Sprintf
	case zapcore.WarnLevel:
		paint = color.New(color.FgYellow).Sprintf
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		paint = color.New(color.FgRed, color.Bold).Sprintf
	default:
		paint = fmt.Sprintf
	}
	enc.AppendString(paint("%-5s", l.CapitalString()))
}

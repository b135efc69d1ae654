package log

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// zerologLogger adapts github.com/rs/zerolog to the Logger interface.
type zerologLogger struct {
	zl     zerolog.Logger
	module string
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newZerologLogger(module, minLevel string, color bool) Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !color, TimeFormat: "15:04:05"}
	zl := zerolog.New(writer).Level(parseLevel(minLevel)).With().Timestamp().Str("component", module).Logger()
	return &zerologLogger{zl: zl, module: module}
}

func (z *zerologLogger) Warnf(msg string, args ...interface{})  { z.zl.Warn().Msgf(msg, args...) }
func (z *zerologLogger) Errorf(msg string, args ...interface{}) { z.zl.Error().Msgf(msg, args...) }
func (z *zerologLogger) Infof(msg string, args ...interface{})  { z.zl.Info().Msgf(msg, args...) }
func (z *zerologLogger) Debugf(msg string, args ...interface{}) { z.zl.Debug().Msgf(msg, args...) }

func (z *zerologLogger) Sub(module string) Logger {
	return &zerologLogger{zl: z.zl.With().Str("sub", module).Logger(), module: z.module + "/" + module}
}

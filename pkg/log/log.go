package log

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func SetLogger(l zerolog.Logger) {
	zlog.Logger = l
}

func GetLogger() zerolog.Logger {
	return zlog.Logger
}

// NewLogger builds console logger, and if file is set, json logs are duplicated
// into rotated file.
func NewLogger(level zerolog.Level, file *FileConfig) zerolog.Logger {
	var w io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})

	if file != nil && file.Path != "" {
		w = zerolog.MultiLevelWriter(w, &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		})
	}

	return zerolog.New(w).With().Timestamp().Logger().Level(level)
}

var (
	Error = zlog.Error
	Warn  = zlog.Warn
	Info  = zlog.Info
	Debug = zlog.Debug
	Trace = zlog.Trace
	Fatal = zlog.Fatal
)

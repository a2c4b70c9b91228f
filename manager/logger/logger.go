// Package logger builds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// sampleRate keeps one in N debug and info events when sampling is on.
const sampleRate = 5

// Options selects level, format and destination of the logger.
type Options struct {
	Level   int    // zerolog level: 0 debug, 1 info, ...
	Format  string // "json" or "console"
	Sampled bool
	Out     io.Writer // defaults to stdout
}

// New creates the logger for the given config values, writing to stdout.
func New(logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	return Build(Options{Level: logLevel, Format: logFormat, Sampled: logSampler})
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(out io.Writer, logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	return Build(Options{Level: logLevel, Format: logFormat, Sampled: logSampler, Out: out})
}

// Build creates a logger from opts. Warnings and errors are never sampled.
func Build(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    out != os.Stdout,
		}
	}

	l := zerolog.New(out).
		Level(zerolog.Level(opts.Level)).
		With().
		Timestamp().
		Str("service", "tssmanager").
		Logger()
	if opts.Sampled {
		l = l.Sample(zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: sampleRate},
			InfoSampler:  &zerolog.BasicSampler{N: sampleRate},
		})
	}
	return l
}

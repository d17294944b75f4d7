package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// NewLogger builds the run logger from configuration. With Format unset it
// picks console output on a TTY and JSON otherwise, so piped and unattended
// runs stay machine-parseable.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	var writer io.Writer
	var isTerminal bool
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
		isTerminal = isatty.IsTerminal(os.Stdout.Fd())
	case "stderr", "":
		writer = os.Stderr
		isTerminal = isatty.IsTerminal(os.Stderr.Fd())
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), err
		}
		writer = file
	}

	format := cfg.Format
	if format == "" {
		format = "json"
		if isTerminal {
			format = "console"
		}
	}
	if format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.Kitchen,
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(writer).With().Timestamp().Logger()
	return logger.Level(parseLogLevel(cfg.Level)), nil
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ConsoleReporter writes operator-facing progress lines. Symbols only show
// on a TTY so captured logs stay plain.
type ConsoleReporter struct {
	out   io.Writer
	fancy bool
}

// NewConsoleReporter reports to stderr, detecting TTY for decoration.
func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{
		out:   os.Stderr,
		fancy: isatty.IsTerminal(os.Stderr.Fd()),
	}
}

func (r *ConsoleReporter) line(symbol, plain, msg string) {
	prefix := plain
	if r.fancy {
		prefix = symbol
	}
	fmt.Fprintf(r.out, "%s %s\n", prefix, msg)
}

func (r *ConsoleReporter) Info(msg string)    { r.line("•", "[info]", msg) }
func (r *ConsoleReporter) Warn(msg string)    { r.line("!", "[warn]", msg) }
func (r *ConsoleReporter) Error(msg string)   { r.line("✗", "[fail]", msg) }
func (r *ConsoleReporter) Success(msg string) { r.line("✓", "[ ok ]", msg) }

// Package logging builds the service's zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/giovaniif/stock-reservations/infra/loki"
)

// New returns a JSON logger writing to stdout and, when lokiURL is set, to Loki.
// The logger also becomes zerolog's default context logger. The returned close
// function flushes the Loki buffer.
func New(service, level, lokiURL string) (zerolog.Logger, func()) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if lw := loki.NewWriter(lokiURL, service); lw != nil {
		out = zerolog.MultiLevelWriter(os.Stdout, lw)
		closeFn = func() { _ = lw.Close() }
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("service", service).Logger()
	zerolog.DefaultContextLogger = &logger
	return logger, closeFn
}

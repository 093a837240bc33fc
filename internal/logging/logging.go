package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"fleet-tracker/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger. Console output is used unless the
// format is json.
func Setup(cfg config.LogConfig) {
	SetupWriter(cfg, os.Stdout)
}

// SetupWriter is Setup with an explicit destination
func SetupWriter(cfg config.LogConfig, out io.Writer) {
	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Logger.Level(level)
}

package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Phase logs the start of a named build phase and returns a func that logs its
// outcome and duration.
func Phase(ctx context.Context, name string) func(error) {
	started := time.Now()
	log := zerolog.Ctx(ctx).With().Str("phase", name).Logger()

	log.Debug().Msg("Phase started")

	return func(err error) {
		if err != nil {
			log.Error().
				Err(err).
				Dur("duration", time.Since(started)).
				Msg("Phase failed")
			return
		}

		log.Debug().
			Dur("duration", time.Since(started)).
			Msg("Phase finished")
	}
}

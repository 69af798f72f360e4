package billing

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
)

// leveledLogger routes stripe-go's internal logging through zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

var _ stripe.LeveledLoggerInterface = leveledLogger{}

func newLeveledLogger() leveledLogger {
	return leveledLogger{logger: log.Logger.With().Str("component", "stripe").Logger()}
}

func (l leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}

func (l leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}

func (l leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(format, v...)
}

func (l leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(format, v...)
}

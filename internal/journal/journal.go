package journal

import (
	"log/slog"
)

type Slog struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}

	return &Slog{logger: logger.With("component", "watchdog")}
}

func (j *Slog) Log(message string) {
	j.logger.Info(message)
}

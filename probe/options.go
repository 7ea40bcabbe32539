package probe

import (
	"io"
	"log/slog"
)

// DefaultClockKHz is the SWD clock requested when no option overrides
// it. The probe clamps it to its own maximum.
const DefaultClockKHz = 4000

type config struct {
	logger   *slog.Logger
	clockKHz uint32
}

func defaultConfig() config {
	return config{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		clockKHz: DefaultClockKHz,
	}
}

// Option configures a Session at Open.
type Option func(*config)

// WithLogger routes the session's structured debug output to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClockSpeed sets the SWD clock requested on probe connect, in kHz.
// Requests above the probe's maximum are clamped by the probe.
func WithClockSpeed(khz uint32) Option {
	return func(c *config) {
		if khz > 0 {
			c.clockKHz = khz
		}
	}
}

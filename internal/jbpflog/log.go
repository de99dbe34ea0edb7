// Package jbpflog wires the Agent's packages to a single structured
// logger, threaded through every constructor instead of reaching for
// the global standard logger.
package jbpflog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Helper wraps a zerolog.Logger with the small set of leveled calls
// used across the Agent. Components take a *Helper in their Options
// struct rather than a bare zerolog.Logger so call sites read the same
// whether the underlying sink changes.
type Helper struct {
	log zerolog.Logger
}

// New builds a Helper writing to w in the given component. A nil w
// defaults to os.Stderr.
func New(component string, w io.Writer) *Helper {
	if w == nil {
		w = os.Stderr
	}
	l := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &Helper{log: l}
}

// Nop returns a Helper that discards everything, for tests that don't
// care about log output.
func Nop() *Helper {
	return &Helper{log: zerolog.Nop()}
}

func (h *Helper) Debugf(format string, args ...interface{}) {
	h.log.Debug().Msgf(format, args...)
}

func (h *Helper) Infof(format string, args ...interface{}) {
	h.log.Info().Msgf(format, args...)
}

func (h *Helper) Warnf(format string, args ...interface{}) {
	h.log.Warn().Msgf(format, args...)
}

func (h *Helper) Errorf(format string, args ...interface{}) {
	h.log.Error().Msgf(format, args...)
}

// With returns a derived Helper annotated with a key/value pair, used
// to tag log lines with a codeletset or hook name along a call path.
func (h *Helper) With(key, value string) *Helper {
	return &Helper{log: h.log.With().Str(key, value).Logger()}
}

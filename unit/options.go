package unit

import (
	"io"
	"log/slog"
)

// Option customizes a Unit.
type Option func(*Unit)

// WithIO sets the frame channel. The host reads what is written to w and
// writes what is read from r.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(u *Unit) {
		if r != nil {
			u.r = r
		}
		if w != nil {
			u.w = w
		}
	}
}

// WithLogger overrides the logger used for the unit's own diagnostics. It is
// not relayed to the host; use Logger for that.
func WithLogger(l *slog.Logger) Option {
	return func(u *Unit) {
		if l != nil {
			u.l = l
		}
	}
}

// WithLogLevel sets the minimum level the relay logger forwards.
func WithLogLevel(level slog.Level) Option {
	return func(u *Unit) { u.level = level }
}

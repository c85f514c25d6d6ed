package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger configured for the given component name.
// Output goes to stderr so rendered artifacts and command results stay clean
// on stdout.
func New(component string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", component)
}

package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. JSON output feeds log collectors
// in deployed environments; the text handler reads better during local
// runs. AddSource stays on in both so a ledger or workflow log line
// points back at its call site.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
}

package ouroboros

import (
	"log/slog"
	"os"

	"github.com/i5heu/ouroboros-sync/internal/encryption"
	"github.com/sirupsen/logrus"
)

// Config configures a Manager.
type Config struct {
	// Path is the root directory; every datastore lives in a subdirectory.
	Path string
	// MinimumFreeGB is a free-space threshold checked when a store opens.
	MinimumFreeGB uint
	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool
	// Keys supplies the encryption key for every datastore. Nil disables
	// encryption.
	Keys encryption.KeyProvider
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// BadgerLogger receives the store file's own log output. If nil, only
	// warnings are printed.
	BadgerLogger *logrus.Logger
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

func defaultBadgerLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

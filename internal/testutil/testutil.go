package testutil

import (
	"flag"
	"io"
	"log/slog"
	"testing"

	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/sirupsen/logrus"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// NewMemKV opens an in-memory store that is closed with the test.
func NewMemKV(t testing.TB) *keyValStore.KeyValStore {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true, Logger: QuietLogrus()})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// NewDiskKV opens a store in dir, optionally encrypted, closed with the test.
func NewDiskKV(t testing.TB, dir string, key []byte) *keyValStore.KeyValStore {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:         []string{dir},
		EncryptionKey: key,
		Logger:        QuietLogrus(),
	})
	if err != nil {
		t.Fatalf("open store in %s: %v", dir, err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func QuietLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

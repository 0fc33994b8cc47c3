// Command ouroboros-sync serves, edits and replicates ouroboros datastores.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/internal/config"
	"github.com/i5heu/ouroboros-sync/internal/encryption"
	"github.com/i5heu/ouroboros-sync/pkg/logging"
	"github.com/spf13/cobra"
)

const (
	logKeyDataDir   = "dataDir"
	logKeyListen    = "listen"
	logKeyDatastore = "datastore"
	logKeyRemote    = "remote"
	logKeyError     = "error"
)

var (
	configPath string
	dataDir    string
	logLevel   string

	conf   config.Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "ouroboros-sync",
		Short:         "Embedded document store with multi-master replication",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if conf, err = config.Load(configPath); err != nil {
				return err
			}
			if dataDir != "" {
				conf.DataDir = dataDir
			}
			if logLevel != "" {
				conf.LogLevel = logLevel
			}
			if err := conf.Validate(); err != nil {
				return err
			}
			logger, err = logging.Stderr(conf.LogLevel)
			return err
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ouroboros-sync.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory, overrides dataDir")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// keys resolves the configured key source.
func keys() (encryption.KeyProvider, error) {
	enc := conf.Encryption
	switch {
	case enc.KeyFile != "":
		return ouroboros.KeyFile(enc.KeyFile)
	case enc.PassphraseEnv != "":
		pass := os.Getenv(enc.PassphraseEnv)
		if pass == "" {
			return nil, fmt.Errorf("environment variable %s is empty", enc.PassphraseEnv)
		}
		return ouroboros.PassphraseKeys(conf.DataDir, pass)
	}
	return nil, nil
}

func openManager() (*ouroboros.Manager, error) {
	k, err := keys()
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	return ouroboros.New(ouroboros.Config{
		Path:          conf.DataDir,
		MinimumFreeGB: conf.MinimumFreeGB,
		SyncWrites:    conf.SyncWrites,
		Keys:          k,
		Logger:        logger,
		BadgerLogger:  logging.Badger(os.Stderr, level),
	})
}

// withDatastore opens the manager, runs fn on the named datastore and
// closes everything afterwards.
func withDatastore(name string, fn func(ds *ouroboros.Datastore) error) (err error) {
	m, err := openManager()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	ds, err := m.Datastore(name)
	if err != nil {
		return err
	}
	return fn(ds)
}

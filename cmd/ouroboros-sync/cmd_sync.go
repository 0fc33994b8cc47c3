package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/internal/config"
	"github.com/i5heu/ouroboros-sync/internal/replication"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/spf13/cobra"
)

var (
	syncContinuous bool
	syncFilter     string
	syncParams     []string

	pullCmd = &cobra.Command{
		Use:   "pull <datastore> <remote-url>",
		Short: "Replicate changes from a remote datastore into a local one",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return runSync(cmd, args, replication.Pull) },
	}
	pushCmd = &cobra.Command{
		Use:   "push <datastore> <remote-url>",
		Short: "Replicate changes from a local datastore to a remote one",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return runSync(cmd, args, replication.Push) },
	}
)

func init() {
	for _, c := range []*cobra.Command{pullCmd, pushCmd} {
		c.Flags().BoolVar(&syncContinuous, "continuous", false, "keep polling for changes until interrupted")
		c.Flags().StringVar(&syncFilter, "filter", "", "named filter registered on the source")
		c.Flags().StringArrayVar(&syncParams, "param", nil, "filter parameter as key=value, repeatable")
		rootCmd.AddCommand(c)
	}
}

// replicationOptions maps the config file's replication section onto
// replicator options.
func replicationOptions(rc config.Replication, dir replication.Direction) replication.Options {
	opts := replication.DefaultOptions()
	opts.Direction = dir
	opts.BatchSize = rc.BatchSize
	opts.MaxInFlight = rc.MaxInFlight
	opts.MaxRetries = rc.MaxRetries
	opts.RequestTimeout = rc.RequestTimeout
	opts.PollInterval = rc.PollInterval
	opts.RequestsPerSecond = rc.RequestsPerSecond
	if len(rc.Headers) > 0 {
		opts.Headers = make(http.Header, len(rc.Headers))
		for k, v := range rc.Headers {
			opts.Headers.Set(k, v)
		}
	}
	return opts
}

func parseParams(specs []string) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(specs))
	for _, s := range specs {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: filter parameter %q is not key=value", model.ErrValidation, s)
		}
		params[k] = v
	}
	return params, nil
}

func runSync(cmd *cobra.Command, args []string, dir replication.Direction) error {
	opts := replicationOptions(conf.Replication, dir)
	opts.Continuous = syncContinuous
	opts.Filter.Name = syncFilter
	params, err := parseParams(syncParams)
	if err != nil {
		return err
	}
	opts.Filter.Params = params

	return withDatastore(args[0], func(ds *ouroboros.Datastore) error {
		r, err := ds.NewRemoteReplicator(args[1], opts, func(ev replication.Event) {
			logger.Debug("replication progress", "state", ev.State.String(),
				"processed", ev.Progress.ChangesProcessed, "total", ev.Progress.ChangesTotal)
		})
		if err != nil {
			return err
		}
		log := logger.With(logKeyDatastore, args[0], logKeyRemote, r.ID())
		if err := r.Start(); err != nil {
			return err
		}
		// An interrupt stops the replicator, which still commits its
		// current page before Wait returns.
		release := context.AfterFunc(cmd.Context(), r.Stop)
		defer release()
		err = r.Wait(context.Background())
		p := r.Progress()
		if err != nil {
			log.Error("replication failed", logKeyError, err, "processed", p.ChangesProcessed)
			return err
		}
		log.Info("replication finished", "state", r.State().String(), "processed", p.ChangesProcessed)
		return nil
	})
}

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/i5heu/ouroboros-sync/pkg/apiServer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	serveNoCreate bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve all datastores over the HTTP replication protocol",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&serveNoCreate, "no-create", false, "reject PUT /{db}")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m, err := openManager()
	if err != nil {
		return err
	}
	defer m.Close()

	opts := []apiServer.Option{apiServer.WithLogger(logger)}
	if serveNoCreate {
		opts = append(opts, apiServer.WithoutCreate())
	}
	var handler http.Handler = apiServer.New(m, opts...)
	if conf.Server.Metrics {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.Handle("/", handler)
		handler = mux
	}

	srv := &http.Server{
		Addr:              conf.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", logKeyListen, conf.Server.Listen, logKeyDataDir, conf.DataDir, "metrics", conf.Server.Metrics)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

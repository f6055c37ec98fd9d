package main

import (
	"context"
	"errors"
	"log/slog"
	nethttp "net/http"
	_ "net/http/pprof" //nolint:gosec // served only on the --pprof address
	"time"

	"github.com/spf13/cobra"

	fphttp "github.com/meigma/fastpull/http"
)

const (
	listenFlag = "listen"
	pprofFlag  = "pprof"

	shutdownTimeout = 10 * time.Second
)

func newServeCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve stored distfiles over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return wrapError(serve(ctx, cmd))
		},
	}
	addScopeFlag(cmd)
	cmd.Flags().String(listenFlag, "", "listen address (default from config)")
	cmd.Flags().String(pprofFlag, "", "serve net/http/pprof on this address")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command) error {
	c, s, err := openScope(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	listen, _ := cmd.Flags().GetString(listenFlag)
	if listen == "" {
		listen = c.Config().Listen
	}
	if addr, _ := cmd.Flags().GetString(pprofFlag); addr != "" {
		go func() {
			slog.Info("pprof listening", slog.String("addr", addr))
			//nolint:gosec // profiling endpoint without timeouts
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				slog.Warn("pprof server error", slog.String("error", err.Error()))
			}
		}()
	}

	handler := fphttp.NewHandler(s.Store(),
		fphttp.WithRedirectBase(c.Config().RedirectBase),
		fphttp.WithLogger(slog.Default()),
	)
	srv := &nethttp.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving distfiles",
			slog.String("addr", listen),
			slog.String("scope", s.Name()),
			slog.String("root", s.Store().Root()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	c.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}

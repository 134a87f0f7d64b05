package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/acronym-cli/internal/api"
)

var (
	servePort         int
	serveOffline      bool
	serveDrainTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveOffline {
			cfg.Provider.Name = "stub"
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.Enabled {
			go newChecker(env.Store).Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(env.Manager, api.Options{
				CORSOrigins: cfg.Server.CORSOrigins,
				Health:      env.Store,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: stop accepting requests, then drain the active run.
		shutdownDone := make(chan struct{})
		go func() {
			defer close(shutdownDone)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), serveDrainTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
			if err := env.Manager.Shutdown(sctx); err != nil {
				zap.L().Warn("run drain incomplete", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		<-shutdownDone
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "use the offline stub provider")
	serveCmd.Flags().DurationVar(&serveDrainTimeout, "drain-timeout", 2*time.Minute, "how long to wait for the active run on shutdown")
	rootCmd.AddCommand(serveCmd)
}

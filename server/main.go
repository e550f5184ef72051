// server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rexlx/treehole/forum"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownGrace = 15 * time.Second

func main() {
	forum.LoadDotEnvs()

	root := &cobra.Command{
		Use:          "treehole",
		Short:        "Campus treehole message board",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and opens the database.
func setup(ctx context.Context) (forum.Config, zerolog.Logger, *forum.RLSContextSetter, *forum.Database, error) {
	cfg, err := forum.LoadConfig()
	if err != nil {
		log := forum.NewLogger(os.Stderr, "info", true)
		log.Error().Err(err).Msg("invalid configuration")
		return cfg, log, nil, nil, err
	}
	log := forum.NewLogger(os.Stdout, cfg.LogLevel, !cfg.Production())

	rls := forum.NewRLSContextSetter(cfg.EffectiveRLSCacheTTL(), log)
	db, err := forum.NewDatabase(ctx, cfg.DatabaseURL, rls, log)
	if err != nil {
		log.Error().Err(err).Msg("could not connect to the database")
		return cfg, log, nil, nil, err
	}
	log.Info().Str("env", cfg.Env).Msg("connected to the database")
	return cfg, log, rls, db, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, policies and sentinel users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, _, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.CreateTables(cmd.Context()); err != nil {
				log.Error().Err(err).Msg("migration failed")
				return err
			}
			log.Info().Msg("schema is up to date")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, rls, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if migrate {
				if err := db.CreateTables(ctx); err != nil {
					log.Error().Err(err).Msg("migration failed")
					return err
				}
			}

			codec, err := forum.NewSessionCodec(cfg.AuthSecret)
			if err != nil {
				log.Error().Err(err).Msg("invalid session secret")
				return err
			}
			if cfg.Production() && log.GetLevel() <= zerolog.DebugLevel {
				log.Warn().Msg("debug logging is on: verification codes will be written to the log")
			}
			handlers := forum.NewHandlers(db, db, codec, rls, forum.LogMailer{Log: log}, cfg, log)

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           handlers.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Msg("starting treehole server")
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("server failed")
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/config"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/counter"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/database"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/graph"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/ranking"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/server"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/voting"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orbit-api",
		Short: "Orbit social ranking backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Float64("vote-weight", defaults.GetFloat64("ranking.vote_weight"), "Score contribution of a single vote")
	cmd.PersistentFlags().Int("freshness-window-days", defaults.GetInt("ranking.freshness_window_days"), "Days an item stays open for voting")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "ranking.vote_weight", "vote-weight")
	bindFlag(cmd, "ranking.freshness_window_days", "freshness-window-days")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "orbit-auth",
		Audience:      "orbit-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	rankingIndex := ranking.NewIndex(ranking.IndexConfig{
		FreshnessWindow: appConfig.FreshnessWindow,
	})

	counterStore, err := counter.NewStore(counter.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	graphService, err := graph.NewService(graph.ServiceConfig{
		Database: db,
		Counters: counterStore,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	contentService, err := content.NewService(content.ServiceConfig{
		Database:   db,
		Counters:   counterStore,
		Ranking:    rankingIndex,
		Follows:    graphService,
		IDProvider: content.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	votingService, err := voting.NewService(voting.ServiceConfig{
		Database:   db,
		Counters:   counterStore,
		Ranking:    rankingIndex,
		VoteWeight: appConfig.VoteWeight,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Counters:   counterStore,
		Graph:      graphService,
		Voting:     votingService,
		Content:    contentService,
		Ranking:    rankingIndex,
		IDProvider: content.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Rebuild the in-memory ranking index from the durable scores.
	entries, err := contentService.RankingEntries(ctx)
	if err != nil {
		return err
	}
	rankingIndex.Load(entries)
	logger.Info("ranking index rebuilt", zap.Int("entries", len(entries)))

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Users:        usersService,
		Graph:        graphService,
		Voting:       votingService,
		Content:      contentService,
		Ranking:      rankingIndex,
		Counters:     counterStore,
		Events:       server.NewEventDispatcher(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

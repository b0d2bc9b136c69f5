package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/auth"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/config"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/database"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/logging"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/server"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/users"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/views"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	shutdownTimeout      = 10 * time.Second
	defaultVerifyWorkers = 4
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sheetsync-api",
		Short: "Collaborative spreadsheet revision service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newVerifyChainsCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", viper.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the API with credentials")
	cmd.PersistentFlags().String("database-path", viper.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", viper.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", viper.GetString("tauth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Duration("snapshot-interval", viper.GetDuration("spreadsheet.snapshot_interval"), "Revision age after which clients are asked for a snapshot")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "cookie-name")
	bindFlag(cmd, "spreadsheet.snapshot_interval", "snapshot-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

type runtime struct {
	config       config.AppConfig
	logger       *zap.Logger
	db           *gorm.DB
	spreadsheets *spreadsheet.Service
}

func openRuntime() (*runtime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	closeRuntime := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	spreadsheets, err := spreadsheet.NewService(spreadsheet.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: spreadsheet.NewUUIDProvider(),
		Logger:     logger,
		Presentation: spreadsheet.StaticPresentation{
			Currency: spreadsheet.Currency{
				Code:     appConfig.Currency.Code,
				Symbol:   appConfig.Currency.Symbol,
				Position: appConfig.Currency.Position,
				Decimals: appConfig.Currency.Decimals,
			},
			Colors: appConfig.CompanyColors,
		},
		SnapshotInterval: appConfig.SnapshotInterval,
	})
	if err != nil {
		closeRuntime()
		return nil, nil, err
	}

	return &runtime{config: appConfig, logger: logger, db: db, spreadsheets: spreadsheets}, closeRuntime, nil
}

func runServer(ctx context.Context) error {
	rt, closeRuntime, err := openRuntime()
	if err != nil {
		return err
	}
	defer closeRuntime()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(rt.config.TAuthSigningKey),
		Issuer:        rt.config.TAuthIssuer,
		CookieName:    rt.config.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	authors, err := users.NewService(users.ServiceConfig{Database: rt.db, Logger: rt.logger})
	if err != nil {
		return err
	}

	viewService, err := views.NewService(views.ServiceConfig{
		Database:       rt.db,
		Logger:         rt.logger,
		KeyAttribute:   rt.config.Views.KeyAttribute,
		SubtreeTags:    rt.config.Views.SubtreeTags,
		MetaAttributes: rt.config.Views.MetaAttributes,
		MarkNewNodes:   rt.config.Views.MarkNewNodes,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Authors:          authors,
		Spreadsheets:     rt.spreadsheets,
		Views:            viewService,
		Realtime:         server.NewRealtimeDispatcher(),
		AllowedOrigins:   rt.config.AllowedOrigins,
		Logger:           rt.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newVerifyChainsCommand() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "verify-chains",
		Short: "Check that every document's active revisions form a single chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()
			return verifyChains(cmd.Context(), rt.spreadsheets, rt.logger, workers)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", defaultVerifyWorkers, "Documents verified concurrently")
	return cmd
}

func verifyChains(ctx context.Context, spreadsheets *spreadsheet.Service, logger *zap.Logger, workers int) error {
	documentIDs, err := spreadsheets.ListDocumentIDs(ctx)
	if err != nil {
		return err
	}
	if workers <= 0 {
		workers = defaultVerifyWorkers
	}

	var broken atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, documentID := range documentIDs {
		group.Go(func() error {
			err := spreadsheets.VerifyChain(groupCtx, documentID)
			if errors.Is(err, spreadsheet.ErrBrokenChain) {
				broken.Add(1)
				logger.Warn("broken revision chain", zap.String("document_id", documentID.String()), zap.Error(err))
				return nil
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("revision chains verified", zap.Int("documents", len(documentIDs)), zap.Int64("broken", broken.Load()))
	if broken.Load() > 0 {
		return fmt.Errorf("%d of %d documents have broken revision chains", broken.Load(), len(documentIDs))
	}
	return nil
}

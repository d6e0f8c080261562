package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/config"
	"github.com/xxxsen/chatdistill/internal/handler"
	"github.com/xxxsen/chatdistill/internal/indexer"
	"github.com/xxxsen/chatdistill/internal/job"
	"github.com/xxxsen/chatdistill/internal/middleware"
	"github.com/xxxsen/chatdistill/internal/pkg/jwt"
	"github.com/xxxsen/chatdistill/internal/schedule"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "chatdistill",
		Short: "chat interaction indexer",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run http server and periodic indexer tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			app, err := newApp(cfg)
			if err != nil {
				return err
			}
			return runServer(cfg, app)
		},
	}

	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "run one indexer tick over every configured user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			app, err := newApp(cfg)
			if err != nil {
				return err
			}
			results, err := job.NewIndexerTickJob(app.indexer).RunAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		},
	}

	var (
		userID string
		force  bool
		dryRun bool
	)
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "run the indexer once for one user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			app, err := newApp(cfg)
			if err != nil {
				return err
			}
			res, err := app.indexer.Run(cmd.Context(), userID, indexer.RunOptions{Force: force, DryRun: dryRun})
			if res != nil {
				if perr := printJSON(cmd, res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	indexCmd.Flags().StringVar(&userID, "user", "", "user id")
	indexCmd.Flags().BoolVar(&force, "force", false, "ignore batching thresholds")
	indexCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the decision without side effects")
	_ = indexCmd.MarkFlagRequired("user")

	var tokenUser string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			token, err := jwt.GenerateToken(tokenUser, []byte(cfg.JWTSecret), time.Hour*time.Duration(cfg.JWTTTLHours))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(runCmd, tickCmd, indexCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded",
		zap.String("config", path),
		zap.String("mode", cfg.Indexer.Mode),
		zap.String("object_store", cfg.ObjectStore.Type),
		zap.String("ai_provider", cfg.AI.Provider),
	)
	return cfg, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServer(cfg *config.Config, app *app) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("schedule", cfg.Indexer.Schedule),
	)

	deps := handler.RouterDeps{
		Interactions: handler.NewInteractionHandler(app.queue),
		Indexer:      handler.NewIndexerHandler(app.indexer),
		JWTSecret:    []byte(cfg.JWTSecret),
		RunRateLimit: time.Duration(cfg.Indexer.RunRateLimitSeconds) * time.Second,
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tick := job.NewIndexerTickJob(app.indexer)
	scheduler := schedule.NewCronScheduler()
	if err := scheduler.AddJob(tick, cfg.Indexer.Schedule); err != nil {
		return fmt.Errorf("schedule indexer tick: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logutil.GetLogger(ctx).Info("indexer tick scheduled", zap.Time("next", scheduler.Next(tick.Name())))
	go func() {
		_, _ = scheduler.RunOnce(ctx, tick.Name())
	}()

	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/archive/internal/config"
	"github.com/ehr/archive/internal/domain/query"
	"github.com/ehr/archive/internal/platform/auth"
	"github.com/ehr/archive/internal/platform/db"
	"github.com/ehr/archive/internal/platform/middleware"
	"github.com/ehr/archive/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "archive-server",
		Short: "Imaging archive query service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(aggregateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "archive-server",
	}
}

// aggregatePoolConfig sizes the pool behind the aggregate store. It keeps no
// idle connections.
func aggregatePoolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.AggregateDBMaxConns,
		ApplicationName: "archive-server-aggregates",
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the query API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				count, err := db.NewMigrator(pool, migrations.FS, logger).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				statuses, err := db.NewMigrator(pool, migrations.FS, logger).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func aggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Manage cached query aggregates",
	}

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Recompute and store the aggregate of a study or series",
		RunE: func(cmd *cobra.Command, args []string) error {
			studyPK, _ := cmd.Flags().GetInt64("study")
			seriesPK, _ := cmd.Flags().GetInt64("series")
			rejected, _ := cmd.Flags().GetBool("include-rejected")
			if (studyPK > 0) == (seriesPK > 0) {
				return fmt.Errorf("exactly one of --study or --series is required")
			}

			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				params, err := cfg.QueryParams()
				if err != nil {
					return err
				}
				params.ShowRejected = rejected
				cache := query.NewAggregateCache(query.NewAggregateStorePG(pool), logger)
				// A failed write aborts the transaction, so the refresh fails instead of
				// only logging it.
				return db.WithTx(ctx, pool, func(ctx context.Context) error {
					return refreshAggregate(ctx, cache, params, studyPK, seriesPK)
				})
			})
		},
	}
	refresh.Flags().Int64("study", 0, "Study primary key")
	refresh.Flags().Int64("series", 0, "Series primary key")
	refresh.Flags().Bool("include-rejected", false, "Refresh the view that counts rejected instances")
	cmd.AddCommand(refresh)

	return cmd
}

func refreshAggregate(ctx context.Context, cache *query.AggregateCache, params query.Params, studyPK, seriesPK int64) error {
	if studyPK > 0 {
		agg, err := cache.RecomputeStudy(ctx, studyPK, params)
		if err != nil {
			return err
		}
		fmt.Printf("study %d view %q: %d series, %d instances, modalities %v, %s\n",
			agg.StudyPK, agg.ViewID, agg.NumberOfSeries, agg.NumberOfInstances, agg.ModalitiesInStudy, agg.Availability)
		return nil
	}
	agg, err := cache.RecomputeSeries(ctx, seriesPK, params)
	if err != nil {
		return err
	}
	fmt.Printf("series %d view %q: %d instances, %s\n",
		agg.SeriesPK, agg.ViewID, agg.NumberOfInstances, agg.Availability)
	return nil
}

// withPool loads the configuration, connects and runs fn.
func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, pool, logger)
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	params, err := cfg.QueryParams()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid query configuration")
	}

	pool, err := db.NewPool(context.Background(), poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")
	db.RegisterPoolMetrics(prometheus.DefaultRegisterer, "search", pool)

	// Searches hold a cursor connection while a cache miss loads child rows,
	// so aggregates never draw from the search pool.
	aggPool, err := db.NewPool(context.Background(), aggregatePoolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect aggregate pool")
	}
	defer aggPool.Close()
	db.RegisterPoolMetrics(prometheus.DefaultRegisterer, "aggregates", aggPool)

	engine := query.NewEngine(query.NewRowStorePG(pool), query.NewAggregateStorePG(aggPool), logger)
	handler := query.NewHandler(engine, params, logger)

	e := newServer(cfg, logger, handler, db.HealthHandler(pool))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires the middleware chain and routes.
func newServer(cfg *config.Config, logger zerolog.Logger, handler *query.Handler, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "Accept", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, auth.AuthSkipper))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", dbHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handler.RegisterRoutes(e.Group("/dicom-web"))
	return e
}

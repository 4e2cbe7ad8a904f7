package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/josephneumann/unkani-sub000/internal/config"
	"github.com/josephneumann/unkani-sub000/internal/domain/account"
	"github.com/josephneumann/unkani-sub000/internal/domain/patient"
	"github.com/josephneumann/unkani-sub000/internal/domain/terminology"
	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
	"github.com/josephneumann/unkani-sub000/internal/platform/counter"
	"github.com/josephneumann/unkani-sub000/internal/platform/db"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
	"github.com/josephneumann/unkani-sub000/internal/platform/middleware"
)

const (
	serverName    = "unkani"
	serverVersion = "0.1.0"
	bodyLimit     = "1M"
)

// exposedHeaders are readable by browser clients on cross-origin responses.
var exposedHeaders = []string{
	"ETag", "Location", "WWW-Authenticate",
	fhir.HeaderRateLimitLimit, fhir.HeaderRateLimitRemaining, fhir.HeaderRateLimitReset,
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "unkani-server",
		Short:        "FHIR STU3 Patient API server",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			ctx := cmd.Context()

			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, os.DirFS(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			ctx := cmd.Context()

			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, os.DirFS(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account that can request tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			in := account.NewUser{}
			in.Email, _ = flags.GetString("email")
			in.Password, _ = flags.GetString("password")
			in.FirstName, _ = flags.GetString("first-name")
			in.LastName, _ = flags.GetString("last-name")
			in.Role, _ = flags.GetString("role")
			in.Confirmed, _ = flags.GetBool("confirmed")
			if in.Password == "" {
				in.Password = os.Getenv("UNKANI_PASSWORD")
			}
			ctx := cmd.Context()

			pool, cfg, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			codec := auth.NewTokenCodec([]byte(cfg.SecretKey), cfg.TokenTTL)
			u, err := account.NewService(account.NewUserRepo(pool), codec).CreateUser(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %d <%s> with role %q.\n", u.ID, u.Email, u.Role)
			return nil
		},
	}
	createCmd.Flags().String("email", "", "Login email address")
	createCmd.Flags().String("password", "", "Password (defaults to $UNKANI_PASSWORD)")
	createCmd.Flags().String("first-name", "", "Given name")
	createCmd.Flags().String("last-name", "", "Family name")
	createCmd.Flags().String("role", auth.DefaultRole, "Role name")
	createCmd.Flags().Bool("confirmed", true, "Mark the account as confirmed")
	_ = createCmd.MarkFlagRequired("email")

	cmd.AddCommand(createCmd)
	return cmd
}

// openPool loads the configuration and connects for the one-shot commands.
func openPool(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBQueryTimeout)
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// deps are the long-lived resources the HTTP server is assembled from.
type deps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     db.DB
	stats    *pgxpool.Pool
	counters counter.Store
	checks   []db.Check
}

// newServer wires the middleware chain and every route.
func newServer(d deps) *echo.Echo {
	cfg, logger := d.cfg, d.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = fhir.HTTPErrorHandler(logger)

	metrics := middleware.NewMetrics()

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept", "If-Match", "If-None-Match", middleware.RequestIDHeader},
		ExposeHeaders: exposedHeaders,
	}))
	e.Use(echomw.BodyLimit(bodyLimit))
	e.Use(db.SessionMiddleware(d.pool, logger))

	codec := auth.NewTokenCodec([]byte(cfg.SecretKey), cfg.TokenTTL)
	accountSvc := account.NewService(account.NewUserRepo(d.pool), codec)
	authn := auth.NewAuthenticator(accountSvc, codec, cfg.BaseURL+"/tokens", logger)

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Store:   d.counters,
		Enabled: cfg.UseRateLimits,
		Logger:  logger,
		Metrics: metrics,
	})
	limit := func(endpoint string) echo.MiddlewareFunc {
		return limiter.Limit(endpoint, cfg.RateLimit, cfg.RateLimitPeriod)
	}

	// No group-level middleware under /tokens or /fhir, so unsupported
	// methods still reach echo's 405.
	negotiate := fhir.ContentNegotiationMiddleware()
	account.NewHandler(accountSvc).RegisterRoutes(e.Group("/tokens"), authn,
		middleware.IPRateLimit(cfg.TokenIssueRPS, cfg.TokenIssueBurst), negotiate)

	fhirGroup := e.Group("/fhir")
	fhirGroup.GET("/metadata", fhir.NewCapabilityBuilder(serverName, serverVersion).
		AddTable(patient.SearchTable, "read", "vread", "search-type", "create", "update", "delete").
		AddResource("ValueSet", "read").
		AddResource("CodeSystem", "read").
		Handler(), negotiate)

	etag := fhir.ETagMiddleware(fhir.ETagConfig{Development: cfg.IsDev()})
	patientSvc := patient.NewService(patient.NewPatientRepo(d.pool), cfg.SearchStrict)
	patient.NewHandler(patientSvc, cfg.BaseURL).RegisterRoutes(fhirGroup, patient.RouteMiddleware{
		Negotiate: negotiate,
		Authn:     authn,
		Limit:     limit,
		ETag:      etag,
	})
	terminology.NewHandler(terminology.Default(), cfg.BaseURL).
		RegisterRoutes(fhirGroup, []echo.MiddlewareFunc{negotiate, authn.Bearer()}, limit, etag)

	e.GET("/health", db.HealthHandler(d.stats, d.checks...))
	e.GET("/metrics", metrics.Handler())

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBQueryTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	rdb, err := counter.NewRedisClient(cfg.RedisURL, cfg.RedisTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("invalid redis configuration")
		return err
	}
	defer rdb.Close()
	counters := counter.NewRedisStore(rdb)
	if err := counters.Ping(ctx); err != nil {
		// The limiter fails open, so a missing redis degrades rather than stops the server.
		logger.Warn().Err(err).Msg("redis unreachable at startup")
	}

	e := newServer(deps{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		stats:    pool,
		counters: counters,
		checks:   []db.Check{db.PoolCheck(pool), {Name: "redis", Ping: counters.Ping}},
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

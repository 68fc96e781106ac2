package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/clinic"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/fhir"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/sandbox"
	"github.com/clinic/clinic/internal/platform/validate"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic registry API server",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "clinic-server", version)
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg, os.Stdout)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: DevAuthMiddleware is active and all requests get admin access")
	}

	e, _, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	return serve(ctx, e, ":"+cfg.Port, cfg.ShutdownTimeout, logger)
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(cfg.ZerologLevel()).With().Timestamp().Logger()
}

// newServer wires the registry, middleware and routes. It does not listen.
func newServer(cfg *config.Config, logger zerolog.Logger) (*echo.Echo, *clinic.Registry, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	reg := clinic.NewRegistry(
		clinic.WithLocation(loc),
		clinic.WithLogger(logger.With().Str("component", "registry").Logger()),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()
	e.HTTPErrorHandler = httpErrorHandler(e)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	// Auth middleware
	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: []byte(cfg.JWTSigningKey),
		})
	}

	// Rate limiting keyed by authenticated user, falling back to client IP
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		KeyFunc: func(c echo.Context) string {
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				return "user:" + uid
			}
			return "ip:" + c.RealIP()
		},
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg.RequestsPerSecond = middleware.DefaultRateLimitConfig().RequestsPerSecond
	}
	rateLimit := middleware.RateLimit(rateLimitCfg)

	apiV1 := e.Group("/api/v1", authMW, rateLimit)
	fhirGroup := e.Group("/fhir", authMW, rateLimit)

	clinic.NewHandler(reg).RegisterRoutes(apiV1, fhirGroup)

	if cfg.SandboxEnabled {
		sandboxLog := logger.With().Str("component", "sandbox").Logger()
		if _, err := sandbox.NewSeeder(sandbox.DefaultSeedConfig(), nil, sandboxLog).Generate(reg); err != nil {
			return nil, nil, fmt.Errorf("seed sandbox data: %w", err)
		}
		sandboxGroup := apiV1.Group("/sandbox", auth.RequireRole(auth.RoleAdmin))
		sandbox.NewSeedHandler(reg, nil, sandboxLog).RegisterRoutes(sandboxGroup)
	}

	return e, reg, nil
}

// httpErrorHandler answers /fhir requests with an OperationOutcome and
// defers to echo's JSON error body everywhere else.
func httpErrorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed || !strings.HasPrefix(c.Request().URL.Path, "/fhir") {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}

		outcome := fhir.ErrorOutcome(msg)
		switch code {
		case http.StatusNotFound:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, msg)
		case http.StatusUnauthorized, http.StatusForbidden:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeSecurity, msg)
		case http.StatusTooManyRequests:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeThrottled, msg)
		case http.StatusInternalServerError:
			outcome = fhir.InternalErrorOutcome(msg)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(code)
		} else {
			writeErr = c.JSON(code, outcome)
		}
		if writeErr != nil {
			e.Logger.Error(writeErr)
		}
	}
}

// serve runs e on addr until ctx is done, then shuts down within timeout.
func serve(ctx context.Context, e *echo.Echo, addr string, timeout time.Duration, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

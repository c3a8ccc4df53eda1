package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/server"
	"github.com/keygatehq/keygate/internal/service"
)

const banner = `
 _  _______ ___ ___   _ _____ ___
| |/ / __\ V / __| _ \ |_   _| __|
|   <| _| \ /| (_ |   ( | | | | _|
|_|\_\___| |_| \___|_|_\ |_| |___|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keygate API server",
		Long:  "Start the HTTP server that verifies API keys and exposes the key management API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging, dev)

	// 1. Open the key store and run migrations
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	logger.Info("key store opened", "driver", viper.GetString("store.driver"))

	// 2. Permission registry from configured scopes
	registry := keys.DefaultRegistry()
	if len(cfg.Scopes) > 0 {
		registry = keys.NewRegistry(cfg.Scopes)
	}
	logger.Info("permission registry loaded", "scopes", registry.Scopes())

	// 3. Admin auth service
	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		jwtSecret = cfg.Auth.JWTSecret
	}
	if jwtSecret == "" {
		jwtSecret = "keygate-dev-secret-change-me"
		logger.Warn("no jwt secret configured, using insecure default")
	}
	sessionTTL, _ := time.ParseDuration(cfg.Auth.SessionTTL)
	authSvc := service.NewAuthService(st, jwtSecret, sessionTTL)

	// 4. Key verifier
	verifier := keys.NewVerifier(st, cfg.Auth.KeyPrefix, logger)

	// 5. Check for first-run (no admin exists)
	hasAdmin, err := st.HasAnyAdmin(context.Background())
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: keygate admin create")
	}

	// 6. Build and start HTTP server
	shutdownTimeout, _ := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	srvCfg := server.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: shutdownTimeout,
		CORSOrigins:     cfg.Server.CORS.Origins,
		APIKeyHeader:    cfg.Auth.APIKeyHeader,
		LoginRatePerMin: 30,
		SweepInterval:   time.Hour,
	}

	srv := server.New(srvCfg, st, verifier, registry, authSvc, logger)

	fmt.Printf("Keygate %s\n", versionString(appVersion))
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Printf("Verify:  http://%s:%d/v1/auth/verify\n", host, port)
	fmt.Printf("Health:  http://%s:%d/healthz\n", host, port)
	fmt.Printf("Metrics: http://%s:%d/metrics\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}

// loadConfig reads the YAML config file if one is present, falling back to
// defaults otherwise. Flags and KEYGATE_* environment variables override the
// file via viper.
func loadConfig() (*config.YAMLConfig, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("keygate.yaml"); err == nil {
			path = "keygate.yaml"
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Command server starts the Neustream ingest API HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"neustream/internal/admission"
	"neustream/internal/analytics"
	"neustream/internal/api"
	"neustream/internal/auth"
	"neustream/internal/forward"
	"neustream/internal/observability/logging"
	"neustream/internal/observability/metrics"
	"neustream/internal/otp"
	"neustream/internal/server"
	"neustream/internal/serverutil"
	"neustream/internal/session"
	"neustream/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionStoreDriver := flag.String("session-store", "", "streaming session store driver (memory or redis)")
	sessionRedisAddr := flag.String("session-redis-addr", "", "Redis address for the streaming session store")
	sessionRedisPassword := flag.String("session-redis-password", "", "Redis password for the streaming session store")
	sessionRedisDB := flag.Int("session-redis-db", 0, "Redis database for the streaming session store")
	sessionRedisTLS := flag.Bool("session-redis-tls", false, "enable TLS for the streaming session store")
	sessionTTL := flag.Duration("session-ttl", 0, "default streaming session lifetime")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between expired-session sweeps")
	webSessionStore := flag.String("web-session-store", "", "login session store driver (memory or postgres)")
	webSessionDSN := flag.String("web-session-postgres-dsn", "", "Postgres DSN for the login session store")
	admissionURL := flag.String("admission-url", "", "base URL of the subscription quota service")
	admissionFailOpen := flag.Bool("admission-fail-open", false, "admit streams when the quota service is unreachable")
	admissionTimeout := flag.Duration("admission-timeout", 0, "timeout for quota service calls")
	analyticsEndpoint := flag.String("analytics-endpoint", "", "analytics capture endpoint URL")
	analyticsAPIKey := flag.String("analytics-api-key", "", "analytics project API key")
	otpIssuer := flag.String("otp-issuer", "", "issuer label embedded in TOTP enrollment URLs")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown deadline")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("NEUSTREAM_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("NEUSTREAM_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("NEUSTREAM_ADDR"), ":8080")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("NEUSTREAM_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	driver := resolveStorageDriver(*storageDriver, os.Getenv("NEUSTREAM_STORAGE_DRIVER"), dsn)

	var (
		store    storage.Repository
		pgCloser *storage.Postgres
	)
	switch driver {
	case "memory":
		store = storage.NewMemory()
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		pg, err := storage.NewPostgres(ctx, storage.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "NEUSTREAM_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "NEUSTREAM_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "NEUSTREAM_POSTGRES_MAX_CONN_LIFETIME", 0),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("NEUSTREAM_POSTGRES_APP_NAME")),
		})
		if err != nil {
			logger.Error("failed to open datastore", "error", err)
			os.Exit(1)
		}
		store = pg
		pgCloser = pg
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}

	streamSessions, redisCloser, err := configureSessionStore(ctx, sessionStoreOptions{
		Driver:   firstNonEmpty(*sessionStoreDriver, os.Getenv("NEUSTREAM_SESSION_STORE")),
		Addr:     firstNonEmpty(*sessionRedisAddr, os.Getenv("NEUSTREAM_SESSION_REDIS_ADDR")),
		Password: firstNonEmpty(*sessionRedisPassword, os.Getenv("NEUSTREAM_SESSION_REDIS_PASSWORD")),
		DB:       resolveInt(*sessionRedisDB, "NEUSTREAM_SESSION_REDIS_DB"),
		UseTLS:   resolveBool(*sessionRedisTLS, "NEUSTREAM_SESSION_REDIS_TLS"),
	})
	if err != nil {
		logger.Error("failed to configure session store", "error", err)
		os.Exit(1)
	}

	webStore, webCloser, err := configureWebSessionStore(
		firstNonEmpty(*webSessionStore, os.Getenv("NEUSTREAM_WEB_SESSION_STORE")),
		firstNonEmpty(*webSessionDSN, os.Getenv("NEUSTREAM_WEB_SESSION_POSTGRES_DSN"), dsn),
		driver,
	)
	if err != nil {
		logger.Error("failed to configure login session store", "error", err)
		os.Exit(1)
	}
	webSessions := auth.NewSessionManager(24*time.Hour, auth.WithStore(webStore))

	var quota *admission.Client
	if base := firstNonEmpty(*admissionURL, os.Getenv("NEUSTREAM_ADMISSION_URL")); base != "" {
		opts := []admission.Option{}
		if resolveBool(*admissionFailOpen, "NEUSTREAM_ADMISSION_FAIL_OPEN") {
			opts = append(opts, admission.WithFailOpen())
		}
		if timeout := resolveDuration(*admissionTimeout, "NEUSTREAM_ADMISSION_TIMEOUT", 0); timeout > 0 {
			opts = append(opts, admission.WithTimeout(timeout))
		}
		quota = admission.NewClient(base, opts...)
	}

	emitter := analytics.NewEmitter(
		firstNonEmpty(*analyticsEndpoint, os.Getenv("NEUSTREAM_ANALYTICS_ENDPOINT")),
		firstNonEmpty(*analyticsAPIKey, os.Getenv("NEUSTREAM_ANALYTICS_API_KEY")),
		logging.WithComponent(logger, "analytics"),
	)

	handler := api.NewHandler(store, streamSessions)
	handler.WebSessions = webSessions
	handler.Resolver = forward.NewResolver(store, streamSessions)
	handler.Admission = quota
	handler.Analytics = emitter
	handler.OTP = otp.NewVerifier(firstNonEmpty(*otpIssuer, os.Getenv("NEUSTREAM_OTP_ISSUER")))
	handler.Metrics = recorder
	handler.Logger = logger
	if ttl := resolveDuration(*sessionTTL, "NEUSTREAM_SESSION_TTL", 0); ttl > 0 {
		handler.SessionTTL = ttl
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("NEUSTREAM_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("NEUSTREAM_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "NEUSTREAM_RATE_GLOBAL_RPS"),
			GlobalBurst: resolveInt(*globalBurst, "NEUSTREAM_RATE_GLOBAL_BURST"),
			LoginLimit:  resolveInt(*loginLimit, "NEUSTREAM_RATE_LOGIN_LIMIT"),
			LoginWindow: resolveDuration(*loginWindow, "NEUSTREAM_RATE_LOGIN_WINDOW", time.Minute),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	certFile, keyFile := srv.TLSFiles()
	stopTimeout := resolveDuration(*shutdownTimeout, "NEUSTREAM_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout)
	sweepEvery := resolveDuration(*sweepInterval, "NEUSTREAM_SWEEP_INTERVAL", time.Minute)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("Neustream ingest API listening", "addr", listenAddr, "storage", driver)
		if certFile != "" {
			logger.Info("TLS enabled", "cert_file", certFile)
		}
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: certFile, KeyFile: keyFile},
			ShutdownTimeout: stopTimeout,
		})
	})
	group.Go(func() error {
		runSessionSweeper(groupCtx, logging.WithComponent(logger, "session-sweeper"), streamSessions, webSessions, recorder, sweepEvery)
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	emitter.Close()
	if redisCloser != nil {
		if err := redisCloser(); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}
	if webCloser != nil {
		if err := webCloser(closeCtx); err != nil {
			logger.Warn("failed to close login session store", "error", err)
		}
	}
	if pgCloser != nil {
		if err := pgCloser.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

// runSessionSweeper drops expired streaming sessions and login tokens on a
// fixed interval until the context is cancelled.
func runSessionSweeper(ctx context.Context, logger *slog.Logger, sessions session.Store, web *auth.SessionManager, recorder *metrics.Recorder, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := sessions.Sweep(now)
			if err != nil {
				logger.Warn("session sweep failed", "error", err)
			} else if swept > 0 {
				recorder.SessionsSwept(swept)
				logger.Debug("expired sessions removed", "count", swept)
			}
			if err := web.PurgeExpired(); err != nil {
				logger.Warn("login session purge failed", "error", err)
			}
		}
	}
}

type sessionStoreOptions struct {
	Driver   string
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

func configureSessionStore(ctx context.Context, opts sessionStoreOptions) (session.Store, func() error, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		if opts.Addr != "" {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return session.NewMemoryStore(), nil, nil
	case "redis":
		store, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
			UseTLS:   opts.UseTLS,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func configureWebSessionStore(flagDriver, dsn, storageDriver string) (auth.SessionStore, func(context.Context) error, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		if storageDriver == "postgres" && strings.TrimSpace(dsn) != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return auth.NewMemorySessionStore(), nil, nil
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, nil, fmt.Errorf("postgres login session store selected without DSN")
		}
		store, err := auth.NewPostgresSessionStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported login session store driver %q", driver)
	}
}

func resolveStorageDriver(flagValue, envValue, dsn string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(dsn) != "" {
		return "postgres"
	}
	return "memory"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

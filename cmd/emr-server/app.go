package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/emr/internal/config"
	"github.com/ehr/emr/internal/domain/account"
	"github.com/ehr/emr/internal/domain/auditevent"
	"github.com/ehr/emr/internal/domain/onetimetoken"
	"github.com/ehr/emr/internal/domain/records"
	"github.com/ehr/emr/internal/domain/session"
	"github.com/ehr/emr/internal/platform/auth"
	"github.com/ehr/emr/internal/platform/db"
	"github.com/ehr/emr/internal/platform/middleware"
	"github.com/ehr/emr/internal/platform/notification"
)

const requestTimeout = 30 * time.Second

// app holds the wired components shared by the server and the CLI commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	registry *prometheus.Registry

	issuer   *auth.TokenIssuer
	revoked  *auth.SessionRevocationList
	limiter  *middleware.RateLimiter
	recorder *auditevent.Recorder
	gate     *auth.Gate

	accounts *account.Service
	sessions *session.Service
	audit    *auditevent.Service
}

type stores struct {
	accounts account.Repository
	sessions session.Store
	tokens   onetimetoken.Store
	audit    auditevent.Repository
	withTx   account.TxFunc
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		revoked:  auth.NewSessionRevocationList(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var st stores
	if cfg.UsesMemoryStorage() {
		logger.Warn().Msg("using in-memory storage; all state is lost on restart")
		st = stores{
			accounts: account.NewMemoryRepo(nil),
			sessions: session.NewMemoryStore(nil),
			tokens:   onetimetoken.NewMemoryStore(nil),
			audit:    auditevent.NewMemoryRepo(),
		}
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		logger.Info().Msg("connected to database")
		st = stores{
			accounts: account.NewRepoPG(pool),
			sessions: session.NewPGStore(pool, nil),
			tokens:   onetimetoken.NewPGStore(pool, nil),
			audit:    auditevent.NewRepoPG(pool),
			withTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
				return db.WithTx(ctx, pool, fn)
			},
		}
	}

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emr_audit_dropped_total",
		Help: "Audit events that could not be persisted.",
	})
	a.registry.MustRegister(dropped)
	a.recorder = auditevent.NewRecorder(st.audit, logger, auditevent.RecorderOptions{
		QueueSize: cfg.AuditQueueSize,
		Dropped:   dropped,
	})
	a.gate = auth.NewGate(logger, a.recorder)

	a.issuer = auth.NewTokenIssuer(auth.TokenConfig{
		Issuer:        cfg.JWTIssuer,
		AccessSecret:  []byte(cfg.JWTAccessSecret),
		RefreshSecret: []byte(cfg.JWTRefreshSecret),
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})

	rl := middleware.DefaultRateLimitConfig()
	if cfg.AuthRateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.AuthRateLimitRPS
	}
	if cfg.AuthRateLimitBurst > 0 {
		rl.BurstSize = cfg.AuthRateLimitBurst
	}
	a.limiter = middleware.NewRateLimiter(rl)

	mail := notification.NewMailer(notification.LogSender{
		Logger:      logger.With().Str("component", "mail").Logger(),
		IncludeBody: cfg.IsDev(),
	}, nil)

	a.sessions = session.NewService(st.sessions, a.recorder, a.revoked, cfg.AccessTokenTTL, logger)
	a.audit = auditevent.NewService(st.audit)
	a.accounts = account.NewService(account.Deps{
		Accounts: st.accounts,
		Sessions: st.sessions,
		Revoker:  a.sessions,
		Tokens:   st.tokens,
		Issuer:   a.issuer,
		Hasher:   auth.NewPasswordHasher(cfg.BcryptCost),
		Audit:    a.recorder,
		Mail:     mail,
		Metrics:  account.NewMetrics(a.registry),
		WithTx:   st.withTx,
		Logger:   logger,
	}, account.Config{
		RequireVerifiedEmail: cfg.RequireVerifiedEmail,
		VerifyEmailTTL:       cfg.VerifyEmailTTL,
		ResetPasswordTTL:     cfg.ResetPasswordTTL,
		AppBaseURL:           cfg.AppBaseURL,
	})

	return a, nil
}

// close drains the audit queue and releases the pool.
func (a *app) close(ctx context.Context) {
	if err := a.recorder.Close(ctx); err != nil {
		a.logger.Error().Err(err).Msg("audit queue not drained")
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = auth.ErrorHandler(a.logger)

	httpMetrics := middleware.NewHTTPMetrics(a.registry)

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(httpMetrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  a.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))
	e.Use(echomw.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(auditevent.RequestMeta())

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		pool := a.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	} else {
		e.GET("/health/db", db.HealthHandler(db.MemoryPinger, nil))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1", auth.JWTMiddleware(auth.JWTConfig{
		Verifier:    a.issuer,
		Revocations: a.revoked,
		Skipper:     auth.AuthSkipper,
	}))
	authGroup := api.Group("/auth")

	account.NewHandler(a.accounts).RegisterRoutes(api, authGroup, a.gate, a.limiter.Middleware())
	session.NewHandler(a.sessions).RegisterRoutes(authGroup)
	auditevent.NewHandler(a.audit).RegisterRoutes(api, a.gate)
	records.NewHandler().RegisterRoutes(api, a.gate)

	return e
}

// purgeLoop deletes expired sessions and one-time tokens every
// SessionPurgeInterval until ctx is cancelled.
func (a *app) purgeLoop(ctx context.Context) error {
	interval := a.cfg.SessionPurgeInterval
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sessions, tokens, err := a.accounts.PurgeExpired(ctx)
			if err != nil {
				a.logger.Error().Err(err).Msg("purge expired credentials failed")
				continue
			}
			if sessions > 0 || tokens > 0 {
				a.logger.Info().Int64("sessions", sessions).Int64("tokens", tokens).Msg("purged expired credentials")
			}
		}
	}
}

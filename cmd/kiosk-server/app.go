package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/KristersR123/HospitalKiosk-sub000/internal/config"
	"github.com/KristersR123/HospitalKiosk-sub000/internal/domain/patientflow"
	"github.com/KristersR123/HospitalKiosk-sub000/internal/platform/broker"
	"github.com/KristersR123/HospitalKiosk-sub000/internal/platform/db"
	"github.com/KristersR123/HospitalKiosk-sub000/internal/platform/middleware"
	"github.com/KristersR123/HospitalKiosk-sub000/internal/platform/telemetry"
	"github.com/KristersR123/HospitalKiosk-sub000/internal/platform/websocket"
)

const wsPath = "/api/v1/ws"

// app holds the wired components of a running kiosk server.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool     *pgxpool.Pool
	repo     patientflow.Repository
	pinger   db.Pinger
	hub      *websocket.Hub
	producer *broker.Producer
	metrics  *telemetry.Metrics

	svc    *patientflow.Service
	engine *patientflow.Engine
}

// memoryPinger reports the in-process store as always reachable.
type memoryPinger struct{}

func (memoryPinger) Ping(context.Context) error { return nil }

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(stdout)
	}
	return logger.Level(cfg.Level()).With().Timestamp().Str("service", "kiosk-server").Logger()
}

// openStore connects the record store selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (patientflow.Repository, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory store; records are lost on restart")
		return patientflow.NewMemoryRepo(), nil, nil
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "kiosk-server",
			ConnectTimeout:  cfg.StoreTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")
		return patientflow.NewPatientRepoPG(pool), pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	repo, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool, repo: repo, pinger: memoryPinger{}}
	if pool != nil {
		a.pinger = pool
	}

	a.hub = websocket.NewHub(logger)
	a.metrics = telemetry.New()
	a.registerMetrics()
	publishers := patientflow.MultiPublisher{
		patientflow.NewHubPublisher(a.hub),
		patientflow.NewMetricsPublisher(a.metrics),
	}

	if cfg.KafkaEnabled() {
		producer, err := broker.NewKafkaProducer(broker.KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			WriteTimeout: cfg.StoreTimeout,
		}, logger)
		if err != nil && !errors.Is(err, broker.ErrDisabled) {
			a.close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		if producer != nil {
			a.producer = producer
			publishers = append(publishers, patientflow.NewBrokerPublisher(producer))
			logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("flow audit stream enabled")
		}
	}

	a.svc = patientflow.NewService(repo, publishers, logger)
	a.svc.StoreTimeout = cfg.StoreTimeout

	a.engine = patientflow.NewEngine(repo, publishers, logger)
	a.engine.Interval = cfg.WaitTickInterval
	a.engine.StoreTimeout = cfg.StoreTimeout
	return a, nil
}

// routes builds the echo server with global middleware and every endpoint.
func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware(wsPath))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	if a.cfg.RateLimitRPS > 0 {
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = a.cfg.RateLimitRPS
		if a.cfg.RateLimitBurst > 0 {
			rl.BurstSize = a.cfg.RateLimitBurst
		}
		e.Use(middleware.RateLimit(rl))
	}
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, wsPath))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"store":      a.cfg.StoreDriver,
			"ws_clients": a.hub.ClientCount(),
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pinger, a.cfg.StoreTimeout))
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	patientflow.NewHandler(a.svc).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(a.hub, websocket.HandlerOptions{
		AllowedOrigins: a.cfg.CORSOrigins,
		AllowTopic:     patientflow.AllowTopic,
	}).RegisterRoutes(apiV1)

	return e
}

func (a *app) registerMetrics() {
	a.metrics.DescribeCounter(patientflow.MetricEventsTotal, "Committed patient flow events by type.")
	a.metrics.RegisterGauge("patientflow_patients", "Stored patients by stage.", func(ctx context.Context) (map[string]float64, error) {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
		defer cancel()
		counts, err := patientflow.StageCounts(ctx, a.repo)
		if err != nil {
			a.logger.Warn().Err(err).Msg("collect stage gauge")
			return nil, err
		}
		out := make(map[string]float64, len(counts))
		for st, n := range counts {
			out[telemetry.Labels("stage", string(st))] = float64(n)
		}
		return out, nil
	})
	a.metrics.RegisterGauge("websocket_clients", "Connected live display clients.", func(context.Context) (map[string]float64, error) {
		return map[string]float64{"": float64(a.hub.ClientCount())}, nil
	})
}

func (a *app) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close kafka producer")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

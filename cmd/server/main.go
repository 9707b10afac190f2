package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"parking-service/internal/app"
	"parking-service/internal/availability"
	"parking-service/internal/cache"
	"parking-service/internal/config"
	"parking-service/internal/events"
	"parking-service/internal/obs"
	"parking-service/internal/server"
	"parking-service/internal/store"
)

const serviceName = "parking-service"

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := obs.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := obs.InitTracer(ctx, serviceName, version, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	pg := store.NewPostgres(pool, log)
	if cfg.MigrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	var (
		cmdable  redis.Cmdable
		scripter redis.Scripter
	)
	if rdb := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTLS); rdb != nil {
		defer rdb.Close()
		cmdable, scripter = rdb, rdb
		log.Info("redis connected", "addr", cfg.RedisAddr)
	} else if cfg.RedisAddr != "" {
		log.Warn("redis unreachable; running without cache and rate limit", "addr", cfg.RedisAddr)
	}
	directory := cache.NewDirectory(pg, cmdable, cfg.DirectoryCacheTTL, log)

	var publisher availability.Publisher
	if cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	resolver := availability.NewResolver(availability.Deps{
		Directory: directory,
		Rules:     pg,
		Blackouts: pg,
		Bookings:  pg,
		Publisher: publisher,
		Logger:    log,
		Tracer:    otel.Tracer(serviceName),
	})

	google := app.GoogleCalendarConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	if google == nil {
		log.Info("google calendar import disabled")
	}
	api := app.New(resolver, pg, directory, google, log)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.Routes(router,
		app.AuthMiddleware(cfg.JWTSecret, cfg.StaticTokens),
		app.RateLimitMiddleware(app.RateLimit{
			Enabled:  cfg.RateLimitEnabled,
			Capacity: cfg.RateLimitCapacity,
			Every:    cfg.RateLimitRefill,
			Prefix:   cfg.RateLimitPrefix,
		}, scripter, log),
	)

	return server.Run(ctx, router, cfg.Addr(), cfg.ShutdownTimeout, log)
}

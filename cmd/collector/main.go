// Command collector runs the background queue-worker process (C8): it
// consumes oversize-file jobs off the durable broker and fetches their media
// over an authenticated MTProto user-protocol session, since the bot API
// itself refuses to serve files above its own direct-download ceiling.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/cptnfren/teltubby/internal/adapters/bot"
	"github.com/cptnfren/teltubby/internal/adapters/mtproto"
	"github.com/cptnfren/teltubby/internal/adapters/repo"
	"github.com/cptnfren/teltubby/internal/infra/cache"
	"github.com/cptnfren/teltubby/internal/infra/config"
	"github.com/cptnfren/teltubby/internal/infra/db"
	applog "github.com/cptnfren/teltubby/internal/infra/log"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
	"github.com/cptnfren/teltubby/internal/infra/objectstore"
	"github.com/cptnfren/teltubby/internal/infra/queue"
	"github.com/cptnfren/teltubby/internal/usecase/ingest"
	"github.com/cptnfren/teltubby/internal/usecase/quota"
	"github.com/cptnfren/teltubby/internal/usecase/worker"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.HealthPort))

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: could not connect to postgres")
	}
	defer pool.Close()

	pg := repo.NewPostgres(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("collector: could not ensure schema")
	}
	dedup := repo.NewDedupIndex(pg)
	jobStore := repo.NewJobStore(pg)

	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		Bucket:          cfg.S3.Bucket,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		UsePathStyle:    cfg.S3.UsePathStyle,
		QuotaBytes:      cfg.S3.QuotaBytes,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: could not initialize object store")
	}

	rabbit, err := queue.Dial(queue.Config{
		URL:             cfg.AMQP.URL,
		Exchange:        cfg.AMQP.Exchange,
		Queue:           cfg.AMQP.Queue,
		DLXExchange:     cfg.AMQP.Exchange + ".dlx",
		DeadLetterQueue: cfg.AMQP.DeadLetterQueue,
		PrefetchCount:   cfg.AMQP.PrefetchCount,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: could not dial rabbitmq")
	}
	defer rabbit.Close()

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: could not create telegram bot client")
	}
	inline := bot.NewTransport(botAPI)

	sessionStorage := mtproto.NewSessionStorage(pg, cfg.MTProto.SessionFile)
	collector := mtproto.New(cfg.MTProto.APIID, cfg.MTProto.APIHash, sessionStorage, inline, cfg.Telegram.AdminIDs, logger)
	go func() {
		if err := collector.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("collector: mtproto client stopped")
		}
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	quotaGate := quota.New(store, cache.NewRedis(redisClient), logger)

	resolver := ingest.NewResolver(store, dedup, cfg.Limits.UploadMaxAttempts, logger)
	writer := ingest.NewWriter(store, cfg.Limits.UploadMaxAttempts)
	w := worker.New(jobStore, collector, inline, cfg.Telegram.AdminIDs, resolver, writer, cfg.S3.Bucket, quotaGate, logger)

	deliveries, err := rabbit.Consume(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: could not start consuming the job queue")
	}

	logger.Info().Msg("collector: draining job queue")
	w.Run(ctx, deliveries)
	logger.Info().Msg("collector: stopped")
}

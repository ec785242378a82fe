// Command bot-gateway runs the webhook-facing process: it receives Telegram
// updates, aggregates albums, and drives the ingestion pipeline over the
// bot-protocol transport, handing anything too large off to the durable
// queue for the collector process to pick up.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/cptnfren/teltubby/internal/adapters/bot"
	"github.com/cptnfren/teltubby/internal/adapters/repo"
	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/infra/cache"
	"github.com/cptnfren/teltubby/internal/infra/config"
	"github.com/cptnfren/teltubby/internal/infra/db"
	applog "github.com/cptnfren/teltubby/internal/infra/log"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
	"github.com/cptnfren/teltubby/internal/infra/objectstore"
	"github.com/cptnfren/teltubby/internal/infra/queue"
	"github.com/cptnfren/teltubby/internal/usecase/aggregator"
	"github.com/cptnfren/teltubby/internal/usecase/ingest"
	"github.com/cptnfren/teltubby/internal/usecase/jobqueue"
	"github.com/cptnfren/teltubby/internal/usecase/quota"
	"github.com/cptnfren/teltubby/internal/usecase/router"
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
		logger.Fatal().Err(err).Msg("bot-gateway: could not connect to postgres")
	}
	defer pool.Close()

	pg := repo.NewPostgres(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: could not ensure schema")
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
		logger.Fatal().Err(err).Msg("bot-gateway: could not initialize object store")
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
		logger.Fatal().Err(err).Msg("bot-gateway: could not dial rabbitmq")
	}
	defer rabbit.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	quotaGate := quota.New(store, cache.NewRedis(redisClient), logger)
	jobs := jobqueue.New(jobStore, rabbit, cfg.Limits.JobMaxRetries, logger)
	rt := router.New(cfg.Limits.InlineLimitBytes)
	resolver := ingest.NewResolver(store, dedup, cfg.Limits.UploadMaxAttempts, logger)
	writer := ingest.NewWriter(store, cfg.Limits.UploadMaxAttempts)
	maxFileBytes := int64(cfg.Limits.MaxFileGB) * 1024 * 1024 * 1024
	pipeline := ingest.NewPipeline(quotaGate, rt, resolver, writer, jobs, cfg.S3.Bucket, maxFileBytes, cfg.Limits.InlineLimitBytes, logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: could not create telegram bot client")
	}
	inline := bot.NewTransport(botAPI)

	// aggregator.New needs its Emitter up front, but the emitter is a method
	// on the *bot.Handler this aggregator is itself an argument to; h is
	// assigned right after NewHandler returns, before any update can arrive.
	var h *bot.Handler
	window := time.Duration(cfg.Limits.AlbumWindowSeconds) * time.Second
	agg := aggregator.New(window, cfg.Limits.AlbumMaxItems, func(ctx context.Context, unit domain.MessageUnit) {
		h.Emit(ctx, unit)
	}, logger)

	h = bot.NewHandler(botAPI, logger, agg, pipeline, inline, jobs, dedup, cfg.Telegram.CuratorIDs, cfg.Telegram.AdminIDs)

	r := chi.NewRouter()
	r.Post("/bot/webhook", func(w http.ResponseWriter, req *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(req.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: ":8080", Handler: r}
	go func() {
		logger.Info().Msg("bot-gateway: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("bot-gateway: http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("bot-gateway: shutting down")
	agg.Close(context.Background())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

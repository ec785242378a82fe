package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig is the immutable process configuration, loaded once at startup
// and threaded explicitly into every collaborator; nothing re-reads the
// environment after Load returns.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`

	HealthPort int `envconfig:"HEALTH_PORT" default:"8081"`

	Telegram struct {
		Token        string  `envconfig:"TG_BOT_TOKEN"`
		WebhookURL   string  `envconfig:"TG_WEBHOOK_URL"`
		CuratorIDs   []int64 `envconfig:"TG_CURATOR_IDS"`
		AdminIDs     []int64 `envconfig:"TG_ADMIN_IDS"`
	} `envconfig:""`

	MTProto struct {
		APIID       int    `envconfig:"TG_API_ID"`
		APIHash     string `envconfig:"TG_API_HASH"`
		SessionFile string `envconfig:"MTPROTO_SESSION_FILE"`
		GlobalRPS   int    `envconfig:"MTPROTO_GLOBAL_RPS" default:"20"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQP struct {
		URL             string `envconfig:"AMQP_URL"`
		Exchange        string `envconfig:"AMQP_EXCHANGE" default:"teltubby.jobs"`
		Queue           string `envconfig:"AMQP_QUEUE" default:"large_files"`
		DeadLetterQueue string `envconfig:"AMQP_DLQ" default:"failed_jobs"`
		PrefetchCount   int    `envconfig:"AMQP_PREFETCH" default:"1"`
	} `envconfig:""`

	S3 struct {
		Endpoint        string `envconfig:"S3_ENDPOINT"`
		Region          string `envconfig:"S3_REGION" default:"us-east-1"`
		Bucket          string `envconfig:"S3_BUCKET"`
		AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
		SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
		UsePathStyle    bool   `envconfig:"S3_USE_PATH_STYLE" default:"true"`
		QuotaBytes      int64  `envconfig:"S3_QUOTA_BYTES" default:"0"`
	} `envconfig:""`

	Limits struct {
		AlbumWindowSeconds int   `envconfig:"ALBUM_WINDOW_SECONDS" default:"2"`
		AlbumMaxItems      int   `envconfig:"ALBUM_MAX_ITEMS" default:"10"`
		MaxFileGB          int   `envconfig:"MAX_FILE_GB" default:"4"`
		InlineLimitBytes   int64 `envconfig:"INLINE_LIMIT_BYTES" default:"52428800"`
		Concurrency        int   `envconfig:"CONCURRENCY" default:"8"`
		ConcurrencyCap     int   `envconfig:"CONCURRENCY_CAP" default:"32"`
		IOTimeoutSeconds   int   `envconfig:"IO_TIMEOUT_SECONDS" default:"60"`
		DedupEnable        bool  `envconfig:"DEDUP_ENABLE" default:"true"`
		UploadMaxAttempts  int   `envconfig:"UPLOAD_MAX_ATTEMPTS" default:"3"`
		WorkerConcurrency  int   `envconfig:"WORKER_CONCURRENCY" default:"1"`
		JobMaxRetries      int   `envconfig:"JOB_MAX_RETRIES" default:"5"`
	} `envconfig:""`
}

// Load reads AppConfig from the environment, exiting the process on any
// malformed or missing required value, the same way the teacher's Load does.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

package repo

import (
	"context"
	"time"

	"github.com/cptnfren/teltubby/internal/infra/metrics"
)

// schema mirrors, table for table, the SQLite schema the original dedup
// index created inline at startup (db/dedup.py's SCHEMA), plus a jobs table
// for C7 and a session blob table for MTProto auth state. No migration
// framework appears anywhere in the example pack, so EnsureSchema runs
// idempotent CREATE TABLE IF NOT EXISTS statements directly, the way the
// original did with executescript.
const schema = `
CREATE TABLE IF NOT EXISTS files (
  sha256 TEXT PRIMARY KEY,
  s3_key TEXT NOT NULL,
  size BIGINT,
  mime TEXT,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tg_map (
  unique_id TEXT PRIMARY KEY,
  sha256 TEXT NOT NULL REFERENCES files(sha256)
);

CREATE TABLE IF NOT EXISTS messages (
  message_id BIGINT NOT NULL,
  chat_id BIGINT NOT NULL,
  media_group_id TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (message_id, chat_id)
);

CREATE INDEX IF NOT EXISTS idx_files_created_at ON files(created_at);
CREATE INDEX IF NOT EXISTS idx_tg_map_sha256 ON tg_map(sha256);
CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(media_group_id);

CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  user_id BIGINT NOT NULL,
  chat_id BIGINT NOT NULL,
  message_id BIGINT NOT NULL,
  file_info JSONB NOT NULL,
  telegram_context JSONB NOT NULL,
  job_metadata JSONB NOT NULL,
  state TEXT NOT NULL,
  last_error TEXT,
  cancel_requested BOOLEAN NOT NULL DEFAULT false,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

CREATE TABLE IF NOT EXISTS mtproto_sessions (
  name TEXT PRIMARY KEY,
  data BYTEA NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates every table this package depends on if they don't
// already exist. Call once at process startup before any other repo method.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, schema)
	metrics.ObserveNetworkRequest("postgres", "ensure_schema", "schema", start, err)
	return err
}

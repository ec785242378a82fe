// Package mtproto implements the user-protocol transport (C8) over gotd/td,
// grounded on the original Telethon-based MTProtoClient/Worker: session
// persistence via a SessionStorage-backed Postgres blob, a background
// health-check loop, and automatic fallback to a degraded "simulate" mode
// rather than crashing the worker when the session can't be recovered.
package mtproto

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
)

// sessionCheckInterval mirrors the original worker's 5-minute health poll.
const sessionCheckInterval = 300 * time.Second

// maxAuthFailures mirrors the original's simulate-mode fallback threshold.
const maxAuthFailures = 3

// Collector is the domain.UserTransport implementation backed by an
// authenticated gotd/td client.
type Collector struct {
	client *telegram.Client
	api    *tg.Client
	log    zerolog.Logger
	notify domain.InlineTransport
	admins []int64

	simulate        atomic.Bool
	authFailures     atomic.Int32
	lastHealthyCheck atomic.Int64 // unix seconds
}

var _ domain.UserTransport = (*Collector)(nil)

// New builds a Collector against an already-persisted session. notify and
// admins may be nil/empty to disable admin paging on session events.
func New(apiID int, apiHash string, storage session.Storage, notify domain.InlineTransport, admins []int64, log zerolog.Logger) *Collector {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Collector{client: client, notify: notify, admins: admins, log: log}
}

// Run starts the underlying client's connection loop and blocks until ctx
// is cancelled; call it in its own goroutine. It also launches the session
// health monitor, matching the original's `_monitor_session_health` task.
func (c *Collector) Run(ctx context.Context) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		c.api = c.client.API()
		authorized, err := c.checkHealth(ctx)
		if err != nil || !authorized {
			c.log.Warn().Err(err).Msg("mtproto session not authorized at startup; entering simulate mode")
			c.simulate.Store(true)
		}
		go c.monitorSessionHealth(ctx)
		<-ctx.Done()
		return ctx.Err()
	})
}

func (c *Collector) monitorSessionHealth(ctx context.Context) {
	ticker := time.NewTicker(sessionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.simulate.Load() {
				continue
			}
			healthy, err := c.checkHealth(ctx)
			if err != nil {
				c.log.Warn().Err(err).Msg("mtproto session health check failed")
			}
			if !healthy {
				c.handleSessionExpiry(ctx)
			}
		}
	}
}

func (c *Collector) checkHealth(ctx context.Context) (bool, error) {
	status, err := auth.NewClient(c.api, nil, 0, "").Status(ctx)
	if err != nil {
		c.authFailures.Add(1)
		return false, err
	}
	if !status.Authorized {
		c.authFailures.Add(1)
		return false, nil
	}
	c.authFailures.Store(0)
	c.lastHealthyCheck.Store(time.Now().Unix())
	return true, nil
}

func (c *Collector) handleSessionExpiry(ctx context.Context) {
	c.log.Warn().Msg("mtproto session expired; notifying admins")
	c.notifyAdmins(ctx, "⚠️ MTProto session expired and needs re-authentication. Run the session importer and restart the worker.")
	if int(c.authFailures.Load()) >= maxAuthFailures {
		c.log.Error().Msg("mtproto auth failures exceeded threshold; entering simulate mode")
		c.simulate.Store(true)
		c.notifyAdmins(ctx, "🚨 MTProto re-authentication failed repeatedly. The worker is now running in simulate mode: queued large files stay held in the queue until this is fixed.")
	}
}

func (c *Collector) notifyAdmins(ctx context.Context, text string) {
	if c.notify == nil {
		return
	}
	for _, id := range c.admins {
		if err := c.notify.SendAck(ctx, id, text); err != nil {
			c.log.Warn().Err(err).Int64("admin_id", id).Msg("failed to notify admin")
		}
	}
}

// Authenticated reports whether the session is currently usable.
func (c *Collector) Authenticated(ctx context.Context) (bool, error) {
	if c.simulate.Load() {
		return false, nil
	}
	return c.checkHealth(ctx)
}

// Notify sends a plain text message to chatID via the user-protocol session.
func (c *Collector) Notify(ctx context.Context, chatID int64, text string) error {
	if c.simulate.Load() || c.api == nil {
		return domain.NewIngestError(domain.ErrAuthRequired, nil)
	}
	_, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     &tg.InputPeerUser{UserID: chatID},
		Message:  text,
		RandomID: time.Now().UnixNano(),
	})
	return err
}

// Fetch downloads the media referenced by fileID, a composite
// "chatID:messageID" identifier produced by the ingestion pipeline when it
// enqueues the job (the bot-API file_id Telegram hands the curator is not
// resolvable through a user-protocol session, so the job instead addresses the original
// message directly, the same way the original's
// `download_file_by_message` did).
func (c *Collector) Fetch(ctx context.Context, fileID string, sizeHint int64) (io.ReadCloser, error) {
	if c.simulate.Load() || c.api == nil {
		return nil, domain.NewIngestError(domain.ErrAuthRequired, nil)
	}

	chatID, messageID, err := parseCompositeFileID(fileID)
	if err != nil {
		return nil, domain.NewIngestError(domain.ErrFetchPermanent, err)
	}

	messages, err := c.api.MessagesGetMessages(ctx, []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}})
	if err != nil {
		return nil, domain.NewIngestError(domain.ErrFetchTransient, err)
	}
	loc, err := mediaLocation(messages, chatID)
	if err != nil {
		return nil, domain.NewIngestError(domain.ErrFetchPermanent, err)
	}

	tmp, err := os.CreateTemp("", "teltubby-mtproto-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	d := downloader.NewDownloader()
	if _, err := d.Download(c.api, loc).Stream(ctx, tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, domain.NewIngestError(domain.ErrFetchTransient, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &tempFileReadCloser{File: tmp}, nil
}

type tempFileReadCloser struct{ *os.File }

func (t *tempFileReadCloser) Close() error {
	name := t.File.Name()
	err := t.File.Close()
	os.Remove(name)
	return err
}

func parseCompositeFileID(fileID string) (chatID, messageID int64, err error) {
	_, err = fmt.Sscanf(fileID, "%d:%d", &chatID, &messageID)
	if err != nil {
		return 0, 0, fmt.Errorf("fileID %q is not a chatID:messageID composite: %w", fileID, err)
	}
	return chatID, messageID, nil
}

func mediaLocation(result tg.MessagesMessagesClass, chatID int64) (tg.InputFileLocationClass, error) {
	full, ok := result.(*tg.MessagesMessages)
	if !ok || len(full.Messages) == 0 {
		return nil, fmt.Errorf("message not found for chat %d", chatID)
	}
	msg, ok := full.Messages[0].(*tg.Message)
	if !ok || msg.Media == nil {
		return nil, fmt.Errorf("message has no media")
	}
	switch media := msg.Media.(type) {
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return nil, fmt.Errorf("unsupported document media")
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, nil
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok || len(photo.Sizes) == 0 {
			return nil, fmt.Errorf("unsupported photo media")
		}
		largest := photo.Sizes[len(photo.Sizes)-1]
		sizeType := "x"
		if ps, ok := largest.(*tg.PhotoSize); ok {
			sizeType = ps.Type
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     sizeType,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported media kind %T", media)
	}
}

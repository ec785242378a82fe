// Package bot implements the bot-protocol surface: curator whitelist and
// DM-only enforcement, message-to-archive-unit extraction, album
// aggregation wiring, and the retry/cancel/db_maint admin commands,
// grounded on original_source/teltubby/bot/service.py's update handler.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
	"github.com/cptnfren/teltubby/internal/usecase/aggregator"
	"github.com/cptnfren/teltubby/internal/usecase/ingest"
	"github.com/cptnfren/teltubby/internal/usecase/jobqueue"
)

// Handler dispatches webhook updates: curator DMs feed the archival
// pipeline, admin commands manage the job queue and dedup index.
type Handler struct {
	bot        *tgbotapi.BotAPI
	log        zerolog.Logger
	curators   map[int64]bool
	admins     map[int64]bool
	aggregator *aggregator.Aggregator
	pipeline   *ingest.Pipeline
	inline     domain.InlineTransport
	jobs       *jobqueue.Manager
	dedup      domain.DedupIndex
}

// NewHandler builds a Handler. curatorIDs/adminIDs come straight from config.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, agg *aggregator.Aggregator, pipeline *ingest.Pipeline, inline domain.InlineTransport, jobs *jobqueue.Manager, dedup domain.DedupIndex, curatorIDs, adminIDs []int64) *Handler {
	h := &Handler{
		bot: bot, log: log, aggregator: agg, pipeline: pipeline, inline: inline, jobs: jobs, dedup: dedup,
		curators: make(map[int64]bool, len(curatorIDs)),
		admins:   make(map[int64]bool, len(adminIDs)),
	}
	for _, id := range curatorIDs {
		h.curators[id] = true
	}
	for _, id := range adminIDs {
		h.admins[id] = true
	}
	return h
}

// HandleUpdate dispatches one webhook update.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message == nil {
		return
	}
	h.handleMessage(ctx, upd.Message)
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.Type != "private" {
		metrics.IncErrorKind(string(domain.ErrGroupChatIgnored))
		return
	}
	if msg.From == nil || !h.curators[msg.From.ID] {
		metrics.IncErrorKind(string(domain.ErrUnauthorizedCurator))
		if msg.From != nil {
			h.reply(ctx, msg.Chat.ID, "you are not authorized to use this bot")
		}
		return
	}

	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") || isAdminCommand(msg.Text) {
		h.handleCommand(ctx, msg)
		return
	}

	unit := extractUnit(msg)
	if !unit.HasMedia() {
		h.reply(ctx, msg.Chat.ID, "send a photo, video, document, or other media to archive it")
		return
	}
	h.aggregator.Add(ctx, unit)
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.inline.SendAck(ctx, chatID, text); err != nil {
		h.log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send reply")
	}
}

// Emit is the aggregator.Emitter this handler registers: it runs the
// ingestion pipeline for a closed unit and acks the curator.
func (h *Handler) Emit(ctx context.Context, unit domain.MessageUnit) {
	result := h.pipeline.ProcessUnit(ctx, unit, h.inline)
	h.reply(ctx, unit.ChatID, result.Ack())
}

func isAdminCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "retry", "cancel", "db_maint":
		return true
	default:
		return false
	}
}

func (h *Handler) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	fields := strings.Fields(strings.TrimSpace(msg.Text))
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))

	if isAdminCommand(cmd) && !h.admins[msg.From.ID] {
		metrics.IncErrorKind(string(domain.ErrUnauthorizedCurator))
		h.reply(ctx, msg.Chat.ID, "you are not authorized to use this command")
		return
	}

	switch cmd {
	case "start", "help":
		h.reply(ctx, msg.Chat.ID, "send media in a DM to archive it. Admin commands: retry <job_id>, cancel <job_id>, db_maint")
	case "retry":
		if len(fields) < 2 {
			h.reply(ctx, msg.Chat.ID, "usage: retry <job_id>")
			return
		}
		if err := h.jobs.Retry(ctx, fields[1]); err != nil {
			h.reply(ctx, msg.Chat.ID, fmt.Sprintf("retry failed: %v", err))
			return
		}
		h.reply(ctx, msg.Chat.ID, fmt.Sprintf("job %s requeued", fields[1]))
	case "cancel":
		if len(fields) < 2 {
			h.reply(ctx, msg.Chat.ID, "usage: cancel <job_id>")
			return
		}
		if err := h.jobs.Cancel(ctx, fields[1]); err != nil {
			h.reply(ctx, msg.Chat.ID, fmt.Sprintf("cancel failed: %v", err))
			return
		}
		h.reply(ctx, msg.Chat.ID, fmt.Sprintf("job %s cancellation requested", fields[1]))
	case "db_maint":
		if err := h.dedup.Vacuum(ctx); err != nil {
			h.reply(ctx, msg.Chat.ID, fmt.Sprintf("db maintenance failed: %v", err))
			return
		}
		h.reply(ctx, msg.Chat.ID, "DB VACUUM completed.")
	case "status":
		jobs, err := h.jobs.ListRecent(ctx, 10)
		if err != nil {
			h.reply(ctx, msg.Chat.ID, fmt.Sprintf("status unavailable: %v", err))
			return
		}
		h.reply(ctx, msg.Chat.ID, formatStatus(jobs))
	default:
		h.reply(ctx, msg.Chat.ID, "unknown command")
	}
}

func formatStatus(jobs []domain.Job) string {
	if len(jobs) == 0 {
		return "no recent jobs"
	}
	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s %s %s\n", j.ID, j.State, j.File.FileName)
	}
	return strings.TrimSpace(b.String())
}

// extractUnit projects a Telegram message into a domain.MessageUnit. A
// message carries at most one media item; albums arrive as one message per
// item sharing MediaGroupID and are bundled by the aggregator.
func extractUnit(msg *tgbotapi.Message) domain.MessageUnit {
	unit := domain.MessageUnit{
		ChatID:        msg.Chat.ID,
		MessageID:     int64(msg.MessageID),
		MediaGroupID:  msg.MediaGroupID,
		Timestamp:     time.Unix(int64(msg.Date), 0).UTC(),
		CaptionPlain:  firstNonEmpty(msg.Caption, msg.Text),
		CaptionSpans:  entitySpans(msg.CaptionEntities),
		Entities:      entitySpans(msg.Entities),
		ForwardOrigin: forwardOrigin(msg),
		ChatTitle:     msg.Chat.Title,
		ChatUsername:  msg.Chat.UserName,
	}
	if msg.From != nil {
		unit.Curator = domain.Curator{UserID: msg.From.ID, Username: msg.From.UserName}
	}

	if item, ok := extractItem(msg); ok {
		item.Ordinal = 1
		item.ArrivalSeq = int64(msg.MessageID)
		unit.Items = []domain.Item{item}
	}
	return unit
}

func extractItem(msg *tgbotapi.Message) (domain.Item, bool) {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return domain.Item{
			Kind: domain.MediaPhoto, FileID: largest.FileID, FileUniqueID: largest.FileUniqueID,
			DeclaredSize: int64(largest.FileSize), Width: largest.Width, Height: largest.Height,
		}, true
	case msg.Document != nil:
		d := msg.Document
		return domain.Item{
			Kind: domain.MediaDocument, FileID: d.FileID, FileUniqueID: d.FileUniqueID,
			DeclaredSize: int64(d.FileSize), DeclaredMIME: d.MimeType, OriginalFilename: d.FileName,
		}, true
	case msg.Video != nil:
		v := msg.Video
		return domain.Item{
			Kind: domain.MediaVideo, FileID: v.FileID, FileUniqueID: v.FileUniqueID,
			DeclaredSize: int64(v.FileSize), DeclaredMIME: v.MimeType, OriginalFilename: v.FileName,
			Width: v.Width, Height: v.Height, DurationSeconds: v.Duration,
		}, true
	case msg.Audio != nil:
		a := msg.Audio
		return domain.Item{
			Kind: domain.MediaAudio, FileID: a.FileID, FileUniqueID: a.FileUniqueID,
			DeclaredSize: int64(a.FileSize), DeclaredMIME: a.MimeType, OriginalFilename: a.FileName,
			DurationSeconds: a.Duration,
		}, true
	case msg.Voice != nil:
		v := msg.Voice
		return domain.Item{
			Kind: domain.MediaVoice, FileID: v.FileID, FileUniqueID: v.FileUniqueID,
			DeclaredSize: int64(v.FileSize), DeclaredMIME: v.MimeType, DurationSeconds: v.Duration,
		}, true
	case msg.Animation != nil:
		a := msg.Animation
		return domain.Item{
			Kind: domain.MediaAnimation, FileID: a.FileID, FileUniqueID: a.FileUniqueID,
			DeclaredSize: int64(a.FileSize), DeclaredMIME: a.MimeType, OriginalFilename: a.FileName,
			Width: a.Width, Height: a.Height, DurationSeconds: a.Duration,
		}, true
	case msg.VideoNote != nil:
		v := msg.VideoNote
		return domain.Item{
			Kind: domain.MediaVideoNote, FileID: v.FileID, FileUniqueID: v.FileUniqueID,
			DeclaredSize: int64(v.FileSize), Width: v.Length, Height: v.Length, DurationSeconds: v.Duration,
		}, true
	case msg.Sticker != nil:
		s := msg.Sticker
		return domain.Item{
			Kind: domain.MediaSticker, FileID: s.FileID, FileUniqueID: s.FileUniqueID,
			DeclaredSize: int64(s.FileSize), Width: s.Width, Height: s.Height,
		}, true
	default:
		return domain.Item{}, false
	}
}

// forwardOrigin builds a ForwardOrigin from the classic (pre-Bot-API-7.0)
// forward fields this library version exposes.
func forwardOrigin(msg *tgbotapi.Message) *domain.ForwardOrigin {
	switch {
	case msg.ForwardFrom != nil:
		return &domain.ForwardOrigin{SenderID: msg.ForwardFrom.ID, Username: msg.ForwardFrom.UserName, Date: int64(msg.ForwardDate)}
	case msg.ForwardFromChat != nil:
		return &domain.ForwardOrigin{
			ChatID: msg.ForwardFromChat.ID, ChatTitle: msg.ForwardFromChat.Title,
			Username: msg.ForwardFromChat.UserName, Date: int64(msg.ForwardDate),
		}
	case msg.ForwardSenderName != "":
		return &domain.ForwardOrigin{Hidden: true, Date: int64(msg.ForwardDate)}
	default:
		return nil
	}
}

func entitySpans(entities []tgbotapi.MessageEntity) []domain.EntitySpan {
	if len(entities) == 0 {
		return nil
	}
	spans := make([]domain.EntitySpan, 0, len(entities))
	for _, e := range entities {
		spans = append(spans, domain.EntitySpan{Type: e.Type, Offset: e.Offset, Length: e.Length, URL: e.URL})
	}
	return spans
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

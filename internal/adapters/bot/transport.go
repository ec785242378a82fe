package bot

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cptnfren/teltubby/internal/adapters/telegram"
	"github.com/cptnfren/teltubby/internal/domain"
)

// Transport is the domain.InlineTransport implementation over the
// bot-protocol API: curator acks, file probing, and file download up to the
// bot API's own 20MB direct-download ceiling.
type Transport struct {
	bot        *tgbotapi.BotAPI
	httpClient *http.Client
}

var _ domain.InlineTransport = (*Transport)(nil)

// NewTransport wraps an already-constructed bot client.
func NewTransport(bot *tgbotapi.BotAPI) *Transport {
	return &Transport{bot: bot, httpClient: http.DefaultClient}
}

// Probe asks the bot API for file metadata without downloading it. The bot
// API itself refuses GetFile for anything the server considers too big
// (around 20MB, regardless of INLINE_LIMIT_BYTES), which doubles as the
// probe's fetchability signal.
func (t *Transport) Probe(ctx context.Context, fileID string) (fetchable bool, sizeBytes int64, err error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "too big") {
			return false, 0, nil
		}
		return false, 0, domain.NewIngestError(domain.ErrFetchTransient, err)
	}
	return true, int64(file.FileSize), nil
}

// Fetch streams the file's bytes from Telegram's file-download endpoint.
func (t *Transport) Fetch(ctx context.Context, fileID string) (domain.InlineFile, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "too big") {
			return domain.InlineFile{}, domain.NewIngestError(domain.ErrFetchTooBig, err)
		}
		return domain.InlineFile{}, domain.NewIngestError(domain.ErrFetchPermanent, err)
	}

	url := file.Link(t.bot.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.InlineFile{}, domain.NewIngestError(domain.ErrFetchPermanent, err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return domain.InlineFile{}, domain.NewIngestError(domain.ErrFetchTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return domain.InlineFile{}, domain.NewIngestError(domain.ErrFetchTransient, fmt.Errorf("file download returned status %d", resp.StatusCode))
	}

	return domain.InlineFile{
		SizeBytes: int64(file.FileSize),
		MIME:      resp.Header.Get("Content-Type"),
		Stream:    resp.Body,
	}, nil
}

// SendAck delivers a plain-text message to chatID, splitting it across
// Telegram's 4096-character message limit when necessary.
func (t *Transport) SendAck(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range telegram.SplitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := t.bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

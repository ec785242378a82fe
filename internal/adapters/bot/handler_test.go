package bot

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cptnfren/teltubby/internal/domain"
)

func TestExtractUnitPhoto(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 42,
		Date:      1700000000,
		Chat:      &tgbotapi.Chat{ID: 99, Type: "private"},
		From:      &tgbotapi.User{ID: 7, UserName: "curator"},
		Caption:   "hello world",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileUniqueID: "small-u", Width: 90, Height: 90, FileSize: 1000},
			{FileID: "large", FileUniqueID: "large-u", Width: 1280, Height: 720, FileSize: 50000},
		},
	}

	unit := extractUnit(msg)

	if !unit.HasMedia() {
		t.Fatalf("expected unit to carry media")
	}
	if got := unit.Items[0].FileID; got != "large" {
		t.Errorf("expected largest photo size to be picked, got %q", got)
	}
	if unit.Items[0].Kind != domain.MediaPhoto {
		t.Errorf("expected MediaPhoto, got %v", unit.Items[0].Kind)
	}
	if unit.CaptionPlain != "hello world" {
		t.Errorf("unexpected caption: %q", unit.CaptionPlain)
	}
	if unit.Curator.Username != "curator" {
		t.Errorf("unexpected curator: %+v", unit.Curator)
	}
}

func TestExtractUnitNoMedia(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: 1, Type: "private"},
		From:      &tgbotapi.User{ID: 1},
		Text:      "just chatting",
	}
	unit := extractUnit(msg)
	if unit.HasMedia() {
		t.Fatalf("expected no media extracted from a plain text message")
	}
}

func TestForwardOriginHiddenSender(t *testing.T) {
	msg := &tgbotapi.Message{ForwardSenderName: "Anonymous", ForwardDate: 123}
	origin := forwardOrigin(msg)
	if origin == nil || !origin.Hidden {
		t.Fatalf("expected a hidden forward origin, got %+v", origin)
	}
}

func TestIsAdminCommand(t *testing.T) {
	cases := map[string]bool{
		"retry abc123":  true,
		"cancel abc123": true,
		"db_maint":      true,
		"hello there":   false,
		"":              false,
	}
	for text, want := range cases {
		if got := isAdminCommand(text); got != want {
			t.Errorf("isAdminCommand(%q) = %v, want %v", text, got, want)
		}
	}
}

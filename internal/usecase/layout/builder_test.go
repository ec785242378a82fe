package layout

import (
	"strings"
	"testing"
	"time"
)

func TestKeyPrefixFormat(t *testing.T) {
	ts := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	prefix := KeyPrefix(ts, "Café Émoji", 4242)
	want := "teltubby/2026/03/cafe-emoji/4242/"
	if prefix != want {
		t.Fatalf("got %q, want %q", prefix, want)
	}
}

func TestKeyPrefixFallsBackToUnknown(t *testing.T) {
	prefix := KeyPrefix(time.Unix(0, 0).UTC(), "!!!", 1)
	if !strings.Contains(prefix, "/unknown/") {
		t.Fatalf("expected unknown fallback slug, got %q", prefix)
	}
}

func TestBuildFilenameDeterministic(t *testing.T) {
	in := FilenameInput{
		MessageTimestampUTC: time.Date(2026, 3, 5, 9, 30, 15, 0, time.UTC),
		ChatSlug:            "somechat",
		Sender:              "alice",
		MessageID:           100,
		MediaGroupID:        "",
		Ordinal:             1,
		Caption:             "Hello world this is a long caption with many words",
		Ext:                 "jpg",
	}
	a := BuildFilename(in)
	b := BuildFilename(in)
	if a != b {
		t.Fatalf("expected deterministic output, got %q vs %q", a, b)
	}
	want := "20260305-093015_somechat_alice_m100_001_hello-world-this-is-a-long.jpg"
	if a != want {
		t.Fatalf("got %q, want %q", a, want)
	}
}

func TestBuildFilenameWithGroupSuffix(t *testing.T) {
	in := FilenameInput{
		MessageTimestampUTC: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ChatSlug:            "chat",
		Sender:              "bob",
		MessageID:           5,
		MediaGroupID:        "998877",
		Ordinal:             3,
		Ext:                 "mp4",
	}
	name := BuildFilename(in)
	if !strings.Contains(name, "-g998877_") {
		t.Fatalf("expected group suffix in %q", name)
	}
	if !strings.HasSuffix(name, ".mp4") {
		t.Fatalf("expected mp4 extension in %q", name)
	}
}

func TestBuildFilenameCapsAt120Chars(t *testing.T) {
	longCaption := strings.Repeat("wordwordword ", 40)
	in := FilenameInput{
		MessageTimestampUTC: time.Now().UTC(),
		ChatSlug:            "chat",
		Sender:              "someverylongusernamethatisquitelong",
		MessageID:           999999999,
		Ordinal:             999,
		Caption:             longCaption,
		Ext:                 "documentextension",
	}
	name := BuildFilename(in)
	if len(name) > maxFilenameLen {
		t.Fatalf("filename length %d exceeds cap %d: %q", len(name), maxFilenameLen, name)
	}
}

func TestFullKeyCapsAt512Chars(t *testing.T) {
	prefix := "teltubby/2026/03/" + strings.Repeat("a", 400) + "/123/"
	filename := strings.Repeat("b", 110) + ".jpg"
	key := FullKey(prefix, filename)
	if len(key) > maxKeyLen {
		t.Fatalf("key length %d exceeds cap %d", len(key), maxKeyLen)
	}
	if !strings.HasPrefix(key, prefix) {
		t.Fatalf("expected prefix to be preserved verbatim, got %q", key)
	}
}

func TestToSafeSlugCollapsesAndLowercases(t *testing.T) {
	got := ToSafeSlug("Some   Weird!!  Name__123")
	if strings.Contains(got, "--") {
		t.Fatalf("expected collapsed dashes, got %q", got)
	}
	if got != strings.ToLower(got) {
		t.Fatalf("expected lowercase, got %q", got)
	}
}

func TestCaptionSnippetLimitsToSixWords(t *testing.T) {
	snippet := CaptionSnippet("one two three four five six seven eight")
	words := strings.Split(snippet, "-")
	if len(words) > 6 {
		t.Fatalf("expected at most 6 words, got %d: %q", len(words), snippet)
	}
}

func TestCaptionSnippetEmpty(t *testing.T) {
	if CaptionSnippet("") != "" {
		t.Fatalf("expected empty snippet for empty caption")
	}
}

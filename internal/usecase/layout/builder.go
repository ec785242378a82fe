// Package layout computes deterministic bucket key prefixes and filenames
// for archive units (C3). It is a pure function of the message context:
// no I/O, no clock reads beyond the timestamp supplied by the caller.
package layout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/cptnfren/teltubby/internal/domain"
)

const (
	maxFilenameLen = 120
	maxKeyLen      = 512
	captionWords   = 6
)

var nonSlugChar = regexp.MustCompile(`[^a-z0-9._-]+`)
var collapseDash = regexp.MustCompile(`-+`)

// ToSafeSlug transliterates text to ASCII and keeps only [a-z0-9._-],
// mapping whitespace runs to single dashes, the same charset the teacher's
// Telegram splitter treats as ordinary text. Transliteration is Unicode NFD
// decomposition with combining marks dropped (golang.org/x/text), standing
// in for the original slugify/unidecode behavior.
func ToSafeSlug(text string) string {
	translit := transliterate(text)
	lower := strings.ToLower(translit)
	replaced := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, lower)
	slug := nonSlugChar.ReplaceAllString(replaced, "-")
	slug = collapseDash.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// transliterate strips combining marks after NFD decomposition, which
// reduces most accented Latin text to plain ASCII; characters outside the
// Latin script (e.g. Cyrillic) fall through unchanged by design and get
// filtered out by the slug charset instead of mistranslated.
func transliterate(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}

// CaptionSnippet returns the slugged first six words of caption, or "".
func CaptionSnippet(caption string) string {
	if caption == "" {
		return ""
	}
	fields := strings.Fields(transliterate(caption))
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > captionWords {
		fields = fields[:captionWords]
	}
	return ToSafeSlug(strings.Join(fields, "-"))
}

// KeyPrefix computes the `teltubby/{YYYY}/{MM}/{chat_slug}/{message_id}/` prefix.
func KeyPrefix(messageTimestampUTC time.Time, chatSlugSource string, messageID int64) string {
	y := messageTimestampUTC.Format("2006")
	m := messageTimestampUTC.Format("01")
	slug := ToSafeSlug(chatSlugSource)
	if slug == "" {
		slug = "unknown"
	}
	return fmt.Sprintf("teltubby/%s/%s/%s/%d/", y, m, slug, messageID)
}

// ChatSlugSource picks the chat-slug source per §4.3: forward-origin
// username/title first, else the curator's username or numeric id.
func ChatSlugSource(origin *domain.ForwardOrigin, chatTitle, chatUsername string, chatID int64, curator domain.Curator) string {
	if origin != nil && !origin.Hidden {
		if origin.Username != "" {
			return origin.Username
		}
		if origin.ChatTitle != "" {
			return origin.ChatTitle
		}
	}
	if chatUsername != "" {
		return chatUsername
	}
	if chatTitle != "" {
		return chatTitle
	}
	if curator.Username != "" {
		return curator.Username
	}
	return strconv.FormatInt(chatID, 10)
}

// FilenameInput is the context needed to build one item's filename.
type FilenameInput struct {
	MessageTimestampUTC time.Time
	ChatSlug            string // already slugged, shared across the unit
	Sender              string // raw username or numeric id; slugged here
	MessageID           int64
	MediaGroupID        string
	Ordinal             int
	Caption             string
	Ext                 string
}

// BuildFilename implements §4.3's filename template, truncating the base
// (never the extension) when the full name would exceed maxFilenameLen.
func BuildFilename(in FilenameInput) string {
	ts := in.MessageTimestampUTC.Format("20060102-150405")
	sender := in.Sender
	if sender == "" {
		sender = "unknown"
	}
	senderPart := ToSafeSlug(sender)
	if senderPart == "" {
		senderPart = "unknown"
	}
	groupPart := ""
	if in.MediaGroupID != "" {
		groupPart = "-g" + ToSafeSlug(in.MediaGroupID)
	}
	capPart := CaptionSnippet(in.Caption)

	base := fmt.Sprintf("%s_%s_%s_m%d%s_%03d", ts, in.ChatSlug, senderPart, in.MessageID, groupPart, in.Ordinal)
	if capPart != "" {
		base = base + "_" + capPart
	}
	ext := strings.TrimPrefix(in.Ext, ".")
	if ext == "" {
		ext = "bin"
	}
	name := base + "." + ext
	if len(name) > maxFilenameLen {
		overflow := len(name) - maxFilenameLen
		if overflow >= len(base) {
			base = ""
		} else {
			base = base[:len(base)-overflow]
		}
		name = base + "." + ext
	}
	return name
}

// FullKey joins a prefix and filename, truncating the filename's base
// further if the combination would exceed maxKeyLen (the prefix itself is
// never truncated: chat slug and message id are load-bearing for lookups).
func FullKey(prefix, filename string) string {
	key := prefix + filename
	if len(key) <= maxKeyLen {
		return key
	}
	overflow := len(key) - maxKeyLen
	dot := strings.LastIndex(filename, ".")
	if dot < 0 {
		dot = len(filename)
	}
	base, ext := filename[:dot], filename[dot:]
	if overflow >= len(base) {
		base = ""
	} else {
		base = base[:len(base)-overflow]
	}
	return prefix + base + ext
}

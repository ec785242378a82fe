package ingest

import (
	"path"
	"strings"

	"github.com/cptnfren/teltubby/internal/domain"
)

// extAndMIME picks a file extension and content type for item, grounded on
// the original pipeline's per-kind detection: prefer the sender's own
// filename extension and declared MIME where Telegram provides one, fall
// back to a fixed default per media kind otherwise.
func extAndMIME(item domain.Item) (ext string, mime string) {
	fromName := filenameExt(item.OriginalFilename)

	switch item.Kind {
	case domain.MediaPhoto:
		return "jpg", "image/jpeg"
	case domain.MediaVideo:
		if fromName != "" {
			ext = fromName
		} else {
			ext = "mp4"
		}
		return ext, firstNonEmpty(item.DeclaredMIME, "video/mp4")
	case domain.MediaAnimation:
		if fromName != "" {
			ext = fromName
		} else {
			ext = "mp4"
		}
		return ext, firstNonEmpty(item.DeclaredMIME, "video/mp4")
	case domain.MediaAudio:
		if fromName != "" {
			ext = fromName
		} else {
			ext = "mp3"
		}
		return ext, firstNonEmpty(item.DeclaredMIME, "audio/mpeg")
	case domain.MediaVoice:
		return "ogg", "audio/ogg"
	case domain.MediaVideoNote:
		return "mp4", "video/mp4"
	case domain.MediaSticker:
		return "webp", "image/webp"
	case domain.MediaDocument:
		if fromName != "" {
			ext = fromName
		} else {
			ext = "bin"
		}
		return ext, firstNonEmpty(item.DeclaredMIME, "application/octet-stream")
	default:
		if fromName != "" {
			ext = fromName
		} else {
			ext = "bin"
		}
		return ext, firstNonEmpty(item.DeclaredMIME, "application/octet-stream")
	}
}

func filenameExt(name string) string {
	e := path.Ext(name)
	return strings.TrimPrefix(e, ".")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mediaTypeLabel(kind domain.MediaKind) string {
	return string(kind)
}

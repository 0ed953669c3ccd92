package submission

import (
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	defaultMIME      = "audio/webm"
	defaultExtension = ".webm"
	maxNameRunes     = 40
)

// resolveMIME picks the upload's MIME type and file extension: the client
// hint when it is a known type, else content sniffing, else webm.
func resolveMIME(hint string, audio []byte) (string, string) {
	base, _, _ := strings.Cut(hint, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	if base != "" {
		if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
			return base, m.Extension()
		}
		if ext, ok := rawAudioExtensions[base]; ok {
			return base, ext
		}
	}
	if len(audio) > 0 {
		m := mimetype.Detect(audio)
		if m.Extension() != "" && !m.Is("application/octet-stream") && !m.Is("text/plain") {
			return m.String(), m.Extension()
		}
	}
	if base != "" {
		return base, defaultExtension
	}
	return defaultMIME, defaultExtension
}

// raw PCM has no signature to sniff
var rawAudioExtensions = map[string]string{
	"audio/l16":   ".pcm",
	"audio/pcm":   ".pcm",
	"audio/x-pcm": ".pcm",
}

// buildFilename returns YYYYMMDD-HHMMSS-<name>-<6 hex>-<label><ext>.
func buildFilename(now time.Time, name string, id uuid.UUID, label, ext string) string {
	suffix := strings.ReplaceAll(id.String(), "-", "")[:6]
	return now.Format("20060102-150405") + "-" + safeSegment(name, "anonymous") + "-" + suffix + "-" + safeSegment(label, "all") + ext
}

// safeSegment keeps letters, digits, '-' and '_' so names in any script stay
// readable while path separators and spaces cannot leak into the filename.
func safeSegment(s, fallback string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if n == maxNameRunes {
			break
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		n++
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return fallback
	}
	return out
}

// Package mimetypes holds the closed set of content types the relay accepts.
package mimetypes

import (
	"mime"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"
)

type MIME string

const (
	Unknown     MIME = ""
	OctetStream MIME = "application/octet-stream"

	ImageJPEG MIME = "image/jpeg"
	ImagePNG  MIME = "image/png"
	ImageGIF  MIME = "image/gif"

	ApplicationPDF  MIME = "application/pdf"
	ApplicationDOC  MIME = "application/msword"
	ApplicationDOCX MIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TextPlain       MIME = "text/plain"

	AudioMPEG MIME = "audio/mpeg"
	AudioWAV  MIME = "audio/wav"

	VideoMP4       MIME = "video/mp4"
	VideoQuickTime MIME = "video/quicktime"
	VideoAVI       MIME = "video/x-msvideo"
)

// SniffLen is how many leading bytes Detect needs to classify content.
const SniffLen = 3072

var allowed = map[MIME]struct{}{
	ImageJPEG:       {},
	ImagePNG:        {},
	ImageGIF:        {},
	ApplicationPDF:  {},
	ApplicationDOC:  {},
	ApplicationDOCX: {},
	TextPlain:       {},
	AudioMPEG:       {},
	AudioWAV:        {},
	VideoMP4:        {},
	VideoQuickTime:  {},
	VideoAVI:        {},
}

// aliases maps non-canonical names browsers and sniffers emit onto the allow-list spelling.
var aliases = map[string]MIME{
	"image/jpg":         ImageJPEG,
	"image/pjpeg":       ImageJPEG,
	"audio/mp3":         AudioMPEG,
	"audio/x-mpeg":      AudioMPEG,
	"audio/x-wav":       AudioWAV,
	"audio/wave":        AudioWAV,
	"audio/vnd.wave":    AudioWAV,
	"video/avi":         VideoAVI,
	"video/msvideo":     VideoAVI,
	"application/x-pdf": ApplicationPDF,
}

// Normalize strips parameters and case from a media type and resolves known aliases.
// Unparseable input yields Unknown.
func Normalize(raw string) MIME {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Unknown
	}

	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return Unknown
	}

	if alias, ok := aliases[mt]; ok {
		return alias
	}

	return MIME(mt)
}

// Allowed reports whether m is on the allow-list.
func Allowed(m MIME) bool {
	_, ok := allowed[m]

	return ok
}

// Detect classifies content from its leading bytes.
func Detect(head []byte) MIME {
	return Normalize(mimetype.Detect(head).String())
}

// NeedsSniffing reports whether a declared type carries no usable information.
func NeedsSniffing(m MIME) bool {
	return m == Unknown || m == OctetStream
}

// List returns the allow-list in stable order, for error messages.
func List() []string {
	out := lo.Map(lo.Keys(allowed), func(m MIME, _ int) string { return string(m) })
	sort.Strings(out)

	return out
}

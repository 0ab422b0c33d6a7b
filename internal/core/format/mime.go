package format

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

var mimeTypes = map[string]string{
	"opus":       webrtc.MimeTypeOpus,
	"pcmu":       webrtc.MimeTypePCMU,
	"pcma":       webrtc.MimeTypePCMA,
	"g722":       webrtc.MimeTypeG722,
	"isac":       "audio/ISAC",
	"ilbc":       "audio/ILBC",
	"aac":        "audio/AAC",
	"ac3":        "audio/AC3",
	"nellymoser": "audio/NELLYMOSER",

	"h264": webrtc.MimeTypeH264,
	"vp8":  webrtc.MimeTypeVP8,
	"vp9":  webrtc.MimeTypeVP9,
	"av1":  webrtc.MimeTypeAV1,
	"h265": "video/H265",
}

// MimeType maps a codec name (or a full format string) to its RTP MIME type.
// Unknown codecs yield "".
func MimeType(codec string) string {
	if m, ok := mimeTypes[codec]; ok {
		return m
	}
	base, _, _ := strings.Cut(codec, "_")
	return mimeTypes[base]
}

// KnownCodec reports whether the codec of a format string is recognized.
func KnownCodec(format string) bool {
	return MimeType(format) != ""
}

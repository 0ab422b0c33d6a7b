package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// Room, stream and participant ids come from session signaling and are opaque,
	// but they end up in RPC routing keys and Redis keys.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@\-]+$`)

	// ViewLabelRegex validates view labels; the mixed stream id is "<room>-<label>".
	ViewLabelRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

	// FormatRegex validates format strings such as "opus_48000_2" or "h264_CB".
	FormatRegex = regexp.MustCompile(`^[a-z0-9]+(_[A-Za-z0-9]+)*$`)
)

const maxIDLength = 128

func validateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	return validateID(roomID, "room ID")
}

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	return validateID(streamID, "stream ID")
}

// ValidateParticipantID validates participant ID
func ValidateParticipantID(participantID string) error {
	return validateID(participantID, "participant ID")
}

// ValidateSubscriptionID validates subscription ID
func ValidateSubscriptionID(subscriptionID string) error {
	return validateID(subscriptionID, "subscription ID")
}

// ValidateViewLabel validates a view label
func ValidateViewLabel(label string) error {
	if label == "" {
		return fmt.Errorf("view label is required")
	}
	if len(label) > 64 {
		return fmt.Errorf("view label is too long (max 64 characters)")
	}
	if !ViewLabelRegex.MatchString(label) {
		return fmt.Errorf("invalid view label format")
	}
	return nil
}

// ValidateFormatString validates the textual shape of a media format. Empty is allowed
// and means "no preference".
func ValidateFormatString(format string) error {
	if format == "" {
		return nil
	}
	if !FormatRegex.MatchString(format) {
		return fmt.Errorf("invalid format %q", format)
	}
	return nil
}

// ValidateTrackStatus validates an active/inactive status value
func ValidateTrackStatus(status string) error {
	if status != "active" && status != "inactive" {
		return fmt.Errorf("invalid status (must be active or inactive)")
	}
	return nil
}

// ValidateTrackKind validates the track selector of updateStream
func ValidateTrackKind(track string) error {
	switch track {
	case "audio", "video", "av":
		return nil
	}
	return fmt.Errorf("invalid track (must be audio, video, or av)")
}

// ValidateBitrate validates a bitrate in kbps. Zero means unspecified.
func ValidateBitrate(bitrate int) error {
	if bitrate < 0 {
		return fmt.Errorf("bitrate must not be negative")
	}
	if bitrate > 100000 {
		return fmt.Errorf("bitrate is too high (max 100000 kbps)")
	}
	return nil
}

// ValidateResolution validates a resolution. Both zero means unspecified.
func ValidateResolution(width, height int) error {
	if width < 0 || height < 0 {
		return fmt.Errorf("resolution must not be negative")
	}
	if (width == 0) != (height == 0) {
		return fmt.Errorf("resolution must set both width and height")
	}
	if width > 7680 || height > 4320 {
		return fmt.Errorf("resolution is too large (max 7680x4320)")
	}
	return nil
}

// ValidateFramerate validates a framerate. Zero means unspecified.
func ValidateFramerate(fps int) error {
	if fps < 0 || fps > 120 {
		return fmt.Errorf("framerate must be between 0 and 120")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

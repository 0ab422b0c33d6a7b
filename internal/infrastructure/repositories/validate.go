package repositories

import (
	"fmt"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
	"roomctl/pkg/validation"
)

// ValidateRoomConfig rejects room documents the controller could not serve:
// malformed ids and labels, duplicate views and codecs with no RTP mapping.
func ValidateRoomConfig(cfg *domain.RoomConfig) error {
	if err := validation.ValidateRoomID(cfg.ID); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Views))
	for _, v := range cfg.Views {
		if err := validation.ValidateViewLabel(v.Label); err != nil {
			return fmt.Errorf("room %s: %w", cfg.ID, err)
		}
		if seen[v.Label] {
			return fmt.Errorf("room %s: duplicate view %q", cfg.ID, v.Label)
		}
		seen[v.Label] = true

		if v.Audio != nil && !v.Audio.Format.IsZero() && !format.KnownCodec(v.Audio.Format.Codec) {
			return fmt.Errorf("room %s view %s: unknown audio codec %q", cfg.ID, v.Label, v.Audio.Format.Codec)
		}
		if v.Video != nil && !v.Video.Format.IsZero() && !format.KnownCodec(v.Video.Format.Codec) {
			return fmt.Errorf("room %s view %s: unknown video codec %q", cfg.ID, v.Label, v.Video.Format.Codec)
		}
	}

	for _, f := range cfg.MediaIn.Audio {
		if !format.KnownCodec(f.Codec) {
			return fmt.Errorf("room %s: unknown audio codec %q", cfg.ID, f.Codec)
		}
	}
	for _, f := range cfg.MediaIn.Video {
		if !format.KnownCodec(f.Codec) {
			return fmt.Errorf("room %s: unknown video codec %q", cfg.ID, f.Codec)
		}
	}
	return nil
}

package transform

import (
	"fmt"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

// DefaultQuality is the output quality used for every request.
const DefaultQuality = 100

// Mode is the geometric operation selected by a Spec.
type Mode int

const (
	// ModeNone keeps the natural dimensions.
	ModeNone Mode = iota
	// ModeWidth resizes proportionally to Width.
	ModeWidth
	// ModeHeight resizes proportionally to Height.
	ModeHeight
	// ModeCrop covers and crops to exactly Width x Height.
	ModeCrop
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeWidth:
		return "width"
	case ModeHeight:
		return "height"
	case ModeCrop:
		return "crop"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Spec is a canonical description of the requested transformation.
type Spec struct {
	// Format is the output extension without a dot ("png", "jpg", "jpeg",
	// "webp", or the source extension when not overridden). It names the
	// cache partition and the file extension of the entry.
	Format string

	// FormatOverride is set when the request chose Format explicitly.
	FormatOverride bool

	// Width and Height are target dimensions; 0 means unconstrained.
	Width  int
	Height int

	// Quality is 1-100.
	Quality int

	// Blurred requests the blur post-pass.
	Blurred bool

	// Anchor selects the surviving region of a crop.
	Anchor imaging.Anchor
}

// NeedsTransform reports whether the spec differs from a passthrough.
func (s Spec) NeedsTransform() bool {
	return s.FormatOverride || s.Width > 0 || s.Height > 0 || s.Blurred
}

// Mode returns the geometric operation implied by Width and Height.
func (s Spec) Mode() Mode {
	switch {
	case s.Width > 0 && s.Height > 0:
		return ModeCrop
	case s.Width > 0:
		return ModeWidth
	case s.Height > 0:
		return ModeHeight
	default:
		return ModeNone
	}
}

// Canonical returns the ordered field encoding hashed by Key.
func (s Spec) Canonical() string {
	blurred := "no"
	if s.Blurred {
		blurred = "yes"
	}
	return fmt.Sprintf("format:%s|width:%d|height:%d|quality:%d|blurred:%s",
		s.Format, s.Width, s.Height, s.Quality, blurred)
}

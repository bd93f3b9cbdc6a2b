package transform

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/ironsheep/image-proxy/internal/imaging"
)

// AllowedFormats is the set of values accepted by the convert parameter.
var AllowedFormats = []string{"png", "jpg", "jpeg", "webp"}

// BlurFormat is the output format forced by blurred=true.
const BlurFormat = "jpeg"

// Parser builds Specs from query parameters.
//
// The zero value accepts AllowedFormats, falls back to "jpg" for sources
// without an extension and crops at the centre.
type Parser struct {
	// Allowed overrides AllowedFormats when non-empty.
	Allowed []string

	// DefaultExtension is used when the source has no extension.
	DefaultExtension string

	// DefaultAnchor is the crop anchor of every Spec.
	DefaultAnchor imaging.Anchor
}

// Parse normalizes query into a Spec for a source with extension sourceExt.
//
// Rules, in order:
//   - convert=<fmt> with fmt in the allowed set overrides the format;
//     other values are ignored.
//   - blurred=true forces jpeg output at quality 100 and wins over convert.
//   - width and height accept numeric values; values above zero set the
//     dimension, anything else is ignored. Decimals are truncated.
func (p Parser) Parse(query url.Values, sourceExt string) Spec {
	spec := Spec{
		Format:  p.sourceFormat(sourceExt),
		Quality: DefaultQuality,
		Anchor:  p.DefaultAnchor,
	}

	if convert := query.Get("convert"); convert != "" && p.allowed(convert) {
		spec.Format = convert
		spec.FormatOverride = true
	}

	if query.Get("blurred") == "true" {
		spec.Format = BlurFormat
		spec.FormatOverride = true
		spec.Quality = DefaultQuality
		spec.Blurred = true
	}

	spec.Width = parseDimension(query.Get("width"))
	spec.Height = parseDimension(query.Get("height"))

	return spec
}

func (p Parser) sourceFormat(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext != "" {
		return ext
	}
	if p.DefaultExtension != "" {
		return strings.ToLower(strings.TrimPrefix(p.DefaultExtension, "."))
	}
	return "jpg"
}

func (p Parser) allowed(format string) bool {
	allowed := p.Allowed
	if len(allowed) == 0 {
		allowed = AllowedFormats
	}
	for _, a := range allowed {
		if a == format {
			return true
		}
	}
	return false
}

// parseDimension returns the positive integer part of s, or 0. Values
// are capped at math.MaxInt32.
func parseDimension(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(min(max(n, 0), math.MaxInt32))
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 1 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}

package imaging

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"
)

// Anchor names the region that survives a crop.
type Anchor int

// The nine crop anchors. Center is the zero value.
const (
	Center Anchor = iota
	TopLeft
	Top
	TopRight
	Left
	Right
	BottomLeft
	Bottom
	BottomRight
)

var anchorNames = [...]string{
	Center:      "center",
	TopLeft:     "top-left",
	Top:         "top",
	TopRight:    "top-right",
	Left:        "left",
	Right:       "right",
	BottomLeft:  "bottom-left",
	Bottom:      "bottom",
	BottomRight: "bottom-right",
}

// Names used by imageflow's querystring API.
var imageflowNames = [...]string{
	Center:      "middlecenter",
	TopLeft:     "topleft",
	Top:         "topcenter",
	TopRight:    "topright",
	Left:        "middleleft",
	Right:       "middleright",
	BottomLeft:  "bottomleft",
	Bottom:      "bottomcenter",
	BottomRight: "bottomright",
}

// ParseAnchor parses an anchor name. Both the hyphenated form ("top-left")
// and the imageflow form ("topleft", "middlecenter") are accepted; matching
// is case-insensitive. An empty string is Center.
func ParseAnchor(s string) (Anchor, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return Center, nil
	}
	for a := range anchorNames {
		if anchorNames[a] == name || imageflowNames[a] == name {
			return Anchor(a), nil
		}
	}
	return Center, fmt.Errorf("unknown anchor: %s", s)
}

func (a Anchor) valid() bool {
	return a >= Center && int(a) < len(anchorNames)
}

// String returns the hyphenated anchor name.
func (a Anchor) String() string {
	if !a.valid() {
		return fmt.Sprintf("Anchor(%d)", int(a))
	}
	return anchorNames[a]
}

// ImageflowName returns the anchor as understood by imageflow_tool.
func (a Anchor) ImageflowName() string {
	if !a.valid() {
		return imageflowNames[Center]
	}
	return imageflowNames[a]
}

// Filter returns the equivalent disintegration/imaging anchor.
func (a Anchor) Filter() imaging.Anchor {
	switch a {
	case TopLeft:
		return imaging.TopLeft
	case Top:
		return imaging.Top
	case TopRight:
		return imaging.TopRight
	case Left:
		return imaging.Left
	case Right:
		return imaging.Right
	case BottomLeft:
		return imaging.BottomLeft
	case Bottom:
		return imaging.Bottom
	case BottomRight:
		return imaging.BottomRight
	default:
		return imaging.Center
	}
}

// Offset returns the top-left corner of a w x h window anchored inside a
// srcW x srcH image.
func (a Anchor) Offset(srcW, srcH, w, h int) image.Point {
	dx, dy := srcW-w, srcH-h
	var x, y int
	switch a {
	case TopLeft, Left, BottomLeft:
		x = 0
	case TopRight, Right, BottomRight:
		x = dx
	default:
		x = dx / 2
	}
	switch a {
	case TopLeft, Top, TopRight:
		y = 0
	case BottomLeft, Bottom, BottomRight:
		y = dy
	default:
		y = dy / 2
	}
	return image.Pt(x, y)
}

// CoverSize returns the smallest size with the source aspect ratio that
// covers w x h. Rounding never produces a side smaller than the target.
func CoverSize(srcW, srcH, w, h int) (int, int) {
	scale := math.Max(float64(w)/float64(srcW), float64(h)/float64(srcH))
	cw := int(math.Round(float64(srcW) * scale))
	ch := int(math.Round(float64(srcH) * scale))
	return max(cw, w), max(ch, h)
}

// ProportionalHeight returns the height matching width at the source aspect
// ratio, rounded to the nearest pixel and never below 1.
func ProportionalHeight(srcW, srcH, width int) int {
	return max(1, int(math.Round(float64(srcH)*float64(width)/float64(srcW))))
}

// ProportionalWidth returns the width matching height at the source aspect
// ratio, rounded to the nearest pixel and never below 1.
func ProportionalWidth(srcW, srcH, height int) int {
	return max(1, int(math.Round(float64(srcW)*float64(height)/float64(srcH))))
}

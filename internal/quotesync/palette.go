package quotesync

import "strings"

type PaletteColor string

const (
	ColorYellow PaletteColor = "yellow"
	ColorBlue   PaletteColor = "blue"
	ColorPink   PaletteColor = "pink"
	ColorGreen  PaletteColor = "green"
	ColorOrange PaletteColor = "orange"
	ColorPurple PaletteColor = "purple"
	ColorRed    PaletteColor = "red"
	ColorBrown  PaletteColor = "brown"
	ColorGray   PaletteColor = "gray"
)

// palette is ordered; the first entry contained in a label wins.
var palette = []PaletteColor{
	ColorYellow,
	ColorBlue,
	ColorPink,
	ColorGreen,
	ColorOrange,
	ColorPurple,
	ColorRed,
	ColorBrown,
	ColorGray,
}

// ResolveColor classifies a free-text highlight label by case-insensitive
// substring containment. Unmatched labels are gray.
func ResolveColor(label string) PaletteColor {
	label = strings.ToLower(label)
	if label == "" {
		return ColorGray
	}
	for _, color := range palette {
		if strings.Contains(label, string(color)) {
			return color
		}
	}
	return ColorGray
}

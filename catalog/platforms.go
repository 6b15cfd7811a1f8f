package catalog

import (
	"sort"
	"strings"
)

// Platforms maps platform identifiers to the catalog's numeric system ids.
var Platforms = map[string]int{
	"nes":           3,
	"snes":          4,
	"n64":           14,
	"gamecube":      13,
	"wii":           16,
	"gameboy":       9,
	"gbc":           10,
	"gba":           12,
	"nds":           15,
	"genesis":       1,
	"megadrive":     1,
	"mastersystem":  2,
	"saturn":        22,
	"dreamcast":     23,
	"psx":           57,
	"ps2":           58,
	"psp":           61,
	"arcade":        75,
	"mame":          75,
	"atari2600":     26,
	"atari7800":     43,
	"colecovision":  48,
	"intellivision": 115,
}

// PlatformID looks up a platform by name, case-insensitively.
func PlatformID(name string) (int, bool) {
	id, ok := Platforms[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// PlatformNames returns the supported platform identifiers, sorted.
func PlatformNames() []string {
	names := make([]string, 0, len(Platforms))
	for name := range Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

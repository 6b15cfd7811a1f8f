// Package catalog models the game records and media returned by the catalog
// service, and picks the best media asset for a caller's region preference.
package catalog

import (
	"fmt"
	"strings"
)

// MediaDescriptor identifies one downloadable asset of a game.
type MediaDescriptor struct {
	Category string `json:"category"`         // Wire tag, e.g. "box-2D", "ss", "video"
	Region   string `json:"region,omitempty"` // e.g. "us", "eu", "wor"
	Format   string `json:"format,omitempty"` // File extension without dot
	URL      string `json:"url,omitempty"`    // Direct locator; empty means fetch by game id
	Size     int64  `json:"size,omitempty"`
	CRC32    string `json:"crc32,omitempty"`
	MD5      string `json:"md5,omitempty"`
	SHA1     string `json:"sha1,omitempty"`
}

// PlayerRange is the supported player count, e.g. 1-2. Max is zero when open
// ended or unknown.
type PlayerRange struct {
	Min int `json:"min,omitempty"`
	Max int `json:"max,omitempty"`
}

func (p PlayerRange) String() string {
	switch {
	case p.Min == 0 && p.Max == 0:
		return ""
	case p.Max == 0:
		return fmt.Sprintf("%d+", p.Min)
	case p.Min == p.Max:
		return fmt.Sprintf("%d", p.Min)
	default:
		return fmt.Sprintf("%d-%d", p.Min, p.Max)
	}
}

// Record is the normalized result of a successful search. Methods on Record
// never modify it.
type Record struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Publisher    string            `json:"publisher,omitempty"`
	Developer    string            `json:"developer,omitempty"`
	Players      PlayerRange       `json:"players"`
	Rating       float64           `json:"rating,omitempty"` // Catalog scale, 0-20
	ReleaseDate  string            `json:"release_date,omitempty"`
	Genre        string            `json:"genre,omitempty"`
	PlatformID   int               `json:"platform_id,omitempty"`
	PlatformName string            `json:"platform_name,omitempty"`
	Media        []MediaDescriptor `json:"media,omitempty"`
}

// UserQuota is the service's own view of the caller's usage.
type UserQuota struct {
	UserID            string `json:"user_id,omitempty"`
	Level             int    `json:"level,omitempty"`
	MaxThreads        int    `json:"max_threads,omitempty"`
	RequestsToday     int    `json:"requests_today"`
	MaxRequestsPerDay int    `json:"max_requests_per_day"`
}

// Remaining returns the requests left today according to the service, or -1
// when the service did not report a cap.
func (u UserQuota) Remaining() int {
	if u.MaxRequestsPerDay <= 0 {
		return -1
	}
	if r := u.MaxRequestsPerDay - u.RequestsToday; r > 0 {
		return r
	}
	return 0
}

// categoryAliases maps friendly names to the catalog's media tags.
var categoryAliases = map[string]string{
	"box-2d":     "box-2D",
	"box-3d":     "box-3D",
	"screenshot": "ss",
	"title":      "sstitle",
	"marquee":    "wheel",
	"video":      "video",
	"manual":     "manuel",
	"map":        "map",
	"mix":        "mixrbv1",
}

// NormalizeCategory maps a friendly category name (e.g. "screenshot") to the
// catalog's tag (e.g. "ss"). Unknown names are returned trimmed but otherwise
// unchanged.
func NormalizeCategory(category string) string {
	category = strings.TrimSpace(category)
	if tag, ok := categoryAliases[strings.ToLower(category)]; ok {
		return tag
	}
	return category
}

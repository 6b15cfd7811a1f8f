package scraper

import (
	"net/http"
	"slices"
	"strings"
)

// MarkerSet recognises one failure kind from a status code or a
// case-insensitive substring of the response text.
type MarkerSet struct {
	Statuses   []int    `yaml:"statuses"`
	Substrings []string `yaml:"substrings"`
}

func (m MarkerSet) matches(status int, text string) bool {
	if slices.Contains(m.Statuses, status) {
		return true
	}
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, s := range m.Substrings {
		if s != "" && strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Markers tells the orchestrator how the service signals each failure kind.
// The service reports these conditions with a mix of status codes and plain
// text, so both are configurable.
type Markers struct {
	NotFound      MarkerSet `yaml:"not_found"`
	QuotaExceeded MarkerSet `yaml:"quota_exceeded"`
	ServiceClosed MarkerSet `yaml:"service_closed"`
}

// DefaultMarkers returns the markers observed from the live service.
func DefaultMarkers() Markers {
	return Markers{
		NotFound: MarkerSet{
			Statuses:   []int{http.StatusNotFound},
			Substrings: []string{"non trouv", "not found", "NOMEDIA"},
		},
		QuotaExceeded: MarkerSet{
			Statuses:   []int{430, 431},
			Substrings: []string{"quota"},
		},
		ServiceClosed: MarkerSet{
			Statuses:   []int{http.StatusLocked},
			Substrings: []string{"fermé", "ferme", "closed", "maintenance"},
		},
	}
}

// match returns the first kind whose markers fit, checking quota before
// closure before not-found, or KindUnknown.
func (m Markers) match(status int, text string) Kind {
	switch {
	case m.QuotaExceeded.matches(status, text):
		return KindQuotaExceeded
	case m.ServiceClosed.matches(status, text):
		return KindServiceClosed
	case m.NotFound.matches(status, text):
		return KindNotFound
	default:
		return KindUnknown
	}
}

// classifyStatus maps a non-2xx response to a failure kind. A server error
// counts as a closure only by status; its text alone is not enough.
func (m Markers) classifyStatus(status int, text string) Kind {
	if status >= http.StatusInternalServerError && !slices.Contains(m.ServiceClosed.Statuses, status) {
		m.ServiceClosed.Substrings = nil
	}
	if kind := m.match(status, text); kind != KindUnknown {
		return kind
	}
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return KindTransient
	default:
		return KindProtocol
	}
}

package catalog

import "strings"

// All returns every media entry of the given category, in record order.
func (r *Record) All(category string) []MediaDescriptor {
	if r == nil {
		return nil
	}
	category = NormalizeCategory(category)
	var out []MediaDescriptor
	for _, m := range r.Media {
		if m.Category == category {
			out = append(out, m)
		}
	}
	return out
}

// Select picks the best media entry of the given category for an ordered
// region preference. Earlier regions win; regions not in the list rank after
// every listed region. Ties keep record order, so identical inputs always give
// the same answer. With no preference the first entry of the category wins.
func (r *Record) Select(category string, regions []string) (MediaDescriptor, bool) {
	candidates := r.All(category)
	if len(candidates) == 0 {
		return MediaDescriptor{}, false
	}

	rank := make(map[string]int, len(regions))
	for i, region := range regions {
		key := strings.ToLower(strings.TrimSpace(region))
		if _, seen := rank[key]; !seen {
			rank[key] = i
		}
	}

	best, bestRank := 0, len(regions)
	for i, m := range candidates {
		pos, ok := rank[strings.ToLower(m.Region)]
		if !ok {
			pos = len(regions)
		}
		if pos < bestRank {
			best, bestRank = i, pos
		}
	}
	return candidates[best], true
}

// Categories returns the distinct media categories of the record, in order of
// first appearance.
func (r *Record) Categories() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.Media {
		if !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}
	return out
}

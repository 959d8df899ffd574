package retrieve

import "sort"

// DefaultRRFK is the rank constant of Reciprocal Rank Fusion.
const DefaultRRFK = 60

// Fuse merges ranked lists with Reciprocal Rank Fusion: each item scores
// sum(1 / (k + rank)) over the lists it appears in, rank starting at 1.
// Ties keep first-seen order, so the result for a smaller limit is always a
// prefix of the result for a larger one. The fused score replaces Score.
func Fuse(lists [][]Match, k, limit int) []Match {
	if k <= 0 {
		k = DefaultRRFK
	}

	type entry struct {
		match Match
		score float64
		order int
	}
	byKey := make(map[string]*entry)
	var entries []*entry
	for _, list := range lists {
		for rank, m := range list {
			key := m.Key()
			e, ok := byKey[key]
			if !ok {
				e = &entry{match: m, order: len(entries)}
				byKey[key] = e
				entries = append(entries, e)
			}
			e.score += 1.0 / float64(k+rank+1)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Match, len(entries))
	for i, e := range entries {
		out[i] = e.match
		out[i].Score = e.score
	}
	return out
}

package retrieval

import "sort"

// FuseRRF merges the lexical and vector candidate lists with Reciprocal
// Rank Fusion: each candidate scores sum(1/(k + rank)) over the lists it
// appears in. Ties break by chunk id for a stable order.
func FuseRRF(lexical, vector []Candidate, k int) []Candidate {
	if k <= 0 {
		k = 60
	}

	type entry struct {
		candidate Candidate
		score     float64
	}
	merged := make(map[string]*entry)

	accumulate := func(list []Candidate) {
		for rank, c := range list {
			contribution := 1.0 / float64(k+rank+1)
			if e, ok := merged[c.ChunkID]; ok {
				e.score += contribution
			} else {
				merged[c.ChunkID] = &entry{candidate: c, score: contribution}
			}
		}
	}
	accumulate(lexical)
	accumulate(vector)

	out := make([]Candidate, 0, len(merged))
	for _, e := range merged {
		c := e.candidate
		c.Score = e.score
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

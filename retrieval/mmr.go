package retrieval

import "strings"

// Diversity reranking over the fused list, MMR style but cheap: similarity
// is Jaccard over the first 40 tokens, and picks from an already-selected
// document pay a flat penalty. At most perDocCap chunks per document unless
// there are not enough candidates to fill topK otherwise.

const similarityTokens = 40

// Rerank selects up to topK candidates maximizing
// lambda*score - (1-lambda)*maxSim - 0.3*(picksFromSameDoc+1).
func Rerank(candidates []Candidate, topK int, lambda float64, perDocCap int) []Candidate {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}
	if lambda <= 0 || lambda > 1 {
		lambda = 0.7
	}
	if perDocCap <= 0 {
		perDocCap = 2
	}

	tokens := make([][]string, len(candidates))
	for i, c := range candidates {
		tokens[i] = headTokens(c.Text)
	}

	selected := make([]Candidate, 0, topK)
	selectedTokens := make([][]string, 0, topK)
	docCounts := make(map[string]int)
	used := make([]bool, len(candidates))

	for len(selected) < topK {
		bestIdx := -1
		bestScore := 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			if docCounts[c.DocumentID] >= perDocCap && remainingOtherDocs(candidates, used, c.DocumentID) > 0 {
				continue
			}

			maxSim := 0.0
			for _, st := range selectedTokens {
				if sim := jaccard(tokens[i], st); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*c.Score - (1-lambda)*maxSim - 0.3*float64(docCounts[c.DocumentID]+1)
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx == -1 {
			break
		}
		used[bestIdx] = true
		selected = append(selected, candidates[bestIdx])
		selectedTokens = append(selectedTokens, tokens[bestIdx])
		docCounts[candidates[bestIdx].DocumentID]++
	}
	return selected
}

// remainingOtherDocs checks whether skipping a capped document still leaves
// candidates to choose from.
func remainingOtherDocs(candidates []Candidate, used []bool, docID string) int {
	n := 0
	for i, c := range candidates {
		if !used[i] && c.DocumentID != docID {
			n++
		}
	}
	return n
}

func headTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) > similarityTokens {
		fields = fields[:similarityTokens]
	}
	return fields
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	inter := 0
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := setB[t]; dup {
			continue
		}
		setB[t] = struct{}{}
		if _, ok := setA[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

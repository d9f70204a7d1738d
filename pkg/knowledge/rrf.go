package knowledge

import "sort"

// rrfK dampens the rank contribution in Reciprocal Rank Fusion.
const rrfK = 60

// FuseRRF merges vector and keyword search results with Reciprocal
// Rank Fusion: each appearance contributes 1/(k + rank) with rank
// starting at 1. Raw sums are normalized by the best possible score
// (rank 1 in both lists), so a document topping both lists scores 1.0
// and scores are comparable against the cache-hit threshold.
//
// Fusion is symmetric: swapping the input lists leaves the ranking
// unchanged.
func FuseRRF(vector, keyword []Scored, topK int) []Scored {
	merged := make(map[string]*Scored)

	accumulate := func(hits []Scored) {
		for rank, hit := range hits {
			e, ok := merged[hit.ID]
			if !ok {
				e = &Scored{Entry: hit.Entry}
				merged[hit.ID] = e
			}
			e.Score += 1.0 / float64(rrfK+rank+1)
		}
	}
	accumulate(vector)
	accumulate(keyword)

	best := 2.0 / float64(rrfK+1)
	results := make([]Scored, 0, len(merged))
	for _, e := range merged {
		e.Score /= best
		results = append(results, *e)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

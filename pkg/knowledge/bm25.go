package knowledge

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 parameters, standard Robertson values.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// rankBM25 scores documents against the query with Okapi BM25 over the
// concatenated question and answer text. Only documents containing at
// least one query term are returned, best first, at most k.
//
// Backends with native full-text search (SQLite FTS5, Postgres
// tsvector) rank in the database instead; this serves the in-memory
// store.
func rankBM25(query string, entries []Entry, k int) []Scored {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(entries) == 0 {
		return nil
	}

	docs := make([]map[string]int, len(entries))
	lengths := make([]int, len(entries))
	var totalLen int
	df := make(map[string]int)
	for i, e := range entries {
		terms := tokenize(e.Question + " " + e.Answer)
		freq := make(map[string]int, len(terms))
		for _, t := range terms {
			freq[t]++
		}
		docs[i] = freq
		lengths[i] = len(terms)
		totalLen += len(terms)
		for t := range freq {
			df[t]++
		}
	}
	avgLen := float64(totalLen) / float64(len(entries))

	n := float64(len(entries))
	var results []Scored
	for i, e := range entries {
		var score float64
		for _, t := range queryTerms {
			tf := float64(docs[i][t])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(lengths[i])/avgLen))
			score += idf * norm
		}
		if score > 0 {
			results = append(results, Scored{Entry: e, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

package vectorstore

import "math"

// maximalMarginalRelevance picks up to k candidate indexes, greedily trading
// similarity to the query (weight lambda) against similarity to candidates
// already picked (weight 1-lambda). The first pick is the most similar
// candidate.
func maximalMarginalRelevance(query []float32, candidates [][]float32, k int, lambda float32) []int {
	n := min(k, len(candidates))
	if n <= 0 {
		return nil
	}

	toQuery := make([]float32, len(candidates))
	best := 0
	for i, c := range candidates {
		toQuery[i] = cosine(query, c)
		if toQuery[i] > toQuery[best] {
			best = i
		}
	}

	selected := []int{best}
	picked := make([]bool, len(candidates))
	picked[best] = true
	// running max similarity of each candidate to the selected set
	redundancy := make([]float32, len(candidates))
	for i, c := range candidates {
		redundancy[i] = cosine(c, candidates[best])
	}

	for len(selected) < n {
		next := -1
		bestScore := float32(math.Inf(-1))
		for i := range candidates {
			if picked[i] {
				continue
			}
			score := lambda*toQuery[i] - (1-lambda)*redundancy[i]
			if score > bestScore {
				bestScore = score
				next = i
			}
		}
		selected = append(selected, next)
		picked[next] = true
		for i, c := range candidates {
			if s := cosine(c, candidates[next]); s > redundancy[i] {
				redundancy[i] = s
			}
		}
	}
	return selected
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

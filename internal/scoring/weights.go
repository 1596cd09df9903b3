package scoring

import "sort"

// Aggregate sums task scores per identity weighted by each task's weight.
func Aggregate(taskScores map[string]map[string]float64, taskWeights map[string]float64) map[string]float64 {
	totals := make(map[string]float64)
	for task, scores := range taskScores {
		w := taskWeights[task]
		for identity, s := range scores {
			totals[identity] += s * w
		}
	}
	return totals
}

// BuildWeights maps identities to node ids, sorted by node id. Identities that
// are no longer registered or scored 0 are left out. ok is false when nothing
// scored above 0, meaning no weights should be set.
func BuildWeights(totals map[string]float64, nodeIDOf map[string]int64) (nodeIDs []int64, weights []float64, ok bool) {
	type pair struct {
		id int64
		w  float64
	}
	pairs := make([]pair, 0, len(totals))
	for identity, w := range totals {
		if w <= 0 {
			continue
		}
		id, registered := nodeIDOf[identity]
		if !registered {
			continue
		}
		pairs = append(pairs, pair{id: id, w: w})
	}
	if len(pairs) == 0 {
		return nil, nil, false
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })

	nodeIDs = make([]int64, len(pairs))
	weights = make([]float64, len(pairs))
	for i, p := range pairs {
		nodeIDs[i] = p.id
		weights[i] = p.w
	}
	return nodeIDs, weights, true
}

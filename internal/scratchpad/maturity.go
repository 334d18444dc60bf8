package scratchpad

import (
	"math"
	"sort"
)

// CanonicalKeys are the value proposition elements that count toward idea maturity.
var CanonicalKeys = []string{
	KeyProblem,
	KeyTargetCustomer,
	KeySolution,
	KeyMainBenefit,
	KeyDifferentiator,
	KeyUseCase,
}

// maxWeakest bounds the number of weakest components reported.
const maxWeakest = 2

// Maturity is the result of scoring a scratchpad.
type Maturity struct {
	Score      int                `json:"score"`
	Weakest    []string           `json:"weakest"`
	Components map[string]float64 `json:"components"`
}

// CalculateMaturity scores sp from 0 to 100. Every key in keys carries an
// equal weight when filled. The weakest components are the (at most two)
// keys below full weight, ordered by score then key name. When keys is nil
// CanonicalKeys is used.
func CalculateMaturity(sp *Scratchpad, keys []string) Maturity {
	if keys == nil {
		keys = CanonicalKeys
	}
	m := Maturity{Components: make(map[string]float64, len(keys)), Weakest: []string{}}
	if len(keys) == 0 {
		return m
	}

	weight := 100.0 / float64(len(keys))
	total := 0.0
	for _, k := range keys {
		score := 0.0
		if sp != nil && sp.Filled(k) {
			score = weight
		}
		m.Components[k] = score
		total += score
	}
	m.Score = int(math.Min(100, math.Round(total)))

	type component struct {
		key   string
		score float64
	}
	var partial []component
	for _, k := range keys {
		if m.Components[k] < weight {
			partial = append(partial, component{k, m.Components[k]})
		}
	}
	sort.Slice(partial, func(i, j int) bool {
		if partial[i].score != partial[j].score {
			return partial[i].score < partial[j].score
		}
		return partial[i].key < partial[j].key
	})
	for i := 0; i < len(partial) && i < maxWeakest; i++ {
		m.Weakest = append(m.Weakest, partial[i].key)
	}
	return m
}
